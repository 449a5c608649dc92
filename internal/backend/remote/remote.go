// Package remote implements the hosted calendar API side of a mapping.
//
// The API is JSON REST in the shape hosted calendar providers converge on:
// events listed per calendar over a window with page tokens, addressed by
// server-assigned opaque ids, written with insert, patch and delete calls.
// Recurring series stay folded; cancelled instances come back as their own
// items and normalize into tombstones.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/syncwell/calbridge/internal/backend"
	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/normalize"
)

func init() {
	backend.Register(backend.KindRemote, func(ep backend.Endpoint) (backend.Client, error) {
		return New(ep)
	})
}

const maxPageSize = 250

// Client talks to one remote calendar account.
type Client struct {
	ep   backend.Endpoint
	http *http.Client
	base *url.URL
}

// New builds a remote API client for the endpoint.
func New(ep backend.Endpoint) (*Client, error) {
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("remote: base url required")
	}
	base, err := url.Parse(ep.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url %q: %w", ep.BaseURL, err)
	}

	return &Client{
		ep:   ep,
		http: ep.Client(),
		base: base,
	}, nil
}

// Kind returns the backend kind.
func (c *Client) Kind() backend.Kind { return backend.KindRemote }

type listResponse struct {
	Items         []normalize.RemoteEvent `json:"items"`
	NextPageToken string                  `json:"nextPageToken,omitempty"`
}

// ListEvents pages through the calendar's events in the window and
// normalizes each item. Items that will not normalize are reported as
// skipped without failing the listing.
func (c *Client) ListEvents(ctx context.Context, calendarRef string, from, to time.Time) (*backend.ListResult, error) {
	result := &backend.ListResult{}
	pageToken := ""

	for {
		page, err := c.listPage(ctx, calendarRef, from, to, pageToken)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			ev, err := normalize.FromRemote(item)
			if err != nil {
				result.Skipped = append(result.Skipped, event.Failure{
					UID:    remoteUID(item),
					Reason: err.Error(),
				})
				continue
			}
			result.Events = append(result.Events, ev)
		}

		if page.NextPageToken == "" {
			return result, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) listPage(ctx context.Context, calendarRef string, from, to time.Time, pageToken string) (*listResponse, error) {
	u := c.eventsURL(calendarRef)
	q := u.Query()
	q.Set("timeMin", from.UTC().Format(time.RFC3339))
	q.Set("timeMax", to.UTC().Format(time.RFC3339))
	// Masters plus overrides, not expanded instances; expansion is local.
	q.Set("singleEvents", "false")
	q.Set("maxResults", strconv.Itoa(maxPageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	u.RawQuery = q.Encode()

	var page listResponse
	if err := c.call(ctx, http.MethodGet, u.String(), nil, &page); err != nil {
		return nil, fmt.Errorf("remote list %s: %w", calendarRef, err)
	}
	return &page, nil
}

// CreateEvent inserts the event and returns the server-assigned id.
func (c *Client) CreateEvent(ctx context.Context, calendarRef string, ev *event.NormalizedEvent) (string, error) {
	var created normalize.RemoteEvent
	if err := c.call(ctx, http.MethodPost, c.eventsURL(calendarRef).String(), normalize.ToRemote(ev), &created); err != nil {
		return "", &backend.ApplyError{UID: ev.UID, Op: "insert", Reason: "insert failed", Err: err}
	}
	if created.ID == "" {
		return "", &backend.ApplyError{UID: ev.UID, Op: "insert", Reason: "no id in insert response"}
	}
	return created.ID, nil
}

// UpdateEvent patches the event addressed by its server id.
func (c *Client) UpdateEvent(ctx context.Context, calendarRef, id string, ev *event.NormalizedEvent) error {
	if err := c.call(ctx, http.MethodPatch, c.eventURL(calendarRef, id).String(), normalize.ToRemote(ev), nil); err != nil {
		return &backend.ApplyError{UID: ev.UID, Op: "update", Reason: "patch failed", Err: err}
	}
	return nil
}

// DeleteEvent removes the event addressed by its server id. Deleting
// something already gone is success. Only the opaque id is known here, so
// failures come back plain and the engine attaches the event identity.
func (c *Client) DeleteEvent(ctx context.Context, calendarRef, id string) error {
	err := c.call(ctx, http.MethodDelete, c.eventURL(calendarRef, id).String(), nil, nil)
	if err == nil || backend.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("remote delete %s: %w", id, err)
}

// call sends one JSON request and decodes the response into out when out
// is non-nil.
func (c *Client) call(ctx context.Context, method, target string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if err := backend.StatusError(resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.ep.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.ep.Token)
	case c.ep.Username != "" || c.ep.Password != "":
		req.SetBasicAuth(c.ep.Username, c.ep.Password)
	}
}

func (c *Client) eventsURL(calendarRef string) *url.URL {
	u := *c.base
	u.Path = path.Join(u.Path, "calendars", calendarRef, "events")
	return &u
}

func (c *Client) eventURL(calendarRef, id string) *url.URL {
	u := *c.base
	u.Path = path.Join(u.Path, "calendars", calendarRef, "events", id)
	return &u
}

// remoteUID labels a skipped item by the best identity on hand.
func remoteUID(re normalize.RemoteEvent) string {
	if re.ICalUID != "" {
		return re.ICalUID
	}
	return re.ID
}
