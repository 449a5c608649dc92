// Package caldav implements the CalDAV side of a mapping.
//
// Events are fetched with a REPORT calendar-query over the sync window and
// written back as one ICS resource per uid: a recurring master and its
// overrides share a single object, so every write merges the event into the
// cached copy of its resource before the PUT. Resource hrefs and etags come
// from the last REPORT; the engine always lists before applying, which
// keeps the cache warm for the writes that follow.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syncwell/calbridge/internal/backend"
	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/normalize"
)

func init() {
	backend.Register(backend.KindCalDAV, func(ep backend.Endpoint) (backend.Client, error) {
		return New(ep)
	})
}

// resource is one ICS object on the server: a master event plus any
// overrides sharing its uid, addressed by href and guarded by etag.
type resource struct {
	href   string
	etag   string
	events map[string]event.NormalizedEvent // component key -> event
}

// Client talks WebDAV to one CalDAV account.
type Client struct {
	ep   backend.Endpoint
	http *http.Client
	base *url.URL

	mu    sync.Mutex
	cache map[string]map[string]*resource // calendarRef -> uid -> resource
}

// New builds a CalDAV client for the endpoint.
func New(ep backend.Endpoint) (*Client, error) {
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("caldav: base url required")
	}
	base, err := url.Parse(ep.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("caldav: invalid base url %q: %w", ep.BaseURL, err)
	}

	return &Client{
		ep:    ep,
		http:  ep.Client(),
		base:  base,
		cache: make(map[string]map[string]*resource),
	}, nil
}

// Kind returns the backend kind.
func (c *Client) Kind() backend.Kind { return backend.KindCalDAV }

// ListEvents runs a calendar-query REPORT over the window and normalizes
// every VEVENT it returns. The parsed hrefs and etags replace the calendar's
// resource cache.
func (c *Client) ListEvents(ctx context.Context, calendarRef string, from, to time.Time) (*backend.ListResult, error) {
	req, err := http.NewRequestWithContext(ctx, "REPORT",
		c.calendarURL(calendarRef).String(), strings.NewReader(queryBody(from, to)))
	if err != nil {
		return nil, fmt.Errorf("caldav report: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("caldav report %s: %w: %v", calendarRef, backend.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if err := backend.StatusError(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("caldav report %s: %w", calendarRef, err)
	}

	resources, result, err := parseMultistatus(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("caldav report %s: %w", calendarRef, err)
	}

	c.mu.Lock()
	c.cache[calendarRef] = resources
	c.mu.Unlock()

	return result, nil
}

// CreateEvent writes a new event. The returned id is the event's key; the
// CalDAV side is addressed by uid, not by server-assigned ids.
func (c *Client) CreateEvent(ctx context.Context, calendarRef string, ev *event.NormalizedEvent) (string, error) {
	if err := c.putMerged(ctx, calendarRef, ev, "insert"); err != nil {
		return "", err
	}
	return ev.Key().String(), nil
}

// UpdateEvent overwrites the event, carrying its cached siblings along so
// the uid's resource stays whole.
func (c *Client) UpdateEvent(ctx context.Context, calendarRef, id string, ev *event.NormalizedEvent) error {
	return c.putMerged(ctx, calendarRef, ev, "update")
}

// DeleteEvent removes a master's whole resource, or carves one override
// out of its resource and rewrites the remainder. Deleting something
// already gone is success: the point of the delete is the absence.
func (c *Client) DeleteEvent(ctx context.Context, calendarRef, id string) error {
	key := event.ParseKey(id)

	c.mu.Lock()
	res := c.lookup(calendarRef, key.UID)
	var href, etag string
	var cached int
	var remaining map[string]event.NormalizedEvent
	if res != nil {
		href = c.hrefURL(res.href).String()
		etag = res.etag
		cached = len(res.events)
		remaining = make(map[string]event.NormalizedEvent, len(res.events))
		for k, v := range res.events {
			if k != key.String() {
				remaining[k] = v
			}
		}
	}
	c.mu.Unlock()

	if key.RecurrenceID == "" {
		return c.deleteResource(ctx, calendarRef, key.UID, href, etag)
	}

	if res == nil || len(remaining) == cached {
		// No cached copy holds this override; nothing to carve it out of.
		// The next listing rebuilds the truth either way.
		return nil
	}
	if len(remaining) == 0 {
		return c.deleteResource(ctx, calendarRef, key.UID, href, etag)
	}

	return c.rewrite(ctx, calendarRef, key.UID, href, etag, remaining)
}

// putMerged renders ev together with its cached sibling components and PUTs
// the resource. A uid never seen in a listing gets a fresh object guarded
// by If-None-Match; known objects are guarded by their etag when one is on
// hand.
func (c *Client) putMerged(ctx context.Context, calendarRef string, ev *event.NormalizedEvent, op string) error {
	key := ev.Key().String()

	c.mu.Lock()
	res := c.lookup(calendarRef, ev.UID)
	href := c.resourceURL(calendarRef, ev.UID).String()
	etag := ""
	fresh := res == nil
	events := make(map[string]event.NormalizedEvent, 1)
	if res != nil {
		href = c.hrefURL(res.href).String()
		etag = res.etag
		for k, v := range res.events {
			events[k] = v
		}
	}
	events[key] = *ev
	c.mu.Unlock()

	body, err := normalize.ToICS(componentsOf(events))
	if err != nil {
		return &backend.ApplyError{UID: ev.UID, Op: op, Reason: "render ics failed", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, strings.NewReader(body))
	if err != nil {
		return &backend.ApplyError{UID: ev.UID, Op: op, Reason: "build request failed", Err: err}
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if fresh {
		req.Header.Set("If-None-Match", "*")
	} else if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &backend.ApplyError{UID: ev.UID, Op: op, Reason: "connection failed",
			Err: fmt.Errorf("%w: %v", backend.ErrConnectivity, err)}
	}
	defer resp.Body.Close()

	if err := backend.StatusError(resp.StatusCode); err != nil {
		return &backend.ApplyError{UID: ev.UID, Op: op,
			Reason: fmt.Sprintf("put returned %d", resp.StatusCode), Err: err}
	}

	c.storeResource(calendarRef, ev.UID, href, resp.Header.Get("ETag"), events)
	return nil
}

// rewrite PUTs a resource's remaining components after an override was
// carved out.
func (c *Client) rewrite(ctx context.Context, calendarRef, uid, href, etag string, remaining map[string]event.NormalizedEvent) error {
	body, err := normalize.ToICS(componentsOf(remaining))
	if err != nil {
		return &backend.ApplyError{UID: uid, Op: "delete", Reason: "render ics failed", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, strings.NewReader(body))
	if err != nil {
		return &backend.ApplyError{UID: uid, Op: "delete", Reason: "build request failed", Err: err}
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &backend.ApplyError{UID: uid, Op: "delete", Reason: "connection failed",
			Err: fmt.Errorf("%w: %v", backend.ErrConnectivity, err)}
	}
	defer resp.Body.Close()

	if err := backend.StatusError(resp.StatusCode); err != nil {
		return &backend.ApplyError{UID: uid, Op: "delete",
			Reason: fmt.Sprintf("put returned %d", resp.StatusCode), Err: err}
	}

	c.storeResource(calendarRef, uid, href, resp.Header.Get("ETag"), remaining)
	return nil
}

// deleteResource removes a uid's whole ICS object.
func (c *Client) deleteResource(ctx context.Context, calendarRef, uid, href, etag string) error {
	if href == "" {
		href = c.resourceURL(calendarRef, uid).String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, href, nil)
	if err != nil {
		return &backend.ApplyError{UID: uid, Op: "delete", Reason: "build request failed", Err: err}
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &backend.ApplyError{UID: uid, Op: "delete", Reason: "connection failed",
			Err: fmt.Errorf("%w: %v", backend.ErrConnectivity, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		c.dropResource(calendarRef, uid)
		return nil
	}
	if err := backend.StatusError(resp.StatusCode); err != nil {
		return &backend.ApplyError{UID: uid, Op: "delete",
			Reason: fmt.Sprintf("delete returned %d", resp.StatusCode), Err: err}
	}

	c.dropResource(calendarRef, uid)
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.ep.Username != "" || c.ep.Password != "" {
		req.SetBasicAuth(c.ep.Username, c.ep.Password)
	}
}

// calendarURL resolves a calendar collection under the account base.
func (c *Client) calendarURL(calendarRef string) *url.URL {
	u := *c.base
	u.Path = path.Join(u.Path, calendarRef) + "/"
	return &u
}

// resourceURL derives the conventional object URL for a uid. Used only
// until a listing supplies the server's own href.
func (c *Client) resourceURL(calendarRef, uid string) *url.URL {
	u := *c.base
	u.Path = path.Join(u.Path, calendarRef, uid+".ics")
	return &u
}

// hrefURL resolves a multistatus href, absolute or server-rooted, against
// the account base.
func (c *Client) hrefURL(href string) *url.URL {
	u, err := url.Parse(href)
	if err != nil {
		u = &url.URL{Path: href}
	}
	return c.base.ResolveReference(u)
}

// lookup returns the cached resource for a uid. Caller holds mu.
func (c *Client) lookup(calendarRef, uid string) *resource {
	cal := c.cache[calendarRef]
	if cal == nil {
		return nil
	}
	return cal[uid]
}

func (c *Client) storeResource(calendarRef, uid, href, etag string, events map[string]event.NormalizedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cal := c.cache[calendarRef]
	if cal == nil {
		cal = make(map[string]*resource)
		c.cache[calendarRef] = cal
	}
	cal[uid] = &resource{href: href, etag: strings.TrimSpace(etag), events: events}
}

func (c *Client) dropResource(calendarRef, uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cal := c.cache[calendarRef]; cal != nil {
		delete(cal, uid)
	}
}

// componentsOf orders a resource's components master-first for rendering.
func componentsOf(events map[string]event.NormalizedEvent) []event.NormalizedEvent {
	out := make([]event.NormalizedEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecurrenceID < out[j].RecurrenceID
	})
	return out
}
