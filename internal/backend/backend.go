// Package backend provides a unified interface over the two calendar
// systems being reconciled.
//
// This package abstracts the differences between the CalDAV server and the
// remote calendar API, so the sync engine can fetch and write events without
// knowing which wire protocol sits behind a mapping side. The design follows
// a strategy pattern with registered constructors per kind.
//
// # Usage
//
//	client, err := backend.New(backend.KindCalDAV, backend.Endpoint{
//	    BaseURL:  "https://dav.example.com",
//	    Username: "alice",
//	    Password: "secret",
//	})
//
// # Implementations
//
//   - internal/backend/caldav: CalDAV over WebDAV REPORT/PUT/DELETE
//   - internal/backend/remote: the remote calendar JSON API
package backend

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syncwell/calbridge/internal/event"
)

// Kind identifies a calendar backend implementation.
type Kind string

const (
	// KindCalDAV is the CalDAV (WebDAV calendar collection) backend.
	KindCalDAV Kind = "caldav"

	// KindRemote is the remote calendar HTTP API backend.
	KindRemote Kind = "remote"
)

// String returns the string representation of the backend kind.
func (k Kind) String() string {
	return string(k)
}

// DefaultTimeout bounds every backend HTTP call unless the endpoint
// overrides it.
const DefaultTimeout = 15 * time.Second

// Endpoint carries everything needed to reach one backend: base URL plus
// whichever credential style the backend uses.
type Endpoint struct {
	BaseURL  string
	Username string
	Password string
	Token    string
	Timeout  time.Duration

	// HTTPClient overrides the default client, primarily for tests.
	HTTPClient *http.Client
}

// Client returns the HTTP client to use for this endpoint.
func (ep Endpoint) Client() *http.Client {
	if ep.HTTPClient != nil {
		return ep.HTTPClient
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// ListResult is what a backend list returns: the events that normalized
// cleanly plus one Failure per payload that did not. A skip never fails the
// list call.
type ListResult struct {
	Events  []event.NormalizedEvent
	Skipped []event.Failure
}

// Client defines the operations the sync engine needs from a calendar
// backend. List failures are whole-call errors (classify with IsAuth /
// IsConnectivity); write failures come back as *ApplyError so the engine
// can record them per event and keep going.
type Client interface {
	// Kind returns the backend kind.
	Kind() Kind

	// ListEvents fetches all events overlapping [from, to] from the given
	// calendar and normalizes them.
	ListEvents(ctx context.Context, calendarRef string, from, to time.Time) (*ListResult, error)

	// CreateEvent writes a new event and returns the backend-assigned id.
	CreateEvent(ctx context.Context, calendarRef string, ev *event.NormalizedEvent) (string, error)

	// UpdateEvent overwrites the event with the given backend id.
	UpdateEvent(ctx context.Context, calendarRef string, id string, ev *event.NormalizedEvent) error

	// DeleteEvent removes the event with the given backend id. Deleting an
	// event that is already gone is not an error.
	DeleteEvent(ctx context.Context, calendarRef string, id string) error
}

// Constructor creates a backend client for an endpoint. Implementations
// register themselves with Register() in their init() functions.
type Constructor func(ep Endpoint) (Client, error)

var (
	registry      = make(map[Kind]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend implementation constructor. Called from
// init() in implementation packages.
func Register(k Kind, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("backend: Register constructor is nil for kind %s", k))
	}
	if _, exists := registry[k]; exists {
		panic(fmt.Sprintf("backend: Register called twice for kind %s", k))
	}
	registry[k] = constructor
}

// New creates a client for the given kind, or ErrUnknownKind when no
// implementation registered itself.
func New(k Kind, ep Endpoint) (Client, error) {
	registryMutex.RLock()
	constructor := registry[k]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("%w: %s (available: %v)", ErrUnknownKind, k, RegisteredKinds())
	}
	client, err := constructor(ep)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", k, err)
	}
	return client, nil
}

// Detect guesses the backend kind from a base URL. CalDAV deployments
// conventionally advertise dav schemes or dav path segments; anything else
// is treated as the remote calendar API.
func Detect(baseURL string) Kind {
	u := strings.ToLower(strings.TrimSpace(baseURL))
	switch {
	case strings.HasPrefix(u, "caldav://"), strings.HasPrefix(u, "caldavs://"):
		return KindCalDAV
	case strings.Contains(u, "dav"):
		return KindCalDAV
	}
	return KindRemote
}

// IsRegistered returns true if a constructor is registered for the kind.
func IsRegistered(k Kind) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[k]
	return exists
}

// RegisteredKinds returns all registered backend kinds, sorted.
func RegisteredKinds() []Kind {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
