// Package event defines the canonical calendar event model shared by both
// backends. Backend payloads normalize into NormalizedEvent; everything
// downstream (diffing, conflict resolution, the registry) speaks this shape
// and nothing else.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Compact iCalendar-style layouts used for recurrence ids, exception dates
// and the content hash. All instants are rendered in UTC.
const (
	TimeLayout = "20060102T150405Z"
	DateLayout = "20060102"
)

// Stamp is one end of an event's schedule: an absolute instant for timed
// events, a bare date for all-day events.
type Stamp struct {
	// Time holds the UTC instant. For all-day events it is midnight UTC of
	// the date; the time of day carries no meaning then.
	Time   time.Time `json:"time"`
	AllDay bool      `json:"all_day,omitempty"`
	// TZ is the IANA zone the backend reported for a timed event. Empty
	// means UTC. All-day events carry no zone.
	TZ string `json:"tz,omitempty"`
}

// Canonical renders the stamp in its hashable form: the bare date for
// all-day, the compact UTC instant otherwise.
func (s Stamp) Canonical() string {
	if s.Time.IsZero() {
		return ""
	}
	if s.AllDay {
		return s.Time.UTC().Format(DateLayout)
	}
	return s.Time.UTC().Format(TimeLayout)
}

// IsZero reports whether the stamp was never set.
func (s Stamp) IsZero() bool {
	return s.Time.IsZero()
}

// Equal compares two stamps by canonical form, ignoring wall-clock
// representation differences.
func (s Stamp) Equal(o Stamp) bool {
	return s.Canonical() == o.Canonical() && s.TZ == o.TZ
}

// Key identifies one logical event within a mapping: the master event for a
// series, or a single overridden instance when RecurrenceID is set.
type Key struct {
	UID          string
	RecurrenceID string
}

func (k Key) String() string {
	if k.RecurrenceID == "" {
		return k.UID
	}
	return k.UID + "@" + k.RecurrenceID
}

// ParseKey is the inverse of Key.String. The recurrence id tail is
// recognized by its canonical shape, so uids that themselves contain '@'
// stay intact.
func ParseKey(s string) Key {
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		if _, err := ParseRecurrenceID(s[i+1:]); err == nil {
			return Key{UID: s[:i], RecurrenceID: s[i+1:]}
		}
	}
	return Key{UID: s}
}

// NormalizedEvent is the canonical snapshot of one calendar item. Two
// events with the same Key and the same ContentHash are semantically
// identical regardless of which backend produced them or how that backend
// formats its payloads.
type NormalizedEvent struct {
	// ===== Identity =====
	UID string `json:"uid"`
	// RecurrenceID is empty for a master event. For a single-instance
	// override it is the canonical form of the instance's original start
	// (TimeLayout, or DateLayout for all-day series).
	RecurrenceID string `json:"recurrence_id,omitempty"`

	// ===== Content =====
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// ===== Schedule =====
	Start Stamp `json:"start"`
	End   Stamp `json:"end"`

	// ===== Recurrence =====
	// RecurrenceRule is the canonical RRULE value ("FREQ=..."), empty for
	// non-recurring events.
	RecurrenceRule string `json:"recurrence_rule,omitempty"`
	// ExceptionDates lists excluded occurrences in canonical form, sorted.
	ExceptionDates []string `json:"exception_dates,omitempty"`

	// ===== Sync metadata =====
	// BackendID is the id the originating backend knows this event by:
	// the event id for the remote API, the uid-derived key for CalDAV.
	// Identifies the row for updates and deletes; excluded from the hash.
	BackendID string `json:"backend_id,omitempty"`
	// Deleted marks a tombstone: the backend reported the event as
	// cancelled or it vanished while still correlated.
	Deleted bool `json:"deleted,omitempty"`
	// LastModified is the backend-reported modification instant, zero when
	// the backend supplied none. Excluded from the content hash.
	LastModified time.Time `json:"last_modified,omitempty"`
	ContentHash  string    `json:"content_hash"`
}

// Key returns the event's identity within its mapping.
func (e *NormalizedEvent) Key() Key {
	return Key{UID: e.UID, RecurrenceID: e.RecurrenceID}
}

// IsOverride reports whether the event is a single-instance override of a
// recurring series rather than a master.
func (e *NormalizedEvent) IsOverride() bool {
	return e.RecurrenceID != ""
}

// Validate checks the fields every consumer relies on. Tombstones may carry
// nothing beyond their identity.
func (e *NormalizedEvent) Validate() error {
	if e.UID == "" {
		return fmt.Errorf("uid is required")
	}
	if e.Deleted {
		return nil
	}
	if e.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	return nil
}

// ComputeHash fills ContentHash from the content fields. LastModified and
// Deleted are excluded: modification stamps differ per backend clock, and
// tombstones compare by absence, not by content.
func (e *NormalizedEvent) ComputeHash() string {
	parts := []string{
		e.UID,
		e.RecurrenceID,
		e.Title,
		e.Description,
		e.Location,
		e.Start.Canonical(),
		e.End.Canonical(),
		strconv.FormatBool(e.Start.AllDay),
		e.Start.TZ,
		e.RecurrenceRule,
		strings.Join(e.ExceptionDates, ","),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	e.ContentHash = hex.EncodeToString(sum[:])
	return e.ContentHash
}

// FormatRecurrenceID renders an instance's original start as a recurrence
// id in canonical form.
func FormatRecurrenceID(s Stamp) string {
	return s.Canonical()
}

// ParseRecurrenceID parses a canonical recurrence id back into a stamp.
func ParseRecurrenceID(rid string) (Stamp, error) {
	switch len(rid) {
	case len(DateLayout):
		t, err := time.ParseInLocation(DateLayout, rid, time.UTC)
		if err != nil {
			return Stamp{}, fmt.Errorf("invalid recurrence id %q: %w", rid, err)
		}
		return Stamp{Time: t, AllDay: true}, nil
	case len(TimeLayout):
		t, err := time.Parse(TimeLayout, rid)
		if err != nil {
			return Stamp{}, fmt.Errorf("invalid recurrence id %q: %w", rid, err)
		}
		return Stamp{Time: t}, nil
	default:
		return Stamp{}, fmt.Errorf("invalid recurrence id %q", rid)
	}
}

// Failure records one per-event problem inside a run: a payload that would
// not normalize, or a write that the backend rejected.
type Failure struct {
	UID    string `json:"uid"`
	Op     string `json:"op,omitempty"`
	Reason string `json:"reason"`
}

func (f Failure) String() string {
	if f.Op == "" {
		return fmt.Sprintf("%s: %s", f.UID, f.Reason)
	}
	return fmt.Sprintf("%s %s: %s", f.Op, f.UID, f.Reason)
}
