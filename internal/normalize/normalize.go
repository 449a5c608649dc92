// Package normalize converts backend-native calendar payloads into the
// canonical event shape and renders canonical events back into each
// backend's native form. One conversion function exists per backend kind;
// everything funnels into event.NormalizedEvent so the rest of the engine
// never sees a wire format.
//
// Determinism is the contract here: identical payloads must always produce
// identical content hashes, and rendering an event then normalizing the
// rendition must reproduce the same hash.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/syncwell/calbridge/internal/event"
)

// NormalizationError reports one payload that could not be converted. It is
// always a single-event failure: the caller records it and moves on.
type NormalizationError struct {
	// UID of the offending event, when one could be read.
	UID string

	// Field that was missing or malformed.
	Field string

	// Reason is a short human-readable cause.
	Reason string
}

func (e *NormalizationError) Error() string {
	uid := e.UID
	if uid == "" {
		uid = "<unknown>"
	}
	return fmt.Sprintf("normalize %s: %s: %s", uid, e.Field, e.Reason)
}

// IsNormalization returns true if the error is a per-event normalization
// failure rather than something fatal to the fetch.
func IsNormalization(err error) bool {
	var ne *NormalizationError
	return errors.As(err, &ne)
}

// failure converts a NormalizationError into the Failure shape carried on
// run results.
func failure(e *NormalizationError) event.Failure {
	return event.Failure{UID: e.UID, Op: "normalize", Reason: fmt.Sprintf("%s: %s", e.Field, e.Reason)}
}

// parseCompact parses the compact iCalendar time forms used for stamps:
// "20060102T150405Z", the floating "20060102T150405" (taken in loc), or the
// bare date "20060102".
func parseCompact(value string, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(event.TimeLayout, value); err == nil {
		return t, false, nil
	}
	if t, err := time.ParseInLocation("20060102T150405", value, loc); err == nil {
		return t, false, nil
	}
	if t, err := time.ParseInLocation(event.DateLayout, value, time.UTC); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("unrecognized time value %q", value)
}
