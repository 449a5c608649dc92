// Package recurrence translates and expands recurrence rules. Both backends
// funnel their RRULE text through Canonical so that equivalent rules hash
// identically, and the differ uses Expand/Occurs to reason about single
// instances of a series.
package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/syncwell/calbridge/internal/event"
)

// Expansion is capped so a malformed or unbounded rule cannot pin a run.
const maxOccurrences = 1000

// Canonical normalizes an RRULE value: upper-cased, "RRULE:" prefix and
// embedded DTSTART/TZID parts stripped, parts sorted with FREQ first. The
// result parses under rrule-go or an error is returned. An empty input
// yields an empty rule.
func Canonical(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", nil
	}
	value = strings.ToUpper(strings.TrimPrefix(value, "RRULE:"))

	var kept []string
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, _, ok := strings.Cut(part, "=")
		if !ok {
			return "", fmt.Errorf("invalid rrule part %q", part)
		}
		// Some feeds embed the series start in the rule; the event itself
		// is the authority for that.
		if key == "DTSTART" || key == "TZID" {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return "", nil
	}

	sort.SliceStable(kept, func(i, j int) bool {
		fi := strings.HasPrefix(kept[i], "FREQ=")
		fj := strings.HasPrefix(kept[j], "FREQ=")
		if fi != fj {
			return fi
		}
		return kept[i] < kept[j]
	})

	canonical := strings.Join(kept, ";")
	if _, err := rrule.StrToRRule(canonical); err != nil {
		return "", fmt.Errorf("invalid rrule %q: %w", raw, err)
	}
	return canonical, nil
}

// Expand returns the series occurrences within [from, to], inclusive, with
// exception dates filtered out. masterStart anchors the series; exdates are
// canonical stamps as carried on a NormalizedEvent.
func Expand(masterStart time.Time, rule string, exdates []string, from, to time.Time) ([]time.Time, error) {
	if rule == "" {
		if !masterStart.Before(from) && !masterStart.After(to) && !excluded(masterStart, exdates) {
			return []time.Time{masterStart}, nil
		}
		return nil, nil
	}

	dtstart := masterStart.UTC().Format(event.TimeLayout)
	ruleSet, err := rrule.StrToRRuleSet(fmt.Sprintf("DTSTART:%s\nRRULE:%s", dtstart, rule))
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", rule, err)
	}

	occurrences := ruleSet.Between(from, to, true)
	if len(occurrences) > maxOccurrences {
		occurrences = occurrences[:maxOccurrences]
	}

	var out []time.Time
	for _, occ := range occurrences {
		if !excluded(occ, exdates) {
			out = append(out, occ)
		}
	}
	return out, nil
}

// Occurs reports whether the series has an occurrence at the given instant.
// Used to validate that a recurrence id actually names an instance before
// an exclusion is propagated for it.
func Occurs(masterStart time.Time, rule string, exdates []string, instant time.Time) (bool, error) {
	occurrences, err := Expand(masterStart, rule, exdates, instant, instant)
	if err != nil {
		return false, err
	}
	for _, occ := range occurrences {
		if occ.Equal(instant) {
			return true, nil
		}
	}
	return false, nil
}

// WithExDate returns the exception list with rid added, sorted, without
// duplicates. The input slice is not modified.
func WithExDate(exdates []string, rid string) []string {
	for _, ex := range exdates {
		if ex == rid {
			return exdates
		}
	}
	out := make([]string, 0, len(exdates)+1)
	out = append(out, exdates...)
	out = append(out, rid)
	sort.Strings(out)
	return out
}

// excluded checks an occurrence against the exception list. Date-only
// exceptions match any occurrence falling on that UTC date.
func excluded(t time.Time, exdates []string) bool {
	for _, raw := range exdates {
		ex, err := event.ParseRecurrenceID(raw)
		if err != nil {
			continue
		}
		if ex.AllDay {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if day.Equal(ex.Time) {
				return true
			}
			continue
		}
		if t.Equal(ex.Time) {
			return true
		}
	}
	return false
}
