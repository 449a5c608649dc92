package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/recurrence"
)

// RemoteEvent is the remote calendar API's wire shape for one event. Single
// instances of a recurring series come back as their own events carrying
// the master's id in RecurringEventID and the instance's original start.
type RemoteEvent struct {
	ID                string      `json:"id,omitempty"`
	Status            string      `json:"status,omitempty"`
	Summary           string      `json:"summary,omitempty"`
	Description       string      `json:"description,omitempty"`
	Location          string      `json:"location,omitempty"`
	Start             *RemoteTime `json:"start,omitempty"`
	End               *RemoteTime `json:"end,omitempty"`
	Recurrence        []string    `json:"recurrence,omitempty"`
	RecurringEventID  string      `json:"recurringEventId,omitempty"`
	OriginalStartTime *RemoteTime `json:"originalStartTime,omitempty"`
	ICalUID           string      `json:"iCalUID,omitempty"`
	Updated           string      `json:"updated,omitempty"`
}

// RemoteTime is the remote API's date-or-datetime union: Date for all-day
// events, DateTime (RFC 3339) plus an optional IANA TimeZone otherwise.
type RemoteTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

const remoteDateLayout = "2006-01-02"

// FromRemote converts one remote wire event into canonical form. A
// cancelled status becomes a tombstone that keeps only its identity.
func FromRemote(re RemoteEvent) (event.NormalizedEvent, error) {
	uid := re.ICalUID
	if uid == "" {
		uid = re.ID
	}
	if uid == "" {
		return event.NormalizedEvent{}, &NormalizationError{Field: "id", Reason: "missing"}
	}

	ev := event.NormalizedEvent{UID: uid, BackendID: re.ID}

	if re.OriginalStartTime != nil {
		stamp, err := stampFromRemoteTime(*re.OriginalStartTime)
		if err != nil {
			return event.NormalizedEvent{}, &NormalizationError{UID: uid, Field: "originalStartTime", Reason: err.Error()}
		}
		ev.RecurrenceID = event.FormatRecurrenceID(stamp)
	}

	if strings.EqualFold(re.Status, "cancelled") {
		ev.Deleted = true
		ev.LastModified = parseUpdated(re.Updated)
		ev.ComputeHash()
		return ev, nil
	}

	if re.Start == nil {
		return event.NormalizedEvent{}, &NormalizationError{UID: uid, Field: "start", Reason: "missing"}
	}
	start, err := stampFromRemoteTime(*re.Start)
	if err != nil {
		return event.NormalizedEvent{}, &NormalizationError{UID: uid, Field: "start", Reason: err.Error()}
	}
	ev.Start = start

	if re.End != nil {
		end, err := stampFromRemoteTime(*re.End)
		if err != nil {
			return event.NormalizedEvent{}, &NormalizationError{UID: uid, Field: "end", Reason: err.Error()}
		}
		ev.End = end
	} else if start.AllDay {
		ev.End = event.Stamp{Time: start.Time.AddDate(0, 0, 1), AllDay: true}
	} else {
		ev.End = start
	}

	ev.Title = re.Summary
	ev.Description = re.Description
	ev.Location = re.Location

	rule, exdates, err := parseRecurrenceLines(re.Recurrence)
	if err != nil {
		return event.NormalizedEvent{}, &NormalizationError{UID: uid, Field: "recurrence", Reason: err.Error()}
	}
	ev.RecurrenceRule = rule
	ev.ExceptionDates = exdates

	ev.LastModified = parseUpdated(re.Updated)
	ev.ComputeHash()
	return ev, nil
}

// ToRemote renders a canonical event into the remote wire shape. The
// backend id is addressing, not content, so the caller supplies it on the
// request path rather than here.
func ToRemote(ev *event.NormalizedEvent) RemoteEvent {
	re := RemoteEvent{
		ICalUID:     ev.UID,
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
	}

	if !ev.Start.IsZero() {
		re.Start = toRemoteTime(ev.Start)
	}
	if !ev.End.IsZero() {
		re.End = toRemoteTime(ev.End)
	}

	if ev.RecurrenceRule != "" {
		re.Recurrence = append(re.Recurrence, "RRULE:"+ev.RecurrenceRule)
	}
	if len(ev.ExceptionDates) > 0 {
		re.Recurrence = append(re.Recurrence, renderExDateLines(ev.ExceptionDates)...)
	}

	if ev.RecurrenceID != "" {
		if stamp, err := event.ParseRecurrenceID(ev.RecurrenceID); err == nil {
			re.OriginalStartTime = toRemoteTime(stamp)
		}
	}

	if !ev.LastModified.IsZero() {
		re.Updated = ev.LastModified.UTC().Format(time.RFC3339)
	}

	return re
}

func stampFromRemoteTime(rt RemoteTime) (event.Stamp, error) {
	if rt.Date != "" {
		t, err := time.ParseInLocation(remoteDateLayout, rt.Date, time.UTC)
		if err != nil {
			return event.Stamp{}, fmt.Errorf("invalid date %q", rt.Date)
		}
		return event.Stamp{Time: t, AllDay: true}, nil
	}
	if rt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, rt.DateTime)
		if err != nil {
			return event.Stamp{}, fmt.Errorf("invalid dateTime %q", rt.DateTime)
		}
		return event.Stamp{Time: t.UTC(), TZ: rt.TimeZone}, nil
	}
	return event.Stamp{}, fmt.Errorf("empty time")
}

func toRemoteTime(s event.Stamp) *RemoteTime {
	if s.AllDay {
		return &RemoteTime{Date: s.Time.UTC().Format(remoteDateLayout)}
	}
	return &RemoteTime{
		DateTime: s.Time.UTC().Format(time.RFC3339),
		TimeZone: s.TZ,
	}
}

func parseUpdated(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// parseRecurrenceLines digests the wire recurrence block: one RRULE line
// and any number of EXDATE lines, each possibly parameterized and
// comma-joined. RDATE lines are not modeled and are skipped.
func parseRecurrenceLines(lines []string) (string, []string, error) {
	var rule string
	var exdates []string

	for _, line := range lines {
		name, params, value := splitContentLine(line)
		switch name {
		case "RRULE":
			canonical, err := recurrence.Canonical(value)
			if err != nil {
				return "", nil, err
			}
			rule = canonical
		case "EXDATE":
			dateOnly := strings.EqualFold(params["VALUE"], "DATE")
			loc := time.UTC
			if tzid := params["TZID"]; tzid != "" {
				if l, err := time.LoadLocation(tzid); err == nil {
					loc = l
				}
			}
			for _, raw := range strings.Split(value, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				if dateOnly {
					t, err := time.ParseInLocation(event.DateLayout, raw, time.UTC)
					if err != nil {
						return "", nil, fmt.Errorf("invalid exdate %q", raw)
					}
					exdates = append(exdates, event.Stamp{Time: t, AllDay: true}.Canonical())
					continue
				}
				t, allDay, err := parseCompact(raw, loc)
				if err != nil {
					return "", nil, fmt.Errorf("invalid exdate %q", raw)
				}
				exdates = append(exdates, event.Stamp{Time: t.UTC(), AllDay: allDay}.Canonical())
			}
		}
	}

	sort.Strings(exdates)
	return rule, exdates, nil
}

// splitContentLine splits "NAME;PARAM=V;PARAM2=V2:value" into its parts.
func splitContentLine(line string) (string, map[string]string, string) {
	head, value, _ := strings.Cut(line, ":")
	parts := strings.Split(head, ";")
	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return name, params, value
}

// renderExDateLines renders canonical exception stamps back into wire
// lines, keeping date-form and time-form entries on separate lines.
func renderExDateLines(exdates []string) []string {
	var dates, times []string
	for _, raw := range exdates {
		stamp, err := event.ParseRecurrenceID(raw)
		if err != nil {
			continue
		}
		if stamp.AllDay {
			dates = append(dates, raw)
		} else {
			times = append(times, raw)
		}
	}
	var lines []string
	if len(dates) > 0 {
		lines = append(lines, "EXDATE;VALUE=DATE:"+strings.Join(dates, ","))
	}
	if len(times) > 0 {
		lines = append(lines, "EXDATE:"+strings.Join(times, ","))
	}
	return lines
}
