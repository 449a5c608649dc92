package normalize

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/recurrence"
)

// ProductID identifies calendars written by this process.
const ProductID = "-//syncwell//calbridge//EN"

// FromICS parses an iCalendar text into normalized events, one per VEVENT.
// A calendar object may carry a recurring master plus override components
// sharing its UID; each becomes its own event. Components that fail to
// normalize are reported in the second return value without failing the
// call. The error return fires only when the text itself will not decode.
func FromICS(data string) ([]event.NormalizedEvent, []event.Failure, error) {
	dec := ical.NewDecoder(strings.NewReader(data))

	var events []event.NormalizedEvent
	var skipped []event.Failure
	decodedAny := false

	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !decodedAny {
				return nil, nil, fmt.Errorf("decode ics: %w", err)
			}
			// Trailing garbage after a valid calendar; keep what parsed.
			break
		}
		decodedAny = true

		for _, child := range cal.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			ev, nerr := normalizeComponent(child)
			if nerr != nil {
				skipped = append(skipped, failure(nerr))
				continue
			}
			events = append(events, *ev)
		}
	}

	return events, skipped, nil
}

// ToICS renders normalized events into one VCALENDAR. Masters and their
// overrides belong in the same calendar object on CalDAV, so the caller
// passes the full set for a uid. Tombstones are skipped; deletions travel
// as HTTP deletes, not as payloads.
func ToICS(events []event.NormalizedEvent) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)

	for i := range events {
		ev := &events[i]
		if ev.Deleted {
			continue
		}
		comp, err := eventComponent(ev)
		if err != nil {
			return "", err
		}
		cal.Children = append(cal.Children, comp)
	}

	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode ics: %w", err)
	}
	return buf.String(), nil
}

func normalizeComponent(comp *ical.Component) (*event.NormalizedEvent, *NormalizationError) {
	uidProp := comp.Props.Get(ical.PropUID)
	if uidProp == nil || uidProp.Value == "" {
		return nil, &NormalizationError{Field: "uid", Reason: "missing"}
	}
	uid := uidProp.Value

	ev := &event.NormalizedEvent{UID: uid}

	if statusProp := comp.Props.Get(ical.PropStatus); statusProp != nil {
		ev.Deleted = strings.EqualFold(statusProp.Value, "CANCELLED")
	}

	if ridProp := comp.Props.Get("RECURRENCE-ID"); ridProp != nil {
		stamp, err := stampFromProp(ridProp)
		if err != nil {
			return nil, &NormalizationError{UID: uid, Field: "recurrence-id", Reason: err.Error()}
		}
		ev.RecurrenceID = event.FormatRecurrenceID(stamp)
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		if ev.Deleted {
			// Cancelled components may be stripped to their identity.
			ev.BackendID = ev.Key().String()
			ev.ComputeHash()
			return ev, nil
		}
		return nil, &NormalizationError{UID: uid, Field: "dtstart", Reason: "missing"}
	}
	start, err := stampFromProp(startProp)
	if err != nil {
		return nil, &NormalizationError{UID: uid, Field: "dtstart", Reason: err.Error()}
	}
	ev.Start = start
	ev.End = endStamp(comp, start)

	ev.Title, _ = comp.Props.Text(ical.PropSummary)
	ev.Description, _ = comp.Props.Text(ical.PropDescription)
	ev.Location, _ = comp.Props.Text(ical.PropLocation)

	if rruleProp := comp.Props.Get(ical.PropRecurrenceRule); rruleProp != nil && rruleProp.Value != "" {
		canonical, err := recurrence.Canonical(rruleProp.Value)
		if err != nil {
			return nil, &NormalizationError{UID: uid, Field: "rrule", Reason: err.Error()}
		}
		ev.RecurrenceRule = canonical
	}

	ev.ExceptionDates = exceptionDates(comp)

	if lmProp := comp.Props.Get(ical.PropLastModified); lmProp != nil {
		if t, _, err := parseCompact(lmProp.Value, time.UTC); err == nil {
			ev.LastModified = t
		}
	}

	ev.BackendID = ev.Key().String()
	ev.ComputeHash()
	return ev, nil
}

// stampFromProp reads a DTSTART/DTEND/RECURRENCE-ID style property into a
// stamp, honoring VALUE=DATE and TZID. Unknown zone names degrade to a UTC
// reading rather than failing the event.
func stampFromProp(prop *ical.Prop) (event.Stamp, error) {
	if strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE") {
		t, err := time.ParseInLocation(event.DateLayout, prop.Value, time.UTC)
		if err != nil {
			return event.Stamp{}, fmt.Errorf("invalid date %q", prop.Value)
		}
		return event.Stamp{Time: t, AllDay: true}, nil
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if loc, lerr := time.LoadLocation(tzid); lerr == nil {
			t, allDay, err := parseCompact(prop.Value, loc)
			if err != nil {
				return event.Stamp{}, err
			}
			if allDay {
				return event.Stamp{Time: t, AllDay: true}, nil
			}
			return event.Stamp{Time: t.UTC(), TZ: tzid}, nil
		}
	}

	t, allDay, err := parseCompact(prop.Value, time.UTC)
	if err != nil {
		return event.Stamp{}, err
	}
	if allDay {
		return event.Stamp{Time: t, AllDay: true}, nil
	}
	return event.Stamp{Time: t.UTC()}, nil
}

// endStamp resolves DTEND, falling back to DURATION, falling back to the
// conventional defaults: one day for all-day events, instantaneous for
// timed ones.
func endStamp(comp *ical.Component, start event.Stamp) event.Stamp {
	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if end, err := stampFromProp(endProp); err == nil {
			return end
		}
	}
	if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		if d, err := durProp.Duration(); err == nil {
			return event.Stamp{Time: start.Time.Add(d), AllDay: start.AllDay, TZ: start.TZ}
		}
	}
	if start.AllDay {
		return event.Stamp{Time: start.Time.AddDate(0, 0, 1), AllDay: true}
	}
	return start
}

// exceptionDates collects every EXDATE property, each possibly holding a
// comma-separated list, into sorted canonical form.
func exceptionDates(comp *ical.Component) []string {
	var out []string
	for _, prop := range comp.Props[ical.PropExceptionDates] {
		dateOnly := strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
		var loc *time.Location
		if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				loc = l
			}
		}
		for _, raw := range strings.Split(prop.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if dateOnly {
				if t, err := time.ParseInLocation(event.DateLayout, raw, time.UTC); err == nil {
					out = append(out, event.Stamp{Time: t, AllDay: true}.Canonical())
				}
				continue
			}
			if t, allDay, err := parseCompact(raw, loc); err == nil {
				out = append(out, event.Stamp{Time: t.UTC(), AllDay: allDay}.Canonical())
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func eventComponent(ev *event.NormalizedEvent) (*ical.Component, error) {
	e := ical.NewEvent()
	// UID and RRULE are written raw: SetText would escape semicolons and
	// stamp a VALUE=TEXT param onto non-text properties.
	uid := ical.NewProp(ical.PropUID)
	uid.Value = ev.UID
	e.Props.Set(uid)
	e.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	setStamp(e.Props, ical.PropDateTimeStart, ev.Start)
	if !ev.End.IsZero() {
		setStamp(e.Props, ical.PropDateTimeEnd, ev.End)
	}

	if ev.Title != "" {
		e.Props.SetText(ical.PropSummary, ev.Title)
	}
	if ev.Description != "" {
		e.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		e.Props.SetText(ical.PropLocation, ev.Location)
	}

	if ev.RecurrenceRule != "" {
		rrule := ical.NewProp(ical.PropRecurrenceRule)
		rrule.Value = ev.RecurrenceRule
		e.Props.Set(rrule)
	}

	if len(ev.ExceptionDates) > 0 {
		if err := setExceptionDates(e.Props, ev.ExceptionDates); err != nil {
			return nil, err
		}
	}

	if ev.RecurrenceID != "" {
		stamp, err := event.ParseRecurrenceID(ev.RecurrenceID)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", ev.UID, err)
		}
		setStamp(e.Props, "RECURRENCE-ID", stamp)
	}

	if !ev.LastModified.IsZero() {
		p := ical.NewProp(ical.PropLastModified)
		p.Value = ev.LastModified.UTC().Format(event.TimeLayout)
		e.Props.Set(p)
	}

	return e.Component, nil
}

func setStamp(props ical.Props, name string, s event.Stamp) {
	p := ical.NewProp(name)
	if s.AllDay {
		p.Params.Set(ical.ParamValue, "DATE")
		p.Value = s.Time.UTC().Format(event.DateLayout)
		props.Set(p)
		return
	}
	if s.TZ != "" {
		if loc, err := time.LoadLocation(s.TZ); err == nil {
			p.Params.Set(ical.ParamTimezoneID, s.TZ)
			p.Value = s.Time.In(loc).Format("20060102T150405")
			props.Set(p)
			return
		}
	}
	p.Value = s.Time.UTC().Format(event.TimeLayout)
	props.Set(p)
}

// setExceptionDates writes the exception list, splitting date-form and
// time-form entries into separate properties so VALUE=DATE stays accurate.
func setExceptionDates(props ical.Props, exdates []string) error {
	var dates, times []string
	for _, raw := range exdates {
		stamp, err := event.ParseRecurrenceID(raw)
		if err != nil {
			return fmt.Errorf("render exdate: %w", err)
		}
		if stamp.AllDay {
			dates = append(dates, raw)
		} else {
			times = append(times, raw)
		}
	}
	if len(dates) > 0 {
		p := ical.NewProp(ical.PropExceptionDates)
		p.Params.Set(ical.ParamValue, "DATE")
		p.Value = strings.Join(dates, ",")
		props.Add(p)
	}
	if len(times) > 0 {
		p := ical.NewProp(ical.PropExceptionDates)
		p.Value = strings.Join(times, ",")
		props.Add(p)
	}
	return nil
}
