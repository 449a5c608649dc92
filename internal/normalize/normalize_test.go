package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/calbridge/internal/event"
)

func icsText(lines ...string) string {
	all := append([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
	}, lines...)
	all = append(all, "END:VCALENDAR")
	return strings.Join(all, "\r\n") + "\r\n"
}

func TestFromICSTimedEvent(t *testing.T) {
	data := icsText(
		"BEGIN:VEVENT",
		"UID:evt-1@example.org",
		"DTSTAMP:20250810T120000Z",
		"DTSTART;TZID=Europe/Berlin:20250901T110000",
		"DTEND;TZID=Europe/Berlin:20250901T113000",
		"SUMMARY:Standup",
		"DESCRIPTION:Daily sync\\, quick one",
		"LOCATION:Room 2",
		"LAST-MODIFIED:20250820T070000Z",
		"END:VEVENT",
	)

	events, skipped, err := FromICS(data)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "evt-1@example.org", ev.UID)
	assert.Empty(t, ev.RecurrenceID)
	assert.Equal(t, "Standup", ev.Title)
	assert.Equal(t, "Daily sync, quick one", ev.Description)
	assert.Equal(t, "Room 2", ev.Location)
	assert.Equal(t, time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC), ev.Start.Time)
	assert.Equal(t, "Europe/Berlin", ev.Start.TZ)
	assert.False(t, ev.Start.AllDay)
	assert.Equal(t, time.Date(2025, 8, 20, 7, 0, 0, 0, time.UTC), ev.LastModified)
	assert.NotEmpty(t, ev.ContentHash)

	// Determinism: the same payload always produces the same hash.
	again, _, err := FromICS(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ContentHash, again[0].ContentHash)
}

func TestFromICSAllDayEvent(t *testing.T) {
	data := icsText(
		"BEGIN:VEVENT",
		"UID:day-1",
		"DTSTAMP:20250810T120000Z",
		"DTSTART;VALUE=DATE:20250901",
		"DTEND;VALUE=DATE:20250902",
		"SUMMARY:Offsite",
		"END:VEVENT",
	)

	events, skipped, err := FromICS(data)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, events, 1)

	ev := events[0]
	assert.True(t, ev.Start.AllDay)
	assert.Empty(t, ev.Start.TZ)
	assert.Equal(t, "20250901", ev.Start.Canonical())
	assert.Equal(t, "20250902", ev.End.Canonical())
}

func TestFromICSRecurringWithOverride(t *testing.T) {
	data := icsText(
		"BEGIN:VEVENT",
		"UID:series-1",
		"DTSTAMP:20250810T120000Z",
		"DTSTART:20250901T090000Z",
		"DTEND:20250901T093000Z",
		"RRULE:FREQ=DAILY;COUNT=10",
		"EXDATE:20250903T090000Z",
		"SUMMARY:Standup",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series-1",
		"DTSTAMP:20250810T120000Z",
		"RECURRENCE-ID:20250902T090000Z",
		"DTSTART:20250902T100000Z",
		"DTEND:20250902T103000Z",
		"SUMMARY:Standup (moved)",
		"END:VEVENT",
	)

	events, skipped, err := FromICS(data)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, events, 2)

	master := events[0]
	assert.Equal(t, "FREQ=DAILY;COUNT=10", master.RecurrenceRule)
	assert.Equal(t, []string{"20250903T090000Z"}, master.ExceptionDates)
	assert.Empty(t, master.RecurrenceID)

	override := events[1]
	assert.Equal(t, "series-1", override.UID)
	assert.Equal(t, "20250902T090000Z", override.RecurrenceID)
	assert.Equal(t, "Standup (moved)", override.Title)
	assert.True(t, override.IsOverride())
}

func TestFromICSSkipsBadComponents(t *testing.T) {
	data := icsText(
		"BEGIN:VEVENT",
		"DTSTAMP:20250810T120000Z",
		"DTSTART:20250901T090000Z",
		"SUMMARY:No uid here",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ok-1",
		"DTSTAMP:20250810T120000Z",
		"DTSTART:20250901T090000Z",
		"SUMMARY:Fine",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:no-start",
		"DTSTAMP:20250810T120000Z",
		"SUMMARY:Missing dtstart",
		"END:VEVENT",
	)

	events, skipped, err := FromICS(data)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok-1", events[0].UID)
	require.Len(t, skipped, 2)
	assert.Equal(t, "normalize", skipped[0].Op)
	assert.Equal(t, "no-start", skipped[1].UID)
}

func TestFromICSUndecodable(t *testing.T) {
	_, _, err := FromICS("this is not a calendar")
	assert.Error(t, err)
}

func TestICSRoundTripPreservesHash(t *testing.T) {
	src := event.NormalizedEvent{
		UID:            "series-9",
		Title:          "Planning, part 2",
		Description:    "Line one\nline two",
		Location:       "HQ",
		Start:          event.Stamp{Time: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC), TZ: "Europe/Berlin"},
		End:            event.Stamp{Time: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC), TZ: "Europe/Berlin"},
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO",
		ExceptionDates: []string{"20250908T090000Z"},
		LastModified:   time.Date(2025, 8, 20, 7, 0, 0, 0, time.UTC),
	}
	src.ComputeHash()

	text, err := ToICS([]event.NormalizedEvent{src})
	require.NoError(t, err)

	back, skipped, err := FromICS(text)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, back, 1)

	assert.Equal(t, src.ContentHash, back[0].ContentHash)
	assert.Equal(t, src.LastModified, back[0].LastModified)
}

func TestICSRoundTripAllDay(t *testing.T) {
	src := event.NormalizedEvent{
		UID:   "day-9",
		Title: "Offsite",
		Start: event.Stamp{Time: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC), AllDay: true},
		End:   event.Stamp{Time: time.Date(2025, 9, 3, 0, 0, 0, 0, time.UTC), AllDay: true},
	}
	src.ComputeHash()

	text, err := ToICS([]event.NormalizedEvent{src})
	require.NoError(t, err)

	back, _, err := FromICS(text)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.True(t, back[0].Start.AllDay)
	assert.Equal(t, src.ContentHash, back[0].ContentHash)
}

func remoteFixture() RemoteEvent {
	return RemoteEvent{
		ID:      "rme-1",
		ICalUID: "evt-1@example.org",
		Summary: "Standup",
		Start:   &RemoteTime{DateTime: "2025-09-01T09:00:00Z", TimeZone: "Europe/Berlin"},
		End:     &RemoteTime{DateTime: "2025-09-01T09:30:00Z", TimeZone: "Europe/Berlin"},
		Updated: "2025-08-20T07:00:00Z",
	}
}

func TestFromRemoteTimedEvent(t *testing.T) {
	ev, err := FromRemote(remoteFixture())
	require.NoError(t, err)

	assert.Equal(t, "evt-1@example.org", ev.UID)
	assert.Equal(t, "rme-1", ev.BackendID)
	assert.Equal(t, time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC), ev.Start.Time)
	assert.Equal(t, "Europe/Berlin", ev.Start.TZ)
	assert.Equal(t, time.Date(2025, 8, 20, 7, 0, 0, 0, time.UTC), ev.LastModified)
}

func TestFromRemoteAllDay(t *testing.T) {
	re := RemoteEvent{
		ID:      "rme-2",
		ICalUID: "day-1",
		Summary: "Offsite",
		Start:   &RemoteTime{Date: "2025-09-01"},
		End:     &RemoteTime{Date: "2025-09-02"},
	}
	ev, err := FromRemote(re)
	require.NoError(t, err)
	assert.True(t, ev.Start.AllDay)
	assert.Equal(t, "20250901", ev.Start.Canonical())
	assert.Equal(t, "20250902", ev.End.Canonical())
}

func TestFromRemoteCancelled(t *testing.T) {
	re := RemoteEvent{
		ID:                "rme-3",
		ICalUID:           "series-1",
		Status:            "cancelled",
		OriginalStartTime: &RemoteTime{DateTime: "2025-09-02T09:00:00Z"},
	}
	ev, err := FromRemote(re)
	require.NoError(t, err)
	assert.True(t, ev.Deleted)
	assert.Equal(t, "series-1", ev.UID)
	assert.Equal(t, "20250902T090000Z", ev.RecurrenceID)
}

func TestFromRemoteRecurrenceLines(t *testing.T) {
	re := RemoteEvent{
		ID:      "rme-4",
		ICalUID: "series-2",
		Summary: "Weekly",
		Start:   &RemoteTime{DateTime: "2025-09-01T09:00:00Z"},
		End:     &RemoteTime{DateTime: "2025-09-01T10:00:00Z"},
		Recurrence: []string{
			"RRULE:FREQ=WEEKLY;BYDAY=MO",
			"EXDATE:20250908T090000Z,20250915T090000Z",
			"EXDATE;VALUE=DATE:20250922",
		},
	}
	ev, err := FromRemote(re)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", ev.RecurrenceRule)
	assert.Equal(t, []string{"20250908T090000Z", "20250915T090000Z", "20250922"}, ev.ExceptionDates)
}

func TestFromRemoteMissingIdentity(t *testing.T) {
	_, err := FromRemote(RemoteEvent{Summary: "nameless"})
	require.Error(t, err)
	assert.True(t, IsNormalization(err))

	_, err = FromRemote(RemoteEvent{ID: "rme-5"})
	require.Error(t, err)
	assert.True(t, IsNormalization(err))
}

func TestRemoteRoundTripPreservesHash(t *testing.T) {
	ev, err := FromRemote(remoteFixture())
	require.NoError(t, err)

	wire := ToRemote(&ev)
	back, err := FromRemote(wire)
	require.NoError(t, err)
	assert.Equal(t, ev.ContentHash, back.ContentHash)
}

func TestCrossCodecConvergence(t *testing.T) {
	// An event fetched from CalDAV, written to the remote side, then read
	// back must hash identically, or syncs would never settle.
	data := icsText(
		"BEGIN:VEVENT",
		"UID:series-1",
		"DTSTAMP:20250810T120000Z",
		"DTSTART;TZID=Europe/Berlin:20250901T110000",
		"DTEND;TZID=Europe/Berlin:20250901T113000",
		"RRULE:FREQ=DAILY;COUNT=10",
		"EXDATE;TZID=Europe/Berlin:20250903T110000",
		"SUMMARY:Standup",
		"END:VEVENT",
	)
	events, skipped, err := FromICS(data)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, events, 1)
	src := events[0]

	wire := ToRemote(&src)
	back, err := FromRemote(wire)
	require.NoError(t, err)
	assert.Equal(t, src.ContentHash, back.ContentHash)

	// And the reverse direction, remote origin rendered to ICS.
	text, err := ToICS([]event.NormalizedEvent{back})
	require.NoError(t, err)
	again, _, err := FromICS(text)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, src.ContentHash, again[0].ContentHash)
}
