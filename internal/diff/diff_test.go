package diff

import (
	"fmt"
	"testing"
	"time"

	"github.com/syncwell/calbridge/internal/conflict"
	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/registry"
)

func timedEvent(uid, title string, start, modified time.Time) event.NormalizedEvent {
	ev := event.NormalizedEvent{
		UID:          uid,
		Title:        title,
		Start:        event.Stamp{Time: start},
		End:          event.Stamp{Time: start.Add(time.Hour)},
		LastModified: modified,
	}
	ev.ComputeHash()
	return ev
}

func withBackendID(ev event.NormalizedEvent, id string) event.NormalizedEvent {
	ev.BackendID = id
	return ev
}

func asOverride(ev event.NormalizedEvent, rid string) event.NormalizedEvent {
	ev.RecurrenceID = rid
	ev.ComputeHash()
	return ev
}

func recurring(ev event.NormalizedEvent, rule string) event.NormalizedEvent {
	ev.RecurrenceRule = rule
	ev.ComputeHash()
	return ev
}

// correlated builds the registry row left behind by a clean sync of the pair.
func correlated(srcEv, dstEv event.NormalizedEvent) *registry.Correlation {
	return &registry.Correlation{
		MappingID:      "m1",
		SourceUID:      srcEv.UID,
		RecurrenceID:   srcEv.RecurrenceID,
		DestEventID:    dstEv.BackendID,
		LastSourceHash: srcEv.ContentHash,
		LastDestHash:   dstEv.ContentHash,
	}
}

func opsOfKind(plan *Plan, kind Op) []Operation {
	var out []Operation
	for _, op := range plan.Operations {
		if op.Op == kind {
			out = append(out, op)
		}
	}
	return out
}

func TestComputeEmptyWhenInSync(t *testing.T) {
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	srcEv := timedEvent("standup", "Standup", time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC), mod)
	dstEv := withBackendID(srcEv, "evt-1")
	rec := correlated(srcEv, dstEv)

	plan := Compute(
		[]event.NormalizedEvent{srcEv},
		[]event.NormalizedEvent{dstEv},
		[]*registry.Correlation{rec},
		DirectionBidirectional,
		conflict.LatestWins{},
	)

	if !plan.Empty() {
		t.Fatalf("expected empty plan, got %d operations, %d adoptions, %d removals",
			len(plan.Operations), len(plan.Adoptions), len(plan.RemoveRecords))
	}
}

func TestComputeInsertsNewSourceEvents(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	master := recurring(timedEvent("standup", "Standup", start, mod), "FREQ=WEEKLY;BYDAY=MO")
	override := asOverride(timedEvent("standup", "Standup (moved)", start.Add(2*time.Hour), mod), "20250915T090000Z")
	plain := timedEvent("retro", "Retro", start.Add(24*time.Hour), mod)

	// Deliberately listed override-first to prove plan ordering.
	plan := Compute(
		[]event.NormalizedEvent{override, plain, master},
		nil, nil,
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(plan.Operations))
	}
	for i, op := range plan.Operations {
		if op.Op != OpInsert || op.Target != conflict.SideDest {
			t.Fatalf("operation %d: expected insert toward dest, got %s toward %s", i, op.Op, op.Target)
		}
		if op.Record != nil {
			t.Errorf("operation %d: unexpected existing record", i)
		}
		if op.Result == nil {
			t.Fatalf("operation %d: missing result correlation", i)
		}
		if op.Result.DestEventID != "" {
			t.Errorf("operation %d: dest id %q should be assigned at apply time", i, op.Result.DestEventID)
		}
		if op.Result.LastSourceHash != op.Event.ContentHash || op.Result.LastDestHash != op.Event.ContentHash {
			t.Errorf("operation %d: result hashes do not match payload", i)
		}
	}

	// Master precedes its override regardless of input order.
	if plan.Operations[1].Event.UID != "standup" || plan.Operations[1].Event.RecurrenceID != "" {
		t.Errorf("expected standup master second, got %s", plan.Operations[1].Event.Key())
	}
	if plan.Operations[2].Event.RecurrenceID != "20250915T090000Z" {
		t.Errorf("expected standup override last, got %s", plan.Operations[2].Event.Key())
	}
}

func TestComputeRespectsDirection(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	srcOnly := timedEvent("src-only", "Planning", start, mod)
	dstOnly := withBackendID(timedEvent("dst-only", "Review", start.Add(time.Hour), mod), "evt-9")

	tests := []struct {
		direction   Direction
		wantInserts int
		wantTargets []conflict.Side
	}{
		{DirectionCalDAVToRemote, 1, []conflict.Side{conflict.SideDest}},
		{DirectionRemoteToCalDAV, 1, []conflict.Side{conflict.SideSource}},
		{DirectionBidirectional, 2, []conflict.Side{conflict.SideDest, conflict.SideSource}},
	}
	for _, tt := range tests {
		t.Run(string(tt.direction), func(t *testing.T) {
			plan := Compute(
				[]event.NormalizedEvent{srcOnly},
				[]event.NormalizedEvent{dstOnly},
				nil, tt.direction, conflict.LatestWins{},
			)
			inserts, updates, deletes := plan.Counts()
			if inserts != tt.wantInserts || updates != 0 || deletes != 0 {
				t.Fatalf("got %d/%d/%d inserts/updates/deletes, want %d/0/0",
					inserts, updates, deletes, tt.wantInserts)
			}
			for i, op := range plan.Operations {
				if op.Target != tt.wantTargets[i] {
					t.Errorf("operation %d targets %s, want %s", i, op.Target, tt.wantTargets[i])
				}
			}
		})
	}
}

func TestComputeSourceUpdateFlows(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	oldSrc := timedEvent("standup", "Standup", start, time.Date(2025, 9, 10, 5, 0, 0, 0, time.UTC))
	dstEv := withBackendID(oldSrc, "evt-1")
	dstEv.LastModified = time.Date(2025, 9, 10, 5, 0, 0, 0, time.UTC)
	rec := correlated(oldSrc, dstEv)

	newSrc := timedEvent("standup", "Standup (room 4)", start, time.Date(2025, 9, 10, 10, 0, 0, 0, time.UTC))

	plan := Compute(
		[]event.NormalizedEvent{newSrc},
		[]event.NormalizedEvent{dstEv},
		[]*registry.Correlation{rec},
		DirectionBidirectional,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(plan.Operations))
	}
	op := plan.Operations[0]
	if op.Op != OpUpdate || op.Target != conflict.SideDest {
		t.Fatalf("expected update toward dest, got %s toward %s", op.Op, op.Target)
	}
	if op.Event.Title != "Standup (room 4)" {
		t.Errorf("payload title = %q", op.Event.Title)
	}
	if op.Record != rec {
		t.Errorf("operation should carry the existing record")
	}
	if op.Result.DestEventID != "evt-1" {
		t.Errorf("result dest id = %q, want evt-1", op.Result.DestEventID)
	}
	if op.Result.LastSourceHash != newSrc.ContentHash || op.Result.LastDestHash != newSrc.ContentHash {
		t.Errorf("result hashes should both hold the flowed content hash")
	}
	// One side changed: not a conflict.
	if len(plan.Resolutions) != 0 {
		t.Errorf("unexpected resolutions: %v", plan.Resolutions)
	}
}

func TestComputeIgnoresDestDriftOneWay(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	srcEv := timedEvent("standup", "Standup", start, mod)
	oldDst := withBackendID(srcEv, "evt-1")
	rec := correlated(srcEv, oldDst)

	drifted := withBackendID(timedEvent("standup", "Standup (edited remotely)", start, mod.Add(time.Hour)), "evt-1")

	plan := Compute(
		[]event.NormalizedEvent{srcEv},
		[]event.NormalizedEvent{drifted},
		[]*registry.Correlation{rec},
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	if !plan.Empty() {
		t.Fatalf("destination drift must not flow in one-way mode, got %d operations", len(plan.Operations))
	}
}

func TestComputeDestChangeFlowsBack(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	srcEv := timedEvent("standup", "Standup", start, mod)
	oldDst := withBackendID(srcEv, "evt-1")
	rec := correlated(srcEv, oldDst)

	edited := withBackendID(timedEvent("standup", "Standup (new room)", start, mod.Add(time.Hour)), "evt-1")

	plan := Compute(
		[]event.NormalizedEvent{srcEv},
		[]event.NormalizedEvent{edited},
		[]*registry.Correlation{rec},
		DirectionBidirectional,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(plan.Operations))
	}
	op := plan.Operations[0]
	if op.Op != OpUpdate || op.Target != conflict.SideSource {
		t.Fatalf("expected update toward source, got %s toward %s", op.Op, op.Target)
	}
	if op.Event.Title != "Standup (new room)" {
		t.Errorf("payload title = %q", op.Event.Title)
	}
}

func TestComputeResolvesConflictLatestWins(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	base := timedEvent("standup", "Standup", start, time.Date(2025, 9, 10, 5, 0, 0, 0, time.UTC))
	rec := correlated(base, withBackendID(base, "evt-1"))

	// Both sides edited since the last sync; the remote edit is newer.
	srcEdit := timedEvent("standup", "Standup (room 4)", start, time.Date(2025, 9, 10, 10, 0, 0, 0, time.UTC))
	dstEdit := withBackendID(timedEvent("standup", "Standup (room 9)", start, time.Date(2025, 9, 10, 11, 0, 0, 0, time.UTC)), "evt-1")

	for run := 0; run < 5; run++ {
		plan := Compute(
			[]event.NormalizedEvent{srcEdit},
			[]event.NormalizedEvent{dstEdit},
			[]*registry.Correlation{rec},
			DirectionBidirectional,
			conflict.LatestWins{},
		)

		if len(plan.Operations) != 1 {
			t.Fatalf("run %d: expected 1 operation, got %d", run, len(plan.Operations))
		}
		op := plan.Operations[0]
		if op.Op != OpUpdate || op.Target != conflict.SideSource {
			t.Fatalf("run %d: expected update toward source, got %s toward %s", run, op.Op, op.Target)
		}
		if op.Event.Title != "Standup (room 9)" {
			t.Errorf("run %d: payload title = %q", run, op.Event.Title)
		}
		if len(plan.Resolutions) != 1 {
			t.Fatalf("run %d: expected 1 resolution, got %d", run, len(plan.Resolutions))
		}
		res := plan.Resolutions[0]
		if res.Winner != conflict.SideDest {
			t.Errorf("run %d: winner = %s, want dest", run, res.Winner)
		}
		if res.Key != "standup" {
			t.Errorf("run %d: resolution key = %q", run, res.Key)
		}
		if res.Reason != "remote modified later" {
			t.Errorf("run %d: resolution reason = %q", run, res.Reason)
		}
	}
}

func TestComputeConflictTieBreak(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 10, 0, 0, 0, time.UTC)
	base := timedEvent("standup", "Standup", start, time.Date(2025, 9, 10, 5, 0, 0, 0, time.UTC))
	rec := correlated(base, withBackendID(base, "evt-1"))

	srcEdit := timedEvent("standup", "Standup (room 4)", start, mod)
	dstEdit := withBackendID(timedEvent("standup", "Standup (room 9)", start, mod), "evt-1")

	tests := []struct {
		name       string
		policy     conflict.Policy
		wantTarget conflict.Side
		wantTitle  string
	}{
		{"default source", conflict.LatestWins{}, conflict.SideDest, "Standup (room 4)"},
		{"configured dest", conflict.LatestWins{TieBreak: conflict.SideDest}, conflict.SideSource, "Standup (room 9)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Compute(
				[]event.NormalizedEvent{srcEdit},
				[]event.NormalizedEvent{dstEdit},
				[]*registry.Correlation{rec},
				DirectionBidirectional,
				tt.policy,
			)
			if len(plan.Operations) != 1 {
				t.Fatalf("expected 1 operation, got %d", len(plan.Operations))
			}
			op := plan.Operations[0]
			if op.Target != tt.wantTarget {
				t.Errorf("target = %s, want %s", op.Target, tt.wantTarget)
			}
			if op.Event.Title != tt.wantTitle {
				t.Errorf("payload title = %q, want %q", op.Event.Title, tt.wantTitle)
			}
			if plan.Resolutions[0].Reason != "equal timestamps" {
				t.Errorf("resolution reason = %q", plan.Resolutions[0].Reason)
			}
		})
	}
}

func TestComputeDeletionBeforeInsert(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	gone := timedEvent("cancelled-mtg", "Cancelled", start, mod)
	dstGone := withBackendID(gone, "evt-1")
	rec := correlated(gone, dstGone)

	newcomer := timedEvent("all-hands", "All Hands", start.Add(2*time.Hour), mod)

	// The source snapshot no longer carries the correlated event at all.
	plan := Compute(
		[]event.NormalizedEvent{newcomer},
		[]event.NormalizedEvent{dstGone},
		[]*registry.Correlation{rec},
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(plan.Operations))
	}
	if plan.Operations[0].Op != OpDelete {
		t.Fatalf("first operation = %s, deletes must precede inserts", plan.Operations[0].Op)
	}
	del := plan.Operations[0]
	if del.Target != conflict.SideDest || del.Event.UID != "cancelled-mtg" {
		t.Errorf("delete targets %s/%s", del.Target, del.Event.UID)
	}
	if !del.Event.Deleted {
		t.Errorf("delete payload should be marked deleted")
	}
	if del.Record != rec {
		t.Errorf("delete should carry the record to remove")
	}
	if del.Result != nil {
		t.Errorf("delete should leave no correlation behind")
	}
	if plan.Operations[1].Op != OpInsert || plan.Operations[1].Event.UID != "all-hands" {
		t.Errorf("second operation = %s %s", plan.Operations[1].Op, plan.Operations[1].Event.UID)
	}
}

func TestComputeTombstonePropagates(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	ev := timedEvent("cancelled-mtg", "Cancelled", start, mod)
	dstEv := withBackendID(ev, "evt-1")
	rec := correlated(ev, dstEv)

	tomb := ev
	tomb.Deleted = true

	plan := Compute(
		[]event.NormalizedEvent{tomb},
		[]event.NormalizedEvent{dstEv},
		[]*registry.Correlation{rec},
		DirectionBidirectional,
		conflict.LatestWins{},
	)

	deletes := opsOfKind(plan, OpDelete)
	if len(deletes) != 1 || deletes[0].Target != conflict.SideDest {
		t.Fatalf("expected one delete toward dest, got %+v", plan.Operations)
	}
}

func TestComputeRemovesRecordWhenGoneEverywhere(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	ev := timedEvent("stale", "Stale", start, mod)
	rec := correlated(ev, withBackendID(ev, "evt-1"))

	plan := Compute(nil, nil, []*registry.Correlation{rec}, DirectionBidirectional, conflict.LatestWins{})

	if len(plan.Operations) != 0 {
		t.Fatalf("no writes expected, got %d", len(plan.Operations))
	}
	if len(plan.RemoveRecords) != 1 || plan.RemoveRecords[0] != rec {
		t.Fatalf("expected the stale record queued for removal")
	}
}

func TestComputeMasterDeleteCascades(t *testing.T) {
	start := time.Date(2025, 8, 4, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)
	master := recurring(timedEvent("standup", "Standup", start, mod), "FREQ=WEEKLY;BYDAY=MO")
	ov1 := asOverride(timedEvent("standup", "Standup (moved)", start.AddDate(0, 0, 7).Add(time.Hour), mod), "20250811T090000Z")
	ov2 := asOverride(timedEvent("standup", "Standup (room 2)", start.AddDate(0, 0, 14), mod), "20250818T090000Z")

	dstMaster := withBackendID(master, "evt-m")
	dstOv1 := withBackendID(ov1, "evt-o1")
	dstOv2 := withBackendID(ov2, "evt-o2")

	records := []*registry.Correlation{
		correlated(master, dstMaster),
		correlated(ov1, dstOv1),
		correlated(ov2, dstOv2),
	}

	// The whole series vanished from the source.
	plan := Compute(
		nil,
		[]event.NormalizedEvent{dstMaster, dstOv1, dstOv2},
		records,
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 1 {
		t.Fatalf("expected a single series delete, got %d operations", len(plan.Operations))
	}
	op := plan.Operations[0]
	if op.Op != OpDelete || op.Event.RecurrenceID != "" || op.Event.UID != "standup" {
		t.Fatalf("expected master delete, got %s %s", op.Op, op.Event.Key())
	}
}

func TestComputeInstanceDeleteExcludesOccurrence(t *testing.T) {
	seriesStart := time.Date(2025, 8, 4, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)
	master := recurring(timedEvent("standup", "Standup", seriesStart, mod), "FREQ=WEEKLY;BYDAY=MO")
	dstMaster := withBackendID(master, "evt-m")

	// The 2025-09-01 instance was overridden, then deleted at the source.
	rid := "20250901T090000Z"
	override := asOverride(timedEvent("standup", "Standup (guest)", time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC), mod), rid)
	dstOverride := withBackendID(override, "evt-o")

	records := []*registry.Correlation{
		correlated(master, dstMaster),
		correlated(override, dstOverride),
	}

	plan := Compute(
		[]event.NormalizedEvent{master},
		[]event.NormalizedEvent{dstMaster, dstOverride},
		records,
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 2 {
		t.Fatalf("expected delete plus master update, got %d operations", len(plan.Operations))
	}

	del := plan.Operations[0]
	if del.Op != OpDelete || del.Event.RecurrenceID != rid {
		t.Fatalf("first operation should delete the override, got %s %s", del.Op, del.Event.Key())
	}

	upd := plan.Operations[1]
	if upd.Op != OpUpdate || upd.Target != conflict.SideDest || upd.Event.RecurrenceID != "" {
		t.Fatalf("second operation should update the dest master, got %s %s toward %s", upd.Op, upd.Event.Key(), upd.Target)
	}
	if len(upd.Event.ExceptionDates) != 1 || upd.Event.ExceptionDates[0] != rid {
		t.Errorf("master exception dates = %v, want [%s]", upd.Event.ExceptionDates, rid)
	}
	if upd.Event.ContentHash == master.ContentHash {
		t.Errorf("amended master must carry a new content hash")
	}
	if upd.Result.LastDestHash != upd.Event.ContentHash {
		t.Errorf("result dest hash should match the amended master")
	}
	if upd.Result.LastSourceHash != master.ContentHash {
		t.Errorf("result source hash should keep the source master's hash")
	}
	if upd.Result.DestEventID != "evt-m" {
		t.Errorf("result dest id = %q, want evt-m", upd.Result.DestEventID)
	}
}

func TestComputeInstanceDeleteFoldsIntoMasterUpdate(t *testing.T) {
	seriesStart := time.Date(2025, 8, 4, 9, 0, 0, 0, time.UTC)
	master := recurring(timedEvent("standup", "Standup", seriesStart, time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)), "FREQ=WEEKLY;BYDAY=MO")
	dstMaster := withBackendID(master, "evt-m")

	rid := "20250901T090000Z"
	override := asOverride(timedEvent("standup", "Standup (guest)", time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC), time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC)), rid)
	dstOverride := withBackendID(override, "evt-o")

	records := []*registry.Correlation{
		correlated(master, dstMaster),
		correlated(override, dstOverride),
	}

	// The master was renamed and the override deleted in the same window.
	renamed := recurring(timedEvent("standup", "Daily sync", seriesStart, time.Date(2025, 8, 20, 8, 0, 0, 0, time.UTC)), "FREQ=WEEKLY;BYDAY=MO")

	plan := Compute(
		[]event.NormalizedEvent{renamed},
		[]event.NormalizedEvent{dstMaster, dstOverride},
		records,
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	updates := opsOfKind(plan, OpUpdate)
	if len(updates) != 1 {
		t.Fatalf("the exclusion must fold into the pending master update, got %d updates", len(updates))
	}
	upd := updates[0]
	if upd.Event.Title != "Daily sync" {
		t.Errorf("folded update lost the rename: title = %q", upd.Event.Title)
	}
	if len(upd.Event.ExceptionDates) != 1 || upd.Event.ExceptionDates[0] != rid {
		t.Errorf("folded update exception dates = %v, want [%s]", upd.Event.ExceptionDates, rid)
	}
	if upd.Result.LastDestHash != upd.Event.ContentHash {
		t.Errorf("result dest hash should match the folded payload")
	}
	if upd.Result.LastSourceHash != renamed.ContentHash {
		t.Errorf("result source hash should match the source master as-is")
	}

	deletes := opsOfKind(plan, OpDelete)
	if len(deletes) != 1 || deletes[0].Event.RecurrenceID != rid {
		t.Fatalf("expected the override delete alongside, got %+v", deletes)
	}
}

func TestComputeAdoptsIdenticalPairs(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	srcEv := timedEvent("shared-invite", "Quarterly Review", start, mod)
	dstEv := withBackendID(srcEv, "evt-7")

	plan := Compute(
		[]event.NormalizedEvent{srcEv},
		[]event.NormalizedEvent{dstEv},
		nil,
		DirectionBidirectional,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 0 {
		t.Fatalf("identical pair needs no writes, got %d operations", len(plan.Operations))
	}
	if len(plan.Adoptions) != 1 {
		t.Fatalf("expected 1 adoption, got %d", len(plan.Adoptions))
	}
	ad := plan.Adoptions[0]
	if ad.SourceUID != "shared-invite" || ad.DestEventID != "evt-7" {
		t.Errorf("adoption = %+v", ad)
	}
	if ad.LastSourceHash != srcEv.ContentHash || ad.LastDestHash != dstEv.ContentHash {
		t.Errorf("adoption hashes do not match the snapshots")
	}
}

func TestComputeLinksDivergentPairs(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	srcEv := timedEvent("shared-invite", "Quarterly Review (agenda attached)", start, time.Date(2025, 9, 12, 9, 0, 0, 0, time.UTC))
	dstEv := withBackendID(timedEvent("shared-invite", "Quarterly Review", start, time.Date(2025, 9, 10, 9, 0, 0, 0, time.UTC)), "evt-7")

	plan := Compute(
		[]event.NormalizedEvent{srcEv},
		[]event.NormalizedEvent{dstEv},
		nil,
		DirectionBidirectional,
		conflict.LatestWins{},
	)

	// Same UID on both sides: linking, never a duplicate insert.
	if inserts := opsOfKind(plan, OpInsert); len(inserts) != 0 {
		t.Fatalf("divergent pair must not insert duplicates, got %d inserts", len(inserts))
	}
	updates := opsOfKind(plan, OpUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	op := updates[0]
	if op.Target != conflict.SideDest || op.Event.Title != "Quarterly Review (agenda attached)" {
		t.Errorf("newer source copy should overwrite dest, got %q toward %s", op.Event.Title, op.Target)
	}
	if op.Record == nil || op.Record.DestEventID != "evt-7" {
		t.Errorf("link must address the existing dest copy")
	}
	if len(plan.Resolutions) != 1 || plan.Resolutions[0].Winner != conflict.SideSource {
		t.Errorf("resolutions = %+v", plan.Resolutions)
	}
}

func TestComputeIgnoresUncorrelatedTombstones(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)
	tomb := timedEvent("never-synced", "Scratch", start, mod)
	tomb.Deleted = true
	live := withBackendID(timedEvent("never-synced", "Scratch", start, mod), "evt-3")

	plan := Compute(
		[]event.NormalizedEvent{tomb},
		[]event.NormalizedEvent{live},
		nil,
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	if !plan.Empty() {
		t.Fatalf("uncorrelated tombstones carry no obligation, got %d operations", len(plan.Operations))
	}
}

func TestComputeRecreatesMissingDestCopy(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	oldSrc := timedEvent("standup", "Standup", start, time.Date(2025, 9, 10, 5, 0, 0, 0, time.UTC))
	rec := correlated(oldSrc, withBackendID(oldSrc, "evt-1"))

	newSrc := timedEvent("standup", "Standup (room 4)", start, time.Date(2025, 9, 10, 10, 0, 0, 0, time.UTC))

	// Dest copy gone, source authoritative: re-create, do not resurrect ids.
	plan := Compute(
		[]event.NormalizedEvent{newSrc},
		nil,
		[]*registry.Correlation{rec},
		DirectionCalDAVToRemote,
		conflict.LatestWins{},
	)

	if len(plan.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(plan.Operations))
	}
	op := plan.Operations[0]
	if op.Op != OpInsert || op.Target != conflict.SideDest {
		t.Fatalf("expected insert toward dest, got %s toward %s", op.Op, op.Target)
	}
	if op.Result.DestEventID != "" {
		t.Errorf("stale dest id %q must not be reused", op.Result.DestEventID)
	}
}

// applyPlan simulates a clean apply of every planned write so convergence
// can be checked without a backend.
func applyPlan(t *testing.T, src, dst []event.NormalizedEvent, records []*registry.Correlation, plan *Plan) ([]event.NormalizedEvent, []event.NormalizedEvent, []*registry.Correlation) {
	t.Helper()

	srcMap := make(map[event.Key]event.NormalizedEvent)
	for _, ev := range src {
		srcMap[ev.Key()] = ev
	}
	dstMap := make(map[event.Key]event.NormalizedEvent)
	for _, ev := range dst {
		dstMap[ev.Key()] = ev
	}
	recMap := make(map[event.Key]*registry.Correlation)
	for _, rec := range records {
		recMap[event.Key{UID: rec.SourceUID, RecurrenceID: rec.RecurrenceID}] = rec
	}

	pick := func(target conflict.Side) map[event.Key]event.NormalizedEvent {
		if target == conflict.SideSource {
			return srcMap
		}
		return dstMap
	}

	nextID := 100
	for _, op := range plan.Operations {
		side := pick(op.Target)
		key := op.Event.Key()
		switch op.Op {
		case OpDelete:
			if key.RecurrenceID == "" {
				for k := range side {
					if k.UID == key.UID {
						delete(side, k)
					}
				}
				for k := range recMap {
					if k.UID == key.UID {
						delete(recMap, k)
					}
				}
			} else {
				delete(side, key)
				delete(recMap, key)
			}
		case OpUpdate:
			ev := op.Event
			if old, ok := side[key]; ok && old.BackendID != "" {
				ev.BackendID = old.BackendID
			}
			side[key] = ev
			result := *op.Result
			result.MappingID = "m1"
			recMap[key] = &result
		case OpInsert:
			ev := op.Event
			result := *op.Result
			if op.Target == conflict.SideDest {
				ev.BackendID = fmt.Sprintf("evt-%d", nextID)
				result.DestEventID = ev.BackendID
				nextID++
			} else {
				ev.BackendID = key.String()
			}
			side[key] = ev
			result.MappingID = "m1"
			recMap[key] = &result
		}
	}
	for _, ad := range plan.Adoptions {
		adopted := *ad
		adopted.MappingID = "m1"
		recMap[event.Key{UID: ad.SourceUID, RecurrenceID: ad.RecurrenceID}] = &adopted
	}
	for _, rec := range plan.RemoveRecords {
		delete(recMap, event.Key{UID: rec.SourceUID, RecurrenceID: rec.RecurrenceID})
	}

	var outSrc, outDst []event.NormalizedEvent
	for _, ev := range srcMap {
		outSrc = append(outSrc, ev)
	}
	for _, ev := range dstMap {
		outDst = append(outDst, ev)
	}
	var outRecs []*registry.Correlation
	for _, rec := range recMap {
		outRecs = append(outRecs, rec)
	}
	return outSrc, outDst, outRecs
}

func TestComputeConvergesAfterApply(t *testing.T) {
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	mod := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)

	steady := timedEvent("alpha", "Alpha", start, mod)
	dstSteady := withBackendID(steady, "evt-a")

	newSrc := timedEvent("bravo", "Bravo", start.Add(time.Hour), mod)
	newDst := withBackendID(timedEvent("charlie", "Charlie", start.Add(2*time.Hour), mod), "evt-c")

	conflictedBase := timedEvent("delta", "Delta", start.Add(3*time.Hour), mod)
	dstConflictedBase := withBackendID(conflictedBase, "evt-d")
	srcConflicted := timedEvent("delta", "Delta (srced)", start.Add(3*time.Hour), mod.Add(2*time.Hour))
	dstConflicted := withBackendID(timedEvent("delta", "Delta (dested)", start.Add(3*time.Hour), mod.Add(time.Hour)), "evt-d")

	goneBase := timedEvent("echo", "Echo", start.Add(4*time.Hour), mod)
	dstGone := withBackendID(goneBase, "evt-e")

	twin := timedEvent("foxtrot", "Foxtrot", start.Add(5*time.Hour), mod)
	dstTwin := withBackendID(twin, "evt-f")

	src := []event.NormalizedEvent{steady, newSrc, srcConflicted, twin}
	dst := []event.NormalizedEvent{dstSteady, newDst, dstConflicted, dstGone, dstTwin}
	records := []*registry.Correlation{
		correlated(steady, dstSteady),
		correlated(conflictedBase, dstConflictedBase),
		correlated(goneBase, dstGone),
	}

	plan := Compute(src, dst, records, DirectionBidirectional, conflict.LatestWins{})

	inserts, updates, deletes := plan.Counts()
	if inserts != 2 || updates != 1 || deletes != 1 {
		t.Fatalf("got %d/%d/%d inserts/updates/deletes, want 2/1/1", inserts, updates, deletes)
	}
	if len(plan.Adoptions) != 1 {
		t.Fatalf("expected 1 adoption, got %d", len(plan.Adoptions))
	}

	src2, dst2, records2 := applyPlan(t, src, dst, records, plan)

	again := Compute(src2, dst2, records2, DirectionBidirectional, conflict.LatestWins{})
	if !again.Empty() {
		t.Fatalf("second pass should be a no-op, got %d operations, %d adoptions, %d removals",
			len(again.Operations), len(again.Adoptions), len(again.RemoveRecords))
	}
}

func TestParseDirection(t *testing.T) {
	for _, valid := range []string{"caldav-to-remote", "remote-to-caldav", "bidirectional"} {
		d, err := ParseDirection(valid)
		if err != nil {
			t.Errorf("ParseDirection(%q): %v", valid, err)
		}
		if string(d) != valid {
			t.Errorf("ParseDirection(%q) = %q", valid, d)
		}
	}
	if _, err := ParseDirection("two-way"); err == nil {
		t.Errorf("expected error for unknown direction")
	}
}

func TestDirectionFlowsFrom(t *testing.T) {
	tests := []struct {
		direction Direction
		side      conflict.Side
		want      bool
	}{
		{DirectionCalDAVToRemote, conflict.SideSource, true},
		{DirectionCalDAVToRemote, conflict.SideDest, false},
		{DirectionRemoteToCalDAV, conflict.SideSource, false},
		{DirectionRemoteToCalDAV, conflict.SideDest, true},
		{DirectionBidirectional, conflict.SideSource, true},
		{DirectionBidirectional, conflict.SideDest, true},
	}
	for _, tt := range tests {
		if got := tt.direction.FlowsFrom(tt.side); got != tt.want {
			t.Errorf("%s.FlowsFrom(%s) = %v, want %v", tt.direction, tt.side, got, tt.want)
		}
	}
}
