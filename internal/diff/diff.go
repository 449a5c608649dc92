// Package diff computes the ordered set of writes that reconciles two
// calendar snapshots against the correlation registry.
//
// Compute is a pure function: it performs no I/O and consults no clocks, so
// identical inputs always produce the identical plan. The plan is ordered
// deletes first, then updates, then inserts, so a deleted event's slot is
// never reused before the deletion lands. Within inserts, series masters
// precede their overrides so an override can be linked to its master at
// apply time.
package diff

import (
	"fmt"
	"sort"

	"github.com/syncwell/calbridge/internal/conflict"
	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/recurrence"
	"github.com/syncwell/calbridge/internal/registry"
)

// Direction states which way changes flow for a mapping. The CalDAV side is
// always the source, the remote API side the destination.
type Direction string

const (
	DirectionCalDAVToRemote Direction = "caldav-to-remote"
	DirectionRemoteToCalDAV Direction = "remote-to-caldav"
	DirectionBidirectional  Direction = "bidirectional"
)

// ParseDirection validates a configured direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionCalDAVToRemote, DirectionRemoteToCalDAV, DirectionBidirectional:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unknown direction %q (available: caldav-to-remote, remote-to-caldav, bidirectional)", s)
	}
}

// FlowsFrom reports whether changes may flow from the given side.
func (d Direction) FlowsFrom(side conflict.Side) bool {
	switch side {
	case conflict.SideSource:
		return d == DirectionCalDAVToRemote || d == DirectionBidirectional
	case conflict.SideDest:
		return d == DirectionRemoteToCalDAV || d == DirectionBidirectional
	}
	return false
}

// Op is the kind of write an Operation performs.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Operation is one write the engine must apply.
type Operation struct {
	// Target is the side written to.
	Target conflict.Side
	// Op is the write kind.
	Op Op
	// Event is the payload to write. For deletes it carries the identity
	// and last known content of the doomed copy.
	Event event.NormalizedEvent
	// Record is the existing correlation, nil when the event was never
	// synced. For deletes the engine removes it after a successful apply.
	Record *registry.Correlation
	// Result is the correlation row to upsert after a successful apply,
	// already carrying both sides' post-apply hashes. Nil for deletes.
	// DestEventID is left empty for inserts toward the destination; the
	// engine fills it from the create call.
	Result *registry.Correlation
	// Reason is a short audit note for logs and run results.
	Reason string
}

// Resolution is one conflict decision, kept for the run audit trail.
type Resolution struct {
	Key    string        `json:"key"`
	Winner conflict.Side `json:"winner"`
	Reason string        `json:"reason"`
}

// Plan is the ordered work list for one run.
type Plan struct {
	Operations []Operation
	// Resolutions records every conflict the policy decided.
	Resolutions []Resolution
	// Adoptions are correlations for identical pairs found on both sides
	// with no record yet; they need a registry row but no backend write.
	Adoptions []*registry.Correlation
	// RemoveRecords are correlations whose event is gone from both sides;
	// the rows are reconciled away without backend writes.
	RemoveRecords []*registry.Correlation
}

// Empty reports whether the plan requires no work at all.
func (p *Plan) Empty() bool {
	return len(p.Operations) == 0 && len(p.Adoptions) == 0 && len(p.RemoveRecords) == 0
}

// Counts returns the number of planned writes by kind.
func (p *Plan) Counts() (inserts, updates, deletes int) {
	for _, op := range p.Operations {
		switch op.Op {
		case OpInsert:
			inserts++
		case OpUpdate:
			updates++
		case OpDelete:
			deletes++
		}
	}
	return inserts, updates, deletes
}

// Compute reconciles the two current snapshots against the registry.
//
// For every correlation it classifies each side as changed (present with a
// different hash, or gone) or unchanged, then emits no-ops, one-way flows,
// deletion propagation, or conflict resolutions accordingly. Events with no
// correlation become inserts toward the other side, subject to direction.
// Destination-side drift is ignored in one-way mode.
func Compute(source, dest []event.NormalizedEvent, records []*registry.Correlation, direction Direction, policy conflict.Policy) *Plan {
	b := &builder{
		src:           indexEvents(source),
		dst:           indexEvents(dest),
		records:       indexRecords(records),
		direction:     direction,
		policy:        policy,
		masterUpdates: make(map[masterRef]*Operation),
		deletedSeries: make(map[masterRef]bool),
	}

	// Correlated events first, masters before their overrides.
	for _, rec := range sortedRecords(records) {
		b.reconcile(rec)
	}

	// Then events neither side has synced yet.
	b.reconcileUncorrelated()

	return b.plan()
}

type sideIndex map[event.Key]*event.NormalizedEvent

func indexEvents(events []event.NormalizedEvent) sideIndex {
	idx := make(sideIndex, len(events))
	for i := range events {
		idx[events[i].Key()] = &events[i]
	}
	return idx
}

func indexRecords(records []*registry.Correlation) map[event.Key]*registry.Correlation {
	idx := make(map[event.Key]*registry.Correlation, len(records))
	for _, rec := range records {
		idx[event.Key{UID: rec.SourceUID, RecurrenceID: rec.RecurrenceID}] = rec
	}
	return idx
}

func sortedRecords(records []*registry.Correlation) []*registry.Correlation {
	out := make([]*registry.Correlation, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceUID != out[j].SourceUID {
			return out[i].SourceUID < out[j].SourceUID
		}
		return out[i].RecurrenceID < out[j].RecurrenceID
	})
	return out
}

// masterRef identifies one side's copy of a series master.
type masterRef struct {
	uid    string
	target conflict.Side
}

type builder struct {
	src, dst  sideIndex
	records   map[event.Key]*registry.Correlation
	direction Direction
	policy    conflict.Policy

	deletes []*Operation
	updates []*Operation
	inserts []*Operation

	resolutions []Resolution
	adoptions   []*registry.Correlation
	removals    []*registry.Correlation

	// masterUpdates tracks pending master updates so instance exclusions
	// fold into them instead of emitting a second write to the same event.
	masterUpdates map[masterRef]*Operation
	// deletedSeries marks masters being deleted; their override deletes
	// ride the backend's cascade.
	deletedSeries map[masterRef]bool
}

func (b *builder) side(s conflict.Side) sideIndex {
	if s == conflict.SideSource {
		return b.src
	}
	return b.dst
}

// reconcile handles one correlated event instance.
func (b *builder) reconcile(rec *registry.Correlation) {
	key := event.Key{UID: rec.SourceUID, RecurrenceID: rec.RecurrenceID}
	srcEv := b.src[key]
	dstEv := b.dst[key]

	srcPresent := srcEv != nil && !srcEv.Deleted
	dstPresent := dstEv != nil && !dstEv.Deleted

	// A side changed when its copy carries a new hash or is gone.
	srcChanged := !srcPresent || srcEv.ContentHash != rec.LastSourceHash
	dstChanged := !dstPresent || dstEv.ContentHash != rec.LastDestHash

	switch {
	case !srcChanged && !dstChanged:
		// In sync, nothing to do.

	case !srcPresent && !dstPresent:
		// Gone from both sides: reconcile the record away.
		b.removals = append(b.removals, rec)

	case srcChanged && dstChanged && b.direction == DirectionBidirectional:
		b.resolveConflict(rec, key, srcEv, dstEv, srcPresent, dstPresent)

	case srcChanged && b.direction.FlowsFrom(conflict.SideSource):
		reason := "changed on source"
		if !srcPresent {
			reason = "deleted on source"
		}
		b.flow(conflict.SideDest, rec, key, srcEv, srcPresent, dstEv, dstPresent, reason)

	case dstChanged && b.direction.FlowsFrom(conflict.SideDest):
		reason := "changed on remote"
		if !dstPresent {
			reason = "deleted on remote"
		}
		b.flow(conflict.SideSource, rec, key, dstEv, dstPresent, srcEv, srcPresent, reason)

	default:
		// Drift on a side the direction ignores.
	}
}

// resolveConflict asks the policy which side wins and flows that side's
// state to the other.
func (b *builder) resolveConflict(rec *registry.Correlation, key event.Key, srcEv, dstEv *event.NormalizedEvent, srcPresent, dstPresent bool) {
	srcVersion := versionOr(srcEv, key)
	dstVersion := versionOr(dstEv, key)

	winner := b.policy.Resolve(srcVersion, dstVersion, rec)
	b.resolutions = append(b.resolutions, Resolution{
		Key:    key.String(),
		Winner: winner,
		Reason: resolutionReason(srcVersion, dstVersion),
	})

	if winner == conflict.SideSource {
		b.flow(conflict.SideDest, rec, key, srcEv, srcPresent, dstEv, dstPresent, "conflict: source wins")
	} else {
		b.flow(conflict.SideSource, rec, key, dstEv, dstPresent, srcEv, srcPresent, "conflict: remote wins")
	}
}

// flow emits the write that carries the flowing side's state toward target.
// fromEv is the flowing copy (nil or tombstone when deleted there), toEv the
// copy currently on the target side.
func (b *builder) flow(target conflict.Side, rec *registry.Correlation, key event.Key, fromEv *event.NormalizedEvent, fromPresent bool, toEv *event.NormalizedEvent, toPresent bool, reason string) {
	if !fromPresent {
		b.propagateDelete(target, rec, key, fromEv, toEv, reason)
		return
	}

	result := newResult(rec, key, fromEv.ContentHash, fromEv.ContentHash)
	if toPresent {
		b.update(target, *fromEv, rec, result, reason)
		return
	}
	// The target copy is gone; re-create it.
	b.insert(target, *fromEv, rec, result, reason)
}

// propagateDelete removes the target copy of an event deleted on the other
// side. Master deletes cascade their series; override deletes additionally
// exclude the instance from the target master so it cannot reappear.
func (b *builder) propagateDelete(target conflict.Side, rec *registry.Correlation, key event.Key, fromEv, toEv *event.NormalizedEvent, reason string) {
	ref := masterRef{uid: key.UID, target: target}
	if key.RecurrenceID == "" {
		b.deletedSeries[ref] = true
	} else if b.deletedSeries[ref] {
		// The whole series is going; the child rides the cascade.
		return
	}

	doomed := tombstoneFor(key, toEv, fromEv)
	b.deletes = append(b.deletes, &Operation{
		Target: target,
		Op:     OpDelete,
		Event:  doomed,
		Record: rec,
		Reason: reason,
	})

	if key.RecurrenceID != "" {
		b.excludeInstance(target, key)
	}
}

// excludeInstance adds the deleted instance to the target master's
// exception dates, folding into a pending master update when one exists.
func (b *builder) excludeInstance(target conflict.Side, key event.Key) {
	masterKey := event.Key{UID: key.UID}

	ref := masterRef{uid: key.UID, target: target}
	if op, ok := b.masterUpdates[ref]; ok {
		amendExclusion(op, target, key.RecurrenceID)
		return
	}

	master := b.side(target)[masterKey]
	if master == nil || master.Deleted || master.RecurrenceRule == "" {
		return
	}

	// Only exclude instances the master still generates.
	instant, err := event.ParseRecurrenceID(key.RecurrenceID)
	if err != nil {
		return
	}
	occurs, err := recurrence.Occurs(master.Start.Time, master.RecurrenceRule, master.ExceptionDates, instant.Time)
	if err == nil && !occurs {
		return
	}

	updated := *master
	updated.ExceptionDates = recurrence.WithExDate(updated.ExceptionDates, key.RecurrenceID)
	updated.ContentHash = updated.ComputeHash()

	masterRec := b.records[masterKey]
	result := newResult(masterRec, masterKey, "", "")
	other := b.side(target.Opposite())[masterKey]
	if target == conflict.SideDest {
		result.LastDestHash = updated.ContentHash
		result.LastSourceHash = hashOr(other, masterRec, conflict.SideSource)
	} else {
		result.LastSourceHash = updated.ContentHash
		result.LastDestHash = hashOr(other, masterRec, conflict.SideDest)
	}

	b.update(target, updated, masterRec, result, "instance removed from series")
}

// amendExclusion folds an instance exclusion into an already-planned master
// update and keeps its post-apply hash honest.
func amendExclusion(op *Operation, target conflict.Side, rid string) {
	op.Event.ExceptionDates = recurrence.WithExDate(op.Event.ExceptionDates, rid)
	op.Event.ContentHash = op.Event.ComputeHash()
	if op.Result == nil {
		return
	}
	if target == conflict.SideDest {
		op.Result.LastDestHash = op.Event.ContentHash
	} else {
		op.Result.LastSourceHash = op.Event.ContentHash
	}
}

// reconcileUncorrelated handles events neither side has synced yet.
func (b *builder) reconcileUncorrelated() {
	srcKeys := b.uncorrelatedKeys(b.src)
	dstKeys := b.uncorrelatedKeys(b.dst)

	// Pairs that exist on both sides get linked, never duplicated:
	// inserting a copy would collide on UID at the backend.
	paired := make(map[event.Key]bool)
	for _, key := range srcKeys {
		if b.dst[key] != nil {
			paired[key] = true
			b.linkPair(key)
		}
	}

	for _, key := range srcKeys {
		if paired[key] {
			continue
		}
		ev := b.src[key]
		if ev.Deleted || !b.direction.FlowsFrom(conflict.SideSource) {
			continue
		}
		result := newResult(nil, key, ev.ContentHash, ev.ContentHash)
		b.insert(conflict.SideDest, *ev, nil, result, "new on source")
	}

	for _, key := range dstKeys {
		if paired[key] {
			continue
		}
		ev := b.dst[key]
		if ev.Deleted || !b.direction.FlowsFrom(conflict.SideDest) {
			continue
		}
		result := newResult(nil, key, ev.ContentHash, ev.ContentHash)
		b.insert(conflict.SideSource, *ev, nil, result, "new on remote")
	}
}

// linkPair correlates a pair that exists on both sides without a record,
// such as an invitation accepted in both systems independently.
func (b *builder) linkPair(key event.Key) {
	srcEv := b.src[key]
	dstEv := b.dst[key]

	// Tombstones with no record carry no obligation.
	if srcEv.Deleted || dstEv.Deleted {
		return
	}

	if srcEv.ContentHash == dstEv.ContentHash {
		adoption := &registry.Correlation{
			SourceUID:      key.UID,
			RecurrenceID:   key.RecurrenceID,
			DestEventID:    dstEv.BackendID,
			LastSourceHash: srcEv.ContentHash,
			LastDestHash:   dstEv.ContentHash,
		}
		b.adoptions = append(b.adoptions, adoption)
		return
	}

	// Divergent content is decided exactly like a tracked conflict.
	switch b.direction {
	case DirectionBidirectional:
		winner := b.policy.Resolve(srcEv, dstEv, nil)
		b.resolutions = append(b.resolutions, Resolution{
			Key:    key.String(),
			Winner: winner,
			Reason: resolutionReason(srcEv, dstEv),
		})
		if winner == conflict.SideSource {
			b.linkUpdate(conflict.SideDest, key, srcEv, dstEv)
		} else {
			b.linkUpdate(conflict.SideSource, key, dstEv, srcEv)
		}
	case DirectionCalDAVToRemote:
		b.linkUpdate(conflict.SideDest, key, srcEv, dstEv)
	case DirectionRemoteToCalDAV:
		b.linkUpdate(conflict.SideSource, key, dstEv, srcEv)
	}
}

// linkUpdate overwrites the losing copy of a divergent uncorrelated pair
// and records the new correlation.
func (b *builder) linkUpdate(target conflict.Side, key event.Key, winner, loser *event.NormalizedEvent) {
	rec := &registry.Correlation{
		SourceUID:    key.UID,
		RecurrenceID: key.RecurrenceID,
	}
	// The remote id comes from whichever copy lives on the remote side.
	if target == conflict.SideDest {
		rec.DestEventID = loser.BackendID
	} else {
		rec.DestEventID = winner.BackendID
	}

	result := newResult(rec, key, winner.ContentHash, winner.ContentHash)
	b.update(target, *winner, rec, result, "link divergent pair")
}

func (b *builder) uncorrelatedKeys(idx sideIndex) []event.Key {
	var keys []event.Key
	for key := range idx {
		if _, ok := b.records[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UID != keys[j].UID {
			return keys[i].UID < keys[j].UID
		}
		return keys[i].RecurrenceID < keys[j].RecurrenceID
	})
	return keys
}

func (b *builder) update(target conflict.Side, ev event.NormalizedEvent, rec, result *registry.Correlation, reason string) {
	op := &Operation{Target: target, Op: OpUpdate, Event: ev, Record: rec, Result: result, Reason: reason}
	b.updates = append(b.updates, op)
	if ev.RecurrenceID == "" && ev.RecurrenceRule != "" {
		b.masterUpdates[masterRef{uid: ev.UID, target: target}] = op
	}
}

func (b *builder) insert(target conflict.Side, ev event.NormalizedEvent, rec, result *registry.Correlation, reason string) {
	if target == conflict.SideDest {
		// The destination assigns the id at create time.
		result.DestEventID = ""
	} else if ev.BackendID != "" {
		result.DestEventID = ev.BackendID
	}
	b.inserts = append(b.inserts, &Operation{Target: target, Op: OpInsert, Event: ev, Record: rec, Result: result, Reason: reason})
}

func (b *builder) plan() *Plan {
	// Masters before overrides so apply-time linkage can find the parent.
	sort.SliceStable(b.inserts, func(i, j int) bool {
		if b.inserts[i].Event.UID != b.inserts[j].Event.UID {
			return b.inserts[i].Event.UID < b.inserts[j].Event.UID
		}
		return b.inserts[i].Event.RecurrenceID < b.inserts[j].Event.RecurrenceID
	})

	ops := make([]Operation, 0, len(b.deletes)+len(b.updates)+len(b.inserts))
	for _, op := range b.deletes {
		ops = append(ops, *op)
	}
	for _, op := range b.updates {
		ops = append(ops, *op)
	}
	for _, op := range b.inserts {
		ops = append(ops, *op)
	}

	return &Plan{
		Operations:    ops,
		Resolutions:   b.resolutions,
		Adoptions:     b.adoptions,
		RemoveRecords: b.removals,
	}
}

// newResult builds the correlation row an operation leaves behind on
// success. The engine fills MappingID and LastSyncedAt.
func newResult(rec *registry.Correlation, key event.Key, srcHash, dstHash string) *registry.Correlation {
	result := &registry.Correlation{
		SourceUID:      key.UID,
		RecurrenceID:   key.RecurrenceID,
		LastSourceHash: srcHash,
		LastDestHash:   dstHash,
	}
	if rec != nil {
		result.MappingID = rec.MappingID
		result.DestEventID = rec.DestEventID
	}
	return result
}

// tombstoneFor picks the best payload for a delete operation: the doomed
// copy if the snapshot still carries it, else the flowing tombstone, else a
// bare identity.
func tombstoneFor(key event.Key, candidates ...*event.NormalizedEvent) event.NormalizedEvent {
	for _, c := range candidates {
		if c != nil {
			doomed := *c
			doomed.Deleted = true
			return doomed
		}
	}
	return event.NormalizedEvent{UID: key.UID, RecurrenceID: key.RecurrenceID, Deleted: true}
}

// versionOr substitutes a bare tombstone for a side with no copy at all so
// conflict policies always see two versions.
func versionOr(ev *event.NormalizedEvent, key event.Key) *event.NormalizedEvent {
	if ev != nil {
		return ev
	}
	return &event.NormalizedEvent{UID: key.UID, RecurrenceID: key.RecurrenceID, Deleted: true}
}

func resolutionReason(src, dst *event.NormalizedEvent) string {
	switch {
	case src.LastModified.IsZero() || dst.LastModified.IsZero():
		return "missing timestamp"
	case src.LastModified.After(dst.LastModified):
		return "source modified later"
	case dst.LastModified.After(src.LastModified):
		return "remote modified later"
	default:
		return "equal timestamps"
	}
}

func hashOr(ev *event.NormalizedEvent, rec *registry.Correlation, side conflict.Side) string {
	if ev != nil {
		return ev.ContentHash
	}
	if rec == nil {
		return ""
	}
	if side == conflict.SideSource {
		return rec.LastSourceHash
	}
	return rec.LastDestHash
}
