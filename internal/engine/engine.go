// Package engine runs synchronization passes. One Run fetches both sides of
// a mapping, diffs them against the correlation registry, applies the
// resulting plan one operation at a time, and records the outcome.
//
// A run is failure-tolerant: a write the backend rejects is recorded against
// its event and the rest of the plan still applies. Only a fetch-phase
// failure aborts the run with nothing applied. Correlation rows are written
// strictly after the backend write they describe succeeds, so a crashed or
// failed apply is retried by the next run instead of being forgotten.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncwell/calbridge/internal/backend"
	"github.com/syncwell/calbridge/internal/conflict"
	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/diff"
	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/ratelimit"
	"github.com/syncwell/calbridge/internal/registry"
)

// Run statuses.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
	StatusFailure        = "failure"
)

// Change is one applied write, as reported to the webhook.
type Change struct {
	UID     string `json:"uid"`
	Summary string `json:"summary"`
	Action  string `json:"action"`
}

// RunResult summarizes one sync pass over a mapping.
type RunResult struct {
	MappingID  string         `json:"mapping_id"`
	RunID      string         `json:"run_id"`
	Direction  diff.Direction `json:"direction"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`

	// Status is success when every operation applied cleanly,
	// partial_failure when any event failed or was deferred, failure when
	// a fetch phase failed and nothing was applied.
	Status string `json:"status"`

	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	// Deferred counts operations pushed to the next run after the write
	// budget ran out or shutdown interrupted the plan.
	Deferred int `json:"deferred"`

	Failures    []event.Failure   `json:"failures,omitempty"`
	Resolutions []diff.Resolution `json:"resolutions,omitempty"`
	Changes     []Change          `json:"changes,omitempty"`

	// Error carries the run-level cause when Status is failure.
	Error string `json:"error,omitempty"`
}

// Notifier receives finished runs. Publish must not block; the engine calls
// it inline at the end of every run.
type Notifier interface {
	Publish(webhookURL string, result *RunResult)
}

// Config wires an Engine's collaborators.
type Config struct {
	// Source is the CalDAV-side client, Dest the remote-side client.
	Source backend.Client
	Dest   backend.Client

	Store  registry.Store
	Budget *ratelimit.Budget

	// Notifier is optional; nil disables webhooks.
	Notifier Notifier

	// Logger defaults to stderr with an "[engine] " prefix.
	Logger *log.Logger

	// HistoryKeep bounds run logs kept per mapping, default 20.
	HistoryKeep int
}

// Engine executes runs. Safe for concurrent use across mappings; the
// scheduler guarantees at most one run per mapping at a time.
type Engine struct {
	source      backend.Client
	dest        backend.Client
	store       registry.Store
	budget      *ratelimit.Budget
	notifier    Notifier
	logger      *log.Logger
	historyKeep int

	mu       sync.Mutex
	policies map[string]conflict.Policy

	now func() time.Time
}

// New builds an Engine from its collaborators.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	budget := cfg.Budget
	if budget == nil {
		budget = ratelimit.NewBudget(0)
	}
	keep := cfg.HistoryKeep
	if keep <= 0 {
		keep = config.DefaultHistoryKeep
	}
	return &Engine{
		source:      cfg.Source,
		dest:        cfg.Dest,
		store:       cfg.Store,
		budget:      budget,
		notifier:    cfg.Notifier,
		logger:      logger,
		historyKeep: keep,
		policies:    make(map[string]conflict.Policy),
		now:         time.Now,
	}
}

// Run syncs the mapping over its configured window around now.
func (e *Engine) Run(ctx context.Context, m config.Mapping) *RunResult {
	now := e.now()
	from := now.AddDate(0, 0, -m.SyncWindowDays)
	to := now.AddDate(0, 0, m.SyncWindowDays)
	return e.RunWindow(ctx, m, from, to)
}

// RunWindow syncs the mapping over an explicit window.
func (e *Engine) RunWindow(ctx context.Context, m config.Mapping, from, to time.Time) *RunResult {
	res := &RunResult{
		MappingID: m.ID,
		RunID:     uuid.NewString(),
		Direction: m.Direction,
		StartedAt: e.now(),
	}
	e.logger.Printf("mapping %s: run %s (%s) window %s to %s",
		m.ID, res.RunID, m.Direction, from.Format("2006-01-02"), to.Format("2006-01-02"))

	srcList, err := e.source.ListEvents(ctx, m.SourceCalendar, from, to)
	if err != nil {
		return e.finish(ctx, m, res, fmt.Errorf("failed to fetch source: %w", err))
	}
	dstList, err := e.dest.ListEvents(ctx, m.DestCalendar, from, to)
	if err != nil {
		return e.finish(ctx, m, res, fmt.Errorf("failed to fetch remote: %w", err))
	}

	// Payloads that would not normalize are per-event failures; the run
	// keeps going with the events that did.
	res.Failures = append(res.Failures, srcList.Skipped...)
	res.Failures = append(res.Failures, dstList.Skipped...)

	records, err := e.store.AllForMapping(ctx, m.ID)
	if err != nil {
		return e.finish(ctx, m, res, fmt.Errorf("failed to load correlations: %w", err))
	}

	plan := diff.Compute(srcList.Events, dstList.Events, records, m.Direction, e.policyFor(ctx, m))
	res.Resolutions = plan.Resolutions

	e.apply(ctx, m, plan, res)
	return e.finish(ctx, m, res, nil)
}

// apply walks the plan in order. Backend writes happen one at a time;
// registry bookkeeping follows each successful write.
func (e *Engine) apply(ctx context.Context, m config.Mapping, plan *diff.Plan, res *RunResult) {
	for i, op := range plan.Operations {
		if ctx.Err() != nil {
			res.Deferred += len(plan.Operations) - i
			e.logger.Printf("mapping %s: shutdown, deferring %d operations", m.ID, res.Deferred)
			break
		}
		// Only remote-side writes draw on the daily budget.
		if op.Target == conflict.SideDest {
			if err := e.budget.TryAcquire(1); err != nil {
				res.Deferred += len(plan.Operations) - i
				e.logger.Printf("mapping %s: %v, deferring %d operations", m.ID, err, len(plan.Operations)-i)
				break
			}
		}

		if err := e.applyOne(ctx, m, op); err != nil {
			applyErr := backend.AsApply(err, op.Event.UID, string(op.Op))
			res.Failures = append(res.Failures, event.Failure{
				UID:    applyErr.UID,
				Op:     applyErr.Op,
				Reason: applyErr.Reason,
			})
			e.logger.Printf("mapping %s: %v", m.ID, applyErr)
			continue
		}

		res.Changes = append(res.Changes, Change{
			UID:     op.Event.UID,
			Summary: op.Event.Title,
			Action:  string(op.Op),
		})
		switch op.Op {
		case diff.OpInsert:
			res.Inserted++
		case diff.OpUpdate:
			res.Updated++
		case diff.OpDelete:
			res.Deleted++
		}
	}

	// Registry-only reconciliation: no backend writes, no budget.
	for _, ad := range plan.Adoptions {
		row := *ad
		row.MappingID = m.ID
		row.LastSyncedAt = e.now()
		if err := e.store.Upsert(ctx, &row); err != nil {
			res.Failures = append(res.Failures, event.Failure{UID: ad.SourceUID, Op: "link", Reason: err.Error()})
		}
	}
	for _, rec := range plan.RemoveRecords {
		if err := e.store.Delete(ctx, m.ID, rec.SourceUID, rec.RecurrenceID); err != nil {
			res.Failures = append(res.Failures, event.Failure{UID: rec.SourceUID, Op: "unlink", Reason: err.Error()})
		}
	}
}

// applyOne performs one backend write plus its registry bookkeeping.
func (e *Engine) applyOne(ctx context.Context, m config.Mapping, op diff.Operation) error {
	client := e.clientFor(op.Target)
	cal := calendarRef(m, op.Target)
	ev := op.Event

	switch op.Op {
	case diff.OpInsert:
		id, err := client.CreateEvent(ctx, cal, &ev)
		if err != nil {
			return err
		}
		row := e.resultRow(m, op)
		if op.Target == conflict.SideDest {
			row.DestEventID = id
		}
		if err := e.store.Upsert(ctx, row); err != nil {
			return fmt.Errorf("failed to record correlation: %w", err)
		}
		return nil

	case diff.OpUpdate:
		id, err := targetID(op)
		if err != nil {
			return err
		}
		if err := client.UpdateEvent(ctx, cal, id, &ev); err != nil {
			return err
		}
		if err := e.store.Upsert(ctx, e.resultRow(m, op)); err != nil {
			return fmt.Errorf("failed to record correlation: %w", err)
		}
		return nil

	case diff.OpDelete:
		id, err := targetID(op)
		if err != nil {
			return err
		}
		if err := client.DeleteEvent(ctx, cal, id); err != nil {
			return err
		}
		if op.Event.RecurrenceID == "" {
			// A master delete takes its override rows with it.
			if err := e.store.DeleteSeries(ctx, m.ID, op.Event.UID); err != nil {
				return fmt.Errorf("failed to remove correlations: %w", err)
			}
			return nil
		}
		if err := e.store.Delete(ctx, m.ID, op.Event.UID, op.Event.RecurrenceID); err != nil {
			return fmt.Errorf("failed to remove correlation: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
}

func (e *Engine) clientFor(side conflict.Side) backend.Client {
	if side == conflict.SideSource {
		return e.source
	}
	return e.dest
}

func calendarRef(m config.Mapping, side conflict.Side) string {
	if side == conflict.SideSource {
		return m.SourceCalendar
	}
	return m.DestCalendar
}

// targetID resolves the backend id an update or delete addresses. The
// CalDAV side is uid-addressed; the remote side uses the stored event id.
func targetID(op diff.Operation) (string, error) {
	if op.Target == conflict.SideSource {
		return op.Event.Key().String(), nil
	}
	if op.Record == nil || op.Record.DestEventID == "" {
		return "", &backend.ApplyError{
			UID:    op.Event.UID,
			Op:     string(op.Op),
			Reason: "no destination event id on record",
		}
	}
	return op.Record.DestEventID, nil
}

// resultRow finalizes the correlation an operation leaves behind.
func (e *Engine) resultRow(m config.Mapping, op diff.Operation) *registry.Correlation {
	row := *op.Result
	row.MappingID = m.ID
	row.LastSyncedAt = e.now()
	return &row
}

// finish derives the status, persists the run log, and hands the result to
// the notifier.
func (e *Engine) finish(ctx context.Context, m config.Mapping, res *RunResult, runErr error) *RunResult {
	res.FinishedAt = e.now()
	switch {
	case runErr != nil:
		res.Status = StatusFailure
		res.Error = runErr.Error()
		e.logger.Printf("mapping %s: run failed: %v", m.ID, runErr)
	case len(res.Failures) > 0 || res.Deferred > 0:
		res.Status = StatusPartialFailure
	default:
		res.Status = StatusSuccess
	}

	e.persist(ctx, res)

	if e.notifier != nil && m.WebhookURL != "" {
		e.notifier.Publish(m.WebhookURL, res)
	}

	e.logger.Printf("mapping %s: %s (%d inserted, %d updated, %d deleted, %d deferred, %d failures)",
		m.ID, res.Status, res.Inserted, res.Updated, res.Deleted, res.Deferred, len(res.Failures))
	return res
}

// persist appends the run log and prunes old entries. Log-only on error: a
// full registry must not turn a finished run into a failure.
func (e *Engine) persist(ctx context.Context, res *RunResult) {
	entry := &registry.RunLog{
		MappingID:  res.MappingID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Status:     res.Status,
		Inserted:   res.Inserted,
		Updated:    res.Updated,
		Deleted:    res.Deleted,
		Deferred:   res.Deferred,
		Detail:     runDetail(res),
	}
	if err := e.store.RecordRun(ctx, entry); err != nil {
		e.logger.Printf("mapping %s: failed to persist run log: %v", res.MappingID, err)
		return
	}
	if err := e.store.PruneRuns(ctx, res.MappingID, e.historyKeep); err != nil {
		e.logger.Printf("mapping %s: failed to prune run logs: %v", res.MappingID, err)
	}
}

// runDetail renders the audit fields as JSON for the run_logs detail column.
func runDetail(res *RunResult) string {
	detail := struct {
		RunID       string            `json:"run_id"`
		Error       string            `json:"error,omitempty"`
		Failures    []event.Failure   `json:"failures,omitempty"`
		Resolutions []diff.Resolution `json:"resolutions,omitempty"`
	}{
		RunID:       res.RunID,
		Error:       res.Error,
		Failures:    res.Failures,
		Resolutions: res.Resolutions,
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return ""
	}
	return string(b)
}

// policyFor resolves the mapping's conflict policy. Plugin modules load
// once and are cached; a plugin that fails to load degrades to latest-wins
// for this run and is retried next run.
func (e *Engine) policyFor(ctx context.Context, m config.Mapping) conflict.Policy {
	tie := conflict.Side(m.TieBreak)
	if m.PolicyWASM == "" {
		return conflict.LatestWins{TieBreak: tie}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[m.PolicyWASM]; ok {
		return p
	}
	p, err := conflict.ForName(ctx, m.PolicyName(), tie)
	if err != nil {
		e.logger.Printf("mapping %s: conflict plugin %s unavailable, using latest-wins: %v", m.ID, m.PolicyWASM, err)
		return conflict.LatestWins{TieBreak: tie}
	}
	e.policies[m.PolicyWASM] = p
	return p
}

// Close releases loaded conflict plugins.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for path, p := range e.policies {
		if wp, ok := p.(*conflict.WasmPolicy); ok {
			if err := wp.Close(ctx); err != nil {
				e.logger.Printf("failed to close conflict plugin %s: %v", path, err)
			}
		}
		delete(e.policies, path)
	}
}
