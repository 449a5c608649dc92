// Package loadtest stresses the correlation registry under concurrent
// access.
//
// The scheduler runs every mapping against a single registry store, so
// lookup latency under parallel access is what bounds sync throughput.
// This package seeds a synthetic registry and drives it the way the
// engine does: per-event correlation lookups, full-mapping scans at the
// start of a run, and upserts after each apply.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncwell/calbridge/internal/event"
	"github.com/syncwell/calbridge/internal/registry"
)

// Fixture is a registry populated with synthetic correlations.
type Fixture struct {
	Store       registry.Store
	MappingIDs  []string
	Keys        []SeedKey
	Overrides   int
	TotalRows   int
	OverridePct float64
}

// SeedKey identifies one seeded correlation row.
type SeedKey struct {
	MappingID    string
	SourceUID    string
	RecurrenceID string
}

// LatencyStats captures performance metrics from a load run.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// CreateFixture opens the registry at dsn and seeds it with synthetic
// correlations.
//
// Each mapping gets eventsPerMapping rows; overridePct of them carry a
// recurring override row on top of the master, matching the shape a
// mapping with recurring events produces. Seeding is deterministic so
// repeated bench runs measure the same dataset.
func CreateFixture(ctx context.Context, dsn string, numMappings, eventsPerMapping int, overridePct float64) (*Fixture, error) {
	store, err := registry.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	f := &Fixture{
		Store:       store,
		MappingIDs:  make([]string, 0, numMappings),
		Keys:        make([]SeedKey, 0, numMappings*eventsPerMapping),
		OverridePct: overridePct,
	}

	rng := rand.New(rand.NewSource(42))
	base := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

	for m := 0; m < numMappings; m++ {
		mappingID := fmt.Sprintf("bench-m%02d", m)
		f.MappingIDs = append(f.MappingIDs, mappingID)

		for i := 0; i < eventsPerMapping; i++ {
			uid := fmt.Sprintf("bench-%05d@calbridge", m*eventsPerMapping+i)
			if err := f.seedRow(ctx, rng, mappingID, uid, ""); err != nil {
				_ = store.Close()
				return nil, err
			}

			if overridePct > 0 && rng.Float64() < overridePct {
				rid := base.Add(time.Duration(i) * 24 * time.Hour).Format(event.TimeLayout)
				if err := f.seedRow(ctx, rng, mappingID, uid, rid); err != nil {
					_ = store.Close()
					return nil, err
				}
				f.Overrides++
			}
		}
	}

	return f, nil
}

func (f *Fixture) seedRow(ctx context.Context, rng *rand.Rand, mappingID, uid, rid string) error {
	c := &registry.Correlation{
		MappingID:      mappingID,
		SourceUID:      uid,
		RecurrenceID:   rid,
		DestEventID:    uuid.NewString(),
		LastSourceHash: fmt.Sprintf("%016x", rng.Uint64()),
		LastDestHash:   fmt.Sprintf("%016x", rng.Uint64()),
		LastSyncedAt:   time.Now().UTC(),
	}
	if err := f.Store.Upsert(ctx, c); err != nil {
		return fmt.Errorf("failed to seed %s/%s: %w", mappingID, uid, err)
	}
	f.Keys = append(f.Keys, SeedKey{MappingID: mappingID, SourceUID: uid, RecurrenceID: rid})
	f.TotalRows++
	return nil
}

// Close closes the underlying registry store.
func (f *Fixture) Close() error {
	if f.Store != nil {
		return f.Store.Close()
	}
	return nil
}

// RunConcurrentReads simulates workers looking correlations up in
// parallel. Each worker performs opsPerWorker lookups against random
// seeded keys; every eighth op is a full-mapping scan, the rest are
// point lookups. Returns aggregated latency statistics.
func (f *Fixture) RunConcurrentReads(ctx context.Context, workers, opsPerWorker int) (*LatencyStats, error) {
	return f.run(ctx, workers, opsPerWorker, func(ctx context.Context, rng *rand.Rand, op int) error {
		if op%8 == 7 {
			mappingID := f.MappingIDs[rng.Intn(len(f.MappingIDs))]
			_, err := f.Store.AllForMapping(ctx, mappingID)
			return err
		}
		k := f.Keys[rng.Intn(len(f.Keys))]
		_, err := f.Store.Find(ctx, k.MappingID, k.SourceUID, k.RecurrenceID)
		return err
	})
}

// RunMixedLoad interleaves writes with reads the way concurrent sync
// runs do: every fourth op re-upserts a seeded row with fresh hashes,
// the rest are point lookups.
func (f *Fixture) RunMixedLoad(ctx context.Context, workers, opsPerWorker int) (*LatencyStats, error) {
	return f.run(ctx, workers, opsPerWorker, func(ctx context.Context, rng *rand.Rand, op int) error {
		k := f.Keys[rng.Intn(len(f.Keys))]
		if op%4 == 3 {
			return f.Store.Upsert(ctx, &registry.Correlation{
				MappingID:      k.MappingID,
				SourceUID:      k.SourceUID,
				RecurrenceID:   k.RecurrenceID,
				DestEventID:    uuid.NewString(),
				LastSourceHash: fmt.Sprintf("%016x", rng.Uint64()),
				LastDestHash:   fmt.Sprintf("%016x", rng.Uint64()),
				LastSyncedAt:   time.Now().UTC(),
			})
		}
		_, err := f.Store.Find(ctx, k.MappingID, k.SourceUID, k.RecurrenceID)
		return err
	})
}

func (f *Fixture) run(ctx context.Context, workers, opsPerWorker int, op func(context.Context, *rand.Rand, int) error) (*LatencyStats, error) {
	if len(f.Keys) == 0 {
		return nil, fmt.Errorf("fixture has no seeded rows")
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, workers)
	errorsChan := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			// Per-worker rng avoids the global rand lock skewing latencies.
			rng := rand.New(rand.NewSource(int64(workerID)))
			durations := make([]time.Duration, 0, opsPerWorker)

			for j := 0; j < opsPerWorker; j++ {
				start := time.Now()
				err := op(ctx, rng, j)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("worker %d op %d failed: %w", workerID, j, err)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		if firstErr == nil {
			firstErr = err
		}
		errorCount++
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		if firstErr != nil {
			return nil, fmt.Errorf("no ops completed: %w", firstErr)
		}
		return nil, fmt.Errorf("no ops completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConsistency runs concurrent readers against a writer that keeps
// rewriting seeded rows, and checks that every row read back is intact.
// Rows must never come back torn: a lookup sees the row before or after
// an upsert, not a mix.
func (f *Fixture) VerifyConsistency(ctx context.Context, readers int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, readers+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(7))
		rev := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			k := f.Keys[rng.Intn(len(f.Keys))]
			rev++
			err := f.Store.Upsert(ctx, &registry.Correlation{
				MappingID:      k.MappingID,
				SourceUID:      k.SourceUID,
				RecurrenceID:   k.RecurrenceID,
				DestEventID:    fmt.Sprintf("rev-%d", rev),
				LastSourceHash: fmt.Sprintf("%016x", rng.Uint64()),
				LastDestHash:   fmt.Sprintf("%016x", rng.Uint64()),
				LastSyncedAt:   time.Now().UTC(),
			})
			if err != nil && ctx.Err() == nil {
				errorsChan <- fmt.Errorf("writer upsert failed: %w", err)
				return
			}
		}
	}()

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(100 + readerID)))
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				k := f.Keys[rng.Intn(len(f.Keys))]
				c, err := f.Store.Find(ctx, k.MappingID, k.SourceUID, k.RecurrenceID)
				if err != nil {
					if ctx.Err() == nil && !registry.IsNotFound(err) {
						errorsChan <- fmt.Errorf("reader %d lookup failed: %w", readerID, err)
						return
					}
					continue
				}

				if c.MappingID != k.MappingID || c.SourceUID != k.SourceUID {
					errorsChan <- fmt.Errorf("reader %d got row %s/%s for key %s/%s", readerID, c.MappingID, c.SourceUID, k.MappingID, k.SourceUID)
					return
				}
				if c.DestEventID == "" || c.LastSourceHash == "" {
					errorsChan <- fmt.Errorf("reader %d found torn row for %s", readerID, c.Key())
					return
				}

				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the seeded dataset.
func (f *Fixture) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_rows":       f.TotalRows,
		"mappings":         len(f.MappingIDs),
		"overrides":        f.Overrides,
		"override_percent": float64(f.Overrides) / float64(f.TotalRows) * 100,
	}
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}
