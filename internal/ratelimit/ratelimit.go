// Package ratelimit enforces the process-wide daily write budget. Backend
// reads are free; every insert, update and delete consumes one unit. The
// window rolls over at UTC midnight.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultDailyLimit is the writes-per-day cap applied when no limit is
// configured.
const DefaultDailyLimit = 5000

// ErrBudgetExhausted is returned by TryAcquire once the day's budget is
// spent. Runs treat it as a signal to defer remaining writes, not as a
// failure of the event being written.
var ErrBudgetExhausted = errors.New("daily write budget exhausted")

const dayLayout = "2006-01-02"

// Budget is a mutex-guarded counter shared by every mapping in the process.
// Acquired units are never refunded: a failed write may still have consumed
// quota on the remote side.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
	day   string

	now func() time.Time
}

// NewBudget returns a budget capped at limit writes per UTC day.
// A non-positive limit selects DefaultDailyLimit.
func NewBudget(limit int) *Budget {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &Budget{limit: limit, now: time.Now}
}

// TryAcquire reserves n writes, all or nothing. On exhaustion it returns an
// error matching ErrBudgetExhausted and leaves the counter untouched.
func (b *Budget) TryAcquire(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if b.used+n > b.limit {
		return fmt.Errorf("%w (%d of %d used)", ErrBudgetExhausted, b.used, b.limit)
	}
	b.used += n
	return nil
}

// Remaining reports how many writes the current day still allows.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.limit - b.used
}

// Limit reports the configured daily cap.
func (b *Budget) Limit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// ResetsAt reports when the current window rolls over.
func (b *Budget) ResetsAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	day := b.now().UTC().Truncate(24 * time.Hour)
	return day.Add(24 * time.Hour)
}

// rollover resets the counter when the UTC day has changed. Callers hold mu.
func (b *Budget) rollover() {
	day := b.now().UTC().Format(dayLayout)
	if day != b.day {
		b.day = day
		b.used = 0
	}
}
