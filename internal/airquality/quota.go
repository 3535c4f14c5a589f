package airquality

import (
	"errors"
	"sync"
)

// ErrQuotaExhausted is returned when reserving a call would exceed the
// daily quota. Terminal for the remainder of the run; never retried.
var ErrQuotaExhausted = errors.New("daily api call quota exhausted")

// CallQuota tracks API calls made against a known daily budget. Every
// request attempt reserves one call before it is issued; once the budget is
// spent no further calls go out.
type CallQuota struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewCallQuota creates a quota with the given daily limit. A limit <= 0 is
// treated as unlimited.
func NewCallQuota(limit int) *CallQuota {
	return &CallQuota{limit: limit}
}

// Reserve claims one call from the budget, or returns ErrQuotaExhausted
// without incrementing the counter.
func (q *CallQuota) Reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && q.used >= q.limit {
		return ErrQuotaExhausted
	}
	q.used++
	return nil
}

// Usage returns a snapshot of the current budget state.
func (q *CallQuota) Usage() QuotaUsage {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := 0
	if q.limit > 0 {
		remaining = q.limit - q.used
		if remaining < 0 {
			remaining = 0
		}
	}
	return QuotaUsage{Used: q.used, Limit: q.limit, Remaining: remaining}
}
