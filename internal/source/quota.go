package source

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
)

// QuotaTracker keeps the last quota reported by each provider in memory.
type QuotaTracker struct {
	mu     sync.RWMutex
	clock  ingest.Clock
	quotas map[string]ingest.Quota
}

// NewQuotaTracker builds an empty tracker.
func NewQuotaTracker(clock ingest.Clock) *QuotaTracker {
	return &QuotaTracker{clock: clock, quotas: make(map[string]ingest.Quota)}
}

// Record stores the latest observation for provider.
func (q *QuotaTracker) Record(provider string, remaining, limit int) {
	q.mu.Lock()
	q.quotas[provider] = ingest.Quota{Remaining: remaining, Limit: limit, ObservedAt: q.clock.Now()}
	q.mu.Unlock()
	metrics.SetQuotaRemaining(provider, remaining)
}

// Snapshot returns a copy of every provider's last quota.
func (q *QuotaTracker) Snapshot() map[string]ingest.Quota {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]ingest.Quota, len(q.quotas))
	for k, v := range q.quotas {
		out[k] = v
	}
	return out
}

// quotaFromHeaders reads the conventional X-RateLimit-* pair.
func quotaFromHeaders(h http.Header) (remaining, limit int, ok bool) {
	r, errR := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	l, errL := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if errR != nil || errL != nil {
		return 0, 0, false
	}
	return r, l, true
}
