package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// AnalyticsStore serves seeded activity aggregates and keeps derived analytics.
type AnalyticsStore struct {
	mu         sync.RWMutex
	properties []ingest.PropertyActivity
	markets    []ingest.MarketActivity
	leads      []ingest.Lead
	metrics    map[string]ingest.PropertyMetric
	analytics  map[string]ingest.MarketAnalytics
	scores     []ingest.LeadScoreRecord
}

// NewAnalyticsStore constructs an empty AnalyticsStore.
func NewAnalyticsStore() *AnalyticsStore {
	return &AnalyticsStore{
		metrics:   make(map[string]ingest.PropertyMetric),
		analytics: make(map[string]ingest.MarketAnalytics),
	}
}

// SetPropertyActivity replaces the property aggregates.
func (s *AnalyticsStore) SetPropertyActivity(rows []ingest.PropertyActivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = append([]ingest.PropertyActivity(nil), rows...)
}

// SetMarketActivity replaces the market aggregates.
func (s *AnalyticsStore) SetMarketActivity(rows []ingest.MarketActivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = append([]ingest.MarketActivity(nil), rows...)
}

// AddLead records a captured lead.
func (s *AnalyticsStore) AddLead(lead ingest.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads = append(s.leads, lead)
}

// PropertyActivity returns the property aggregates.
func (s *AnalyticsStore) PropertyActivity(context.Context) ([]ingest.PropertyActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.PropertyActivity(nil), s.properties...), nil
}

// MarketActivity returns the market aggregates.
func (s *AnalyticsStore) MarketActivity(context.Context) ([]ingest.MarketActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.MarketActivity(nil), s.markets...), nil
}

// SavePropertyMetrics upserts metrics by property id.
func (s *AnalyticsStore) SavePropertyMetrics(_ context.Context, rows []ingest.PropertyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range rows {
		s.metrics[m.PropertyID] = m
	}
	return nil
}

// SaveMarketAnalytics upserts analytics by market.
func (s *AnalyticsStore) SaveMarketAnalytics(_ context.Context, rows []ingest.MarketAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range rows {
		s.analytics[m.Market()] = m
	}
	return nil
}

// AppendLeadScore appends an immutable lead score.
func (s *AnalyticsStore) AppendLeadScore(_ context.Context, rec ingest.LeadScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, rec)
	return nil
}

// ListPropertyMetrics returns metrics ordered by property id.
func (s *AnalyticsStore) ListPropertyMetrics(context.Context) ([]ingest.PropertyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.PropertyMetric, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PropertyID < out[j].PropertyID })
	return out, nil
}

// ListMarketAnalytics returns analytics ordered by market key.
func (s *AnalyticsStore) ListMarketAnalytics(context.Context) ([]ingest.MarketAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.MarketAnalytics, 0, len(s.analytics))
	for _, m := range s.analytics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market() < out[j].Market() })
	return out, nil
}

// LeadsSince counts leads per property captured at or after since.
func (s *AnalyticsStore) LeadsSince(_ context.Context, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, l := range s.leads {
		if !l.CapturedAt.Before(since) {
			out[l.PropertyID]++
		}
	}
	return out, nil
}

// LeadScores returns every appended lead score in insertion order.
func (s *AnalyticsStore) LeadScores() []ingest.LeadScoreRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.LeadScoreRecord(nil), s.scores...)
}
