// Package analytics recomputes derived property, market and lead analytics
// from store aggregates using the scoring engine.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/scoring"
)

const defaultBaseConversionRate = 2.0

// Config tunes the recompute.
type Config struct {
	// BaseConversionRate is the historical lead conversion percentage.
	BaseConversionRate float64
}

// Service reads aggregates, scores them and persists the results.
type Service struct {
	store  ingest.AnalyticsStore
	clock  ingest.Clock
	ids    ingest.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Service.
func New(store ingest.AnalyticsStore, clock ingest.Clock, ids ingest.IDGenerator, cfg Config, logger *zap.Logger) (*Service, error) {
	if store == nil || clock == nil || ids == nil {
		return nil, errors.New("analytics requires store, clock and ids")
	}
	if cfg.BaseConversionRate <= 0 {
		cfg.BaseConversionRate = defaultBaseConversionRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, clock: clock, ids: ids, cfg: cfg, logger: logger.Named("analytics")}, nil
}

// Recompute refreshes markets first so property scores see current heat.
func (s *Service) Recompute(ctx context.Context) error {
	if _, err := s.RecomputeMarkets(ctx); err != nil {
		return err
	}
	if _, err := s.RecomputeProperties(ctx); err != nil {
		return err
	}
	return nil
}

// RecomputeMarkets scores every market and keeps the previous heat score for
// swing detection.
func (s *Service) RecomputeMarkets(ctx context.Context) ([]ingest.MarketAnalytics, error) {
	activity, err := s.store.MarketActivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("load market activity: %w", err)
	}
	previous, err := s.marketsByKey(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	out := make([]ingest.MarketAnalytics, 0, len(activity))
	for _, m := range activity {
		score, heat := scoring.MarketHeatScore(scoring.MarketInputsFrom(m))
		row := ingest.MarketAnalytics{
			City:       m.City,
			State:      m.State,
			Heat:       heat,
			HeatScore:  score,
			ComputedAt: now,
		}
		if prev, ok := previous[row.Market()]; ok {
			row.PreviousHeatScore = prev.HeatScore
			row.HasPrevious = true
		}
		out = append(out, row)
	}
	if err := s.store.SaveMarketAnalytics(ctx, out); err != nil {
		return nil, fmt.Errorf("save market analytics: %w", err)
	}
	s.logger.Info("markets recomputed", zap.Int("markets", len(out)))
	return out, nil
}

// RecomputeProperties scores every tracked property and ranks it within its market.
func (s *Service) RecomputeProperties(ctx context.Context) ([]ingest.PropertyMetric, error) {
	activity, err := s.store.PropertyActivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("load property activity: %w", err)
	}
	markets, err := s.marketsByKey(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	out := make([]ingest.PropertyMetric, len(activity))
	byMarket := make(map[string][]int)
	for i, p := range activity {
		v2l, l2c := scoring.Rates(p.TotalViews, p.TotalLeads, p.TotalConversions)
		heat := ingest.HeatCold
		if m, ok := markets[ingest.MarketKey(p.City, p.State)]; ok {
			heat = m.Heat
		}
		out[i] = ingest.PropertyMetric{
			PropertyID:           p.PropertyID,
			City:                 p.City,
			State:                p.State,
			TotalViews:           p.TotalViews,
			TotalLeads:           p.TotalLeads,
			TotalConversions:     p.TotalConversions,
			ViewToLeadRate:       v2l,
			LeadToConversionRate: l2c,
			LeadScore: scoring.PropertyScore(scoring.PropertyInputs{
				ViewsLast30Days:      p.ViewsLast30Days,
				TotalLeads:           p.TotalLeads,
				LeadToConversionRate: l2c,
				ViewToLeadRate:       v2l,
				Heat:                 heat,
				Price:                p.Price,
				MarketMedianPrice:    p.MarketMedianPrice,
				DaysOnMarket:         p.DaysOnMarket,
			}),
			ComputedAt: now,
		}
		key := ingest.MarketKey(p.City, p.State)
		byMarket[key] = append(byMarket[key], i)
	}

	for _, idxs := range byMarket {
		scores := make([]float64, len(idxs))
		for j, idx := range idxs {
			scores[j] = out[idx].LeadScore
		}
		for j, r := range scoring.Rank(scores) {
			out[idxs[j]].MarketRank = r.Rank
			out[idxs[j]].Percentile = r.Percentile
		}
	}

	if err := s.store.SavePropertyMetrics(ctx, out); err != nil {
		return nil, fmt.Errorf("save property metrics: %w", err)
	}
	s.logger.Info("properties recomputed", zap.Int("properties", len(out)), zap.Int("markets", len(byMarket)))
	return out, nil
}

// ScoreLead scores a captured lead against its property's latest metric and
// appends an immutable LeadScoreRecord. Re-scoring appends a new record.
func (s *Service) ScoreLead(ctx context.Context, lead ingest.Lead) (ingest.LeadScoreRecord, error) {
	metrics, err := s.store.ListPropertyMetrics(ctx)
	if err != nil {
		return ingest.LeadScoreRecord{}, fmt.Errorf("load property metrics: %w", err)
	}
	var (
		propertyScore float64
		heat          = ingest.HeatWarm
	)
	if i := slices.IndexFunc(metrics, func(m ingest.PropertyMetric) bool { return m.PropertyID == lead.PropertyID }); i >= 0 {
		m := metrics[i]
		propertyScore = m.LeadScore
		markets, err := s.marketsByKey(ctx)
		if err != nil {
			return ingest.LeadScoreRecord{}, err
		}
		if market, ok := markets[ingest.MarketKey(m.City, m.State)]; ok {
			heat = market.Heat
		}
	}

	score, quality := scoring.LeadScore(scoring.LeadInputsFrom(lead, propertyScore))
	id, err := s.ids.NewID()
	if err != nil {
		return ingest.LeadScoreRecord{}, fmt.Errorf("new lead score id: %w", err)
	}
	rec := ingest.LeadScoreRecord{
		ID:                    id,
		LeadID:                lead.ID,
		PropertyID:            lead.PropertyID,
		Score:                 score,
		Quality:               quality,
		ConversionProbability: scoring.ConversionProbability(s.cfg.BaseConversionRate, quality, propertyScore, heat),
		CreatedAt:             s.clock.Now(),
	}
	if err := s.store.AppendLeadScore(ctx, rec); err != nil {
		return ingest.LeadScoreRecord{}, fmt.Errorf("append lead score: %w", err)
	}
	return rec, nil
}

func (s *Service) marketsByKey(ctx context.Context) (map[string]ingest.MarketAnalytics, error) {
	rows, err := s.store.ListMarketAnalytics(ctx)
	if err != nil {
		return nil, fmt.Errorf("load market analytics: %w", err)
	}
	out := make(map[string]ingest.MarketAnalytics, len(rows))
	for _, m := range rows {
		out[m.Market()] = m
	}
	return out, nil
}
