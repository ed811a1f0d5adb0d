package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// AnalyticsStore reads engagement aggregates and persists derived analytics.
type AnalyticsStore struct {
	db DB
}

// NewAnalyticsStore wraps db.
func NewAnalyticsStore(db DB) *AnalyticsStore {
	return &AnalyticsStore{db: db}
}

const propertyActivityQuery = `
WITH views AS (
	SELECT property_id,
		count(*) AS total_views,
		count(*) FILTER (WHERE viewed_at >= now() - interval '30 days') AS views_30d
	FROM property_views
	GROUP BY property_id
), lead_counts AS (
	SELECT property_id,
		count(*) AS total_leads,
		count(*) FILTER (WHERE converted) AS conversions
	FROM leads
	GROUP BY property_id
), medians AS (
	SELECT lower(city) AS city, upper(state) AS state,
		percentile_cont(0.5) WITHIN GROUP (ORDER BY price) AS median_price
	FROM listings
	WHERE status = 'active'
	GROUP BY 1, 2
)
SELECT l.id, l.city, l.state, l.price,
	COALESCE(v.views_30d, 0)::int,
	COALESCE(v.total_views, 0)::int,
	COALESCE(c.total_leads, 0)::int,
	COALESCE(c.conversions, 0)::int,
	GREATEST(0, EXTRACT(DAY FROM now() - l.first_seen_at))::int,
	COALESCE(m.median_price, 0)::float8
FROM listings l
LEFT JOIN views v ON v.property_id = l.id
LEFT JOIN lead_counts c ON c.property_id = l.id
LEFT JOIN medians m ON m.city = lower(l.city) AND m.state = upper(l.state)
WHERE l.status <> 'off_market'
ORDER BY l.id`

// PropertyActivity aggregates views, leads and pricing context per listing.
func (s *AnalyticsStore) PropertyActivity(ctx context.Context) ([]ingest.PropertyActivity, error) {
	rows, err := s.db.Query(ctx, propertyActivityQuery)
	if err != nil {
		return nil, fmt.Errorf("query property activity: %w", err)
	}
	defer rows.Close()

	var out []ingest.PropertyActivity
	for rows.Next() {
		var p ingest.PropertyActivity
		if err := rows.Scan(
			&p.PropertyID, &p.City, &p.State, &p.Price, &p.ViewsLast30Days, &p.TotalViews,
			&p.TotalLeads, &p.TotalConversions, &p.DaysOnMarket, &p.MarketMedianPrice,
		); err != nil {
			return nil, fmt.Errorf("scan property activity: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate property activity: %w", err)
	}
	return out, nil
}

const marketActivityQuery = `
WITH lead_counts AS (
	SELECT property_id, count(*) AS total_leads, count(*) FILTER (WHERE converted) AS conversions
	FROM leads
	GROUP BY property_id
)
SELECT lower(l.city), upper(l.state),
	COALESCE(AVG(EXTRACT(EPOCH FROM now() - l.first_seen_at) / 86400) FILTER (WHERE l.status = 'active'), 0)::float8,
	COALESCE((
		AVG(l.price) FILTER (WHERE l.first_seen_at >= now() - interval '30 days')
		/ NULLIF(AVG(l.price) FILTER (WHERE l.first_seen_at < now() - interval '30 days'
			AND l.first_seen_at >= now() - interval '60 days'), 0) - 1
	) * 100, 0)::float8,
	count(*) FILTER (WHERE l.status = 'active')::int,
	count(*)::int,
	COALESCE(SUM(c.total_leads), 0)::int,
	COALESCE(SUM(c.conversions), 0)::int
FROM listings l
LEFT JOIN lead_counts c ON c.property_id = l.id
GROUP BY 1, 2
ORDER BY 1, 2`

// MarketActivity aggregates listings and leads per (city, state).
func (s *AnalyticsStore) MarketActivity(ctx context.Context) ([]ingest.MarketActivity, error) {
	rows, err := s.db.Query(ctx, marketActivityQuery)
	if err != nil {
		return nil, fmt.Errorf("query market activity: %w", err)
	}
	defer rows.Close()

	var out []ingest.MarketActivity
	for rows.Next() {
		var m ingest.MarketActivity
		if err := rows.Scan(
			&m.City, &m.State, &m.AvgDaysOnMarket, &m.PriceTrendPct,
			&m.ActiveListings, &m.TotalListings, &m.TotalLeads, &m.TotalConversions,
		); err != nil {
			return nil, fmt.Errorf("scan market activity: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate market activity: %w", err)
	}
	return out, nil
}

// SavePropertyMetrics upserts every metric in one transaction.
func (s *AnalyticsStore) SavePropertyMetrics(ctx context.Context, metrics []ingest.PropertyMetric) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save property metrics: %w", err)
	}
	defer rollback(ctx, tx)

	for _, m := range metrics {
		if _, err := tx.Exec(ctx, `
INSERT INTO property_metrics (
	property_id, city, state, total_views, total_leads, total_conversions,
	view_to_lead_rate, lead_to_conversion_rate, lead_score, market_rank, percentile, computed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (property_id) DO UPDATE SET
	city = EXCLUDED.city, state = EXCLUDED.state,
	total_views = EXCLUDED.total_views, total_leads = EXCLUDED.total_leads,
	total_conversions = EXCLUDED.total_conversions,
	view_to_lead_rate = EXCLUDED.view_to_lead_rate,
	lead_to_conversion_rate = EXCLUDED.lead_to_conversion_rate,
	lead_score = EXCLUDED.lead_score, market_rank = EXCLUDED.market_rank,
	percentile = EXCLUDED.percentile, computed_at = EXCLUDED.computed_at`,
			m.PropertyID, m.City, m.State, m.TotalViews, m.TotalLeads, m.TotalConversions,
			m.ViewToLeadRate, m.LeadToConversionRate, m.LeadScore, m.MarketRank, m.Percentile, m.ComputedAt,
		); err != nil {
			return fmt.Errorf("upsert property metric %s: %w", m.PropertyID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit property metrics: %w", err)
	}
	return nil
}

// SaveMarketAnalytics upserts every market row in one transaction.
func (s *AnalyticsStore) SaveMarketAnalytics(ctx context.Context, markets []ingest.MarketAnalytics) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save market analytics: %w", err)
	}
	defer rollback(ctx, tx)

	for _, m := range markets {
		if _, err := tx.Exec(ctx, `
INSERT INTO market_analytics (city, state, heat, heat_score, previous_heat_score, has_previous, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (city, state) DO UPDATE SET
	heat = EXCLUDED.heat, heat_score = EXCLUDED.heat_score,
	previous_heat_score = EXCLUDED.previous_heat_score,
	has_previous = EXCLUDED.has_previous, computed_at = EXCLUDED.computed_at`,
			m.City, m.State, string(m.Heat), m.HeatScore, m.PreviousHeatScore, m.HasPrevious, m.ComputedAt,
		); err != nil {
			return fmt.Errorf("upsert market analytics %s: %w", m.Market(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit market analytics: %w", err)
	}
	return nil
}

// AppendLeadScore inserts an immutable lead score row.
func (s *AnalyticsStore) AppendLeadScore(ctx context.Context, rec ingest.LeadScoreRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO lead_scores (id, lead_id, property_id, score, quality, conversion_probability, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.LeadID, rec.PropertyID, rec.Score, string(rec.Quality), rec.ConversionProbability, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append lead score %s: %w", rec.ID, err)
	}
	return nil
}

// ListPropertyMetrics returns stored metrics ordered by property id.
func (s *AnalyticsStore) ListPropertyMetrics(ctx context.Context) ([]ingest.PropertyMetric, error) {
	rows, err := s.db.Query(ctx, `
SELECT property_id, city, state, total_views, total_leads, total_conversions,
	view_to_lead_rate, lead_to_conversion_rate, lead_score, market_rank, percentile, computed_at
FROM property_metrics
ORDER BY property_id`)
	if err != nil {
		return nil, fmt.Errorf("list property metrics: %w", err)
	}
	defer rows.Close()

	var out []ingest.PropertyMetric
	for rows.Next() {
		var m ingest.PropertyMetric
		if err := rows.Scan(
			&m.PropertyID, &m.City, &m.State, &m.TotalViews, &m.TotalLeads, &m.TotalConversions,
			&m.ViewToLeadRate, &m.LeadToConversionRate, &m.LeadScore, &m.MarketRank, &m.Percentile, &m.ComputedAt,
		); err != nil {
			return nil, fmt.Errorf("scan property metric: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate property metrics: %w", err)
	}
	return out, nil
}

// ListMarketAnalytics returns stored market rows ordered by city, state.
func (s *AnalyticsStore) ListMarketAnalytics(ctx context.Context) ([]ingest.MarketAnalytics, error) {
	rows, err := s.db.Query(ctx, `
SELECT city, state, heat, heat_score, previous_heat_score, has_previous, computed_at
FROM market_analytics
ORDER BY lower(city), upper(state)`)
	if err != nil {
		return nil, fmt.Errorf("list market analytics: %w", err)
	}
	defer rows.Close()

	var out []ingest.MarketAnalytics
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market analytics: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate market analytics: %w", err)
	}
	return out, nil
}

// LeadsSince counts leads per property created at or after since.
func (s *AnalyticsStore) LeadsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT property_id, count(*)::int FROM leads WHERE created_at >= $1 GROUP BY property_id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("count leads: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id    string
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan lead count: %w", err)
		}
		out[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lead counts: %w", err)
	}
	return out, nil
}

func scanMarket(row pgx.Row) (ingest.MarketAnalytics, error) {
	var (
		m    ingest.MarketAnalytics
		heat string
	)
	if err := row.Scan(&m.City, &m.State, &heat, &m.HeatScore, &m.PreviousHeatScore, &m.HasPrevious, &m.ComputedAt); err != nil {
		return ingest.MarketAnalytics{}, err
	}
	m.Heat = ingest.MarketHeat(heat)
	return m, nil
}
