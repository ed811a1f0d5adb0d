package ingest

import (
	"math"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of an ImportRun.
type RunStatus string

// ImportRun statuses.
const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
)

// Closed reports whether the run can no longer be modified.
func (s RunStatus) Closed() bool {
	return s == RunCompleted || s == RunFailed
}

// ImportRun tracks one (provider, geo-unit, run) ingestion pass.
type ImportRun struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Provider   string     `json:"provider"`
	GeoUnit    string     `json:"geo_unit"`
	Status     RunStatus  `json:"status"`
	Requested  int        `json:"properties_requested"`
	Imported   int        `json:"properties_imported"`
	Failed     int        `json:"properties_failed"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SuccessRate is imported/requested as a percentage; zero when nothing was requested.
func (r ImportRun) SuccessRate() float64 {
	if r.Requested == 0 {
		return 0
	}
	return math.Round(float64(r.Imported)/float64(r.Requested)*1000) / 10
}

// LeadQuality is the tier assigned to a scored lead.
type LeadQuality string

// Lead quality tiers.
const (
	QualityHot         LeadQuality = "hot"
	QualityWarm        LeadQuality = "warm"
	QualityCold        LeadQuality = "cold"
	QualityUnqualified LeadQuality = "unqualified"
)

// MarketHeat is the qualitative heat of a market.
type MarketHeat string

// Market heat labels.
const (
	HeatCold    MarketHeat = "cold"
	HeatWarm    MarketHeat = "warm"
	HeatHot     MarketHeat = "hot"
	HeatVeryHot MarketHeat = "very_hot"
)

// PropertyMetric is the derived engagement summary of one tracked property.
type PropertyMetric struct {
	PropertyID           string    `json:"property_id"`
	City                 string    `json:"city"`
	State                string    `json:"state"`
	TotalViews           int       `json:"total_views"`
	TotalLeads           int       `json:"total_leads"`
	TotalConversions     int       `json:"total_conversions"`
	ViewToLeadRate       float64   `json:"view_to_lead_rate"`
	LeadToConversionRate float64   `json:"lead_to_conversion_rate"`
	LeadScore            float64   `json:"lead_score"`
	MarketRank           int       `json:"market_rank"`
	Percentile           int       `json:"percentile"`
	ComputedAt           time.Time `json:"computed_at"`
}

// LeadScoreRecord is an immutable lead scoring result.
type LeadScoreRecord struct {
	ID         string      `json:"id"`
	LeadID     string      `json:"lead_id"`
	PropertyID string      `json:"property_id"`
	Score      float64     `json:"score"`
	Quality    LeadQuality `json:"quality"`
	CreatedAt  time.Time   `json:"created_at"`

	// ConversionProbability is a percentage.
	ConversionProbability float64 `json:"conversion_probability"`
}

// MarketAnalytics summarises one (city, state) market.
type MarketAnalytics struct {
	City              string     `json:"city"`
	State             string     `json:"state"`
	Heat              MarketHeat `json:"heat"`
	HeatScore         float64    `json:"heat_score"`
	PreviousHeatScore float64    `json:"previous_heat_score"`
	HasPrevious       bool       `json:"has_previous"`
	ComputedAt        time.Time  `json:"computed_at"`
}

// Market returns the (city, state) key of the analytics row.
func (m MarketAnalytics) Market() string {
	return MarketKey(m.City, m.State)
}

// MarketKey renders a stable lower-case city,STATE key.
func MarketKey(city, state string) string {
	return strings.ToLower(strings.TrimSpace(city)) + "," + strings.ToUpper(strings.TrimSpace(state))
}

// PropertyActivity is the raw aggregate the analytics recompute reads per property.
type PropertyActivity struct {
	PropertyID        string
	City              string
	State             string
	Price             float64
	ViewsLast30Days   int
	TotalViews        int
	TotalLeads        int
	TotalConversions  int
	DaysOnMarket      int
	MarketMedianPrice float64
}

// MarketActivity is the raw aggregate the analytics recompute reads per market.
type MarketActivity struct {
	City             string
	State            string
	AvgDaysOnMarket  float64
	PriceTrendPct    float64
	ActiveListings   int
	TotalListings    int
	TotalLeads       int
	TotalConversions int
}

// Lead is the intake payload scored by the analytics service.
type Lead struct {
	ID             string
	PropertyID     string
	Source         string
	HasBudgetRange bool
	HasBedroomNeed bool
	TightTimeline  bool
	PreApproved    bool
	DaysOnListing  int
	CompetingLeads int
	CapturedAt     time.Time
}
