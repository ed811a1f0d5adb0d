package scoring

import "github.com/JakeFAU/property-pipeline/internal/ingest"

const marketBaseline = 50.0

// MarketInputs are the aggregates scored for one (city, state) market.
// Rates are percentages.
type MarketInputs struct {
	AvgDaysOnMarket  float64
	PriceTrendPct    float64
	ActiveListings   int
	TotalListings    int
	TotalLeads       int
	TotalConversions int
}

// MarketInputsFrom adapts a market activity aggregate.
func MarketInputsFrom(m ingest.MarketActivity) MarketInputs {
	return MarketInputs{
		AvgDaysOnMarket:  m.AvgDaysOnMarket,
		PriceTrendPct:    m.PriceTrendPct,
		ActiveListings:   m.ActiveListings,
		TotalListings:    m.TotalListings,
		TotalLeads:       m.TotalLeads,
		TotalConversions: m.TotalConversions,
	}
}

// MarketHeatScore starts at 50 and adjusts for speed, price trend, lead
// pressure, conversion and inventory scarcity.
func MarketHeatScore(in MarketInputs) (float64, ingest.MarketHeat) {
	score := marketBaseline +
		daysOnMarketAdjustment(in.AvgDaysOnMarket) +
		clamp(in.PriceTrendPct*2, -10, 10) +
		leadPressureAdjustment(in.TotalLeads, in.TotalListings) +
		conversionAdjustment(in.TotalConversions, in.TotalLeads) +
		inventoryAdjustment(in.ActiveListings, in.TotalListings)
	score = finalize(score)
	return score, HeatFor(score)
}

// HeatFor maps a heat score to its label.
func HeatFor(score float64) ingest.MarketHeat {
	switch {
	case score >= 80:
		return ingest.HeatVeryHot
	case score >= 60:
		return ingest.HeatHot
	case score >= 40:
		return ingest.HeatWarm
	default:
		return ingest.HeatCold
	}
}

func daysOnMarketAdjustment(days float64) float64 {
	switch {
	case days <= 0:
		return 0
	case days <= 15:
		return 15
	case days <= 30:
		return 10
	case days <= 60:
		return 0
	case days <= 90:
		return -10
	default:
		return -15
	}
}

func leadPressureAdjustment(leads, listings int) float64 {
	if listings <= 0 {
		return 0
	}
	ratio := float64(leads) / float64(listings)
	switch {
	case ratio >= 3:
		return 10
	case ratio >= 1:
		return 5
	default:
		return -5
	}
}

func conversionAdjustment(conversions, leads int) float64 {
	if leads <= 0 {
		return 0
	}
	rate := float64(conversions) / float64(leads) * 100
	switch {
	case rate >= 10:
		return 10
	case rate >= 5:
		return 5
	default:
		return 0
	}
}

func inventoryAdjustment(active, total int) float64 {
	if total <= 0 {
		return 0
	}
	ratio := float64(active) / float64(total)
	switch {
	case ratio <= 0.3:
		return 10
	case ratio <= 0.6:
		return 5
	default:
		return -5
	}
}
