package scoring

import (
	"math"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// Property score weights. They sum to 100.
const (
	weightViews      = 20.0
	weightLeads      = 30.0
	weightConversion = 20.0
	weightHeat       = 10.0
	weightPrice      = 10.0
	weightRecency    = 5.0
	weightEngagement = 5.0
)

// Saturation ceilings for the property score terms. Rates are percentages.
const (
	viewsPerMonthCeiling  = 500.0
	leadCountCeiling      = 20.0
	conversionRateCeiling = 20.0
	engagementCeiling     = 10.0
	// priceBand is the relative distance from the market median at which the
	// price term reaches zero.
	priceBand = 0.5
)

var heatPoints = map[ingest.MarketHeat]float64{
	ingest.HeatCold:    2,
	ingest.HeatWarm:    5,
	ingest.HeatHot:     8,
	ingest.HeatVeryHot: 10,
}

// PropertyInputs are the aggregates scored for one property.
type PropertyInputs struct {
	ViewsLast30Days int
	TotalLeads      int
	// LeadToConversionRate and ViewToLeadRate are percentages.
	LeadToConversionRate float64
	ViewToLeadRate       float64
	Heat                 ingest.MarketHeat
	Price                float64
	MarketMedianPrice    float64
	DaysOnMarket         int
}

// PropertyScore is the weighted 0-100 engagement score of a property. Each
// term is capped at its weight before summation.
func PropertyScore(in PropertyInputs) float64 {
	score := saturate(float64(in.ViewsLast30Days), viewsPerMonthCeiling, weightViews) +
		saturate(float64(in.TotalLeads), leadCountCeiling, weightLeads) +
		saturate(in.LeadToConversionRate, conversionRateCeiling, weightConversion) +
		heatTerm(in.Heat) +
		priceTerm(in.Price, in.MarketMedianPrice) +
		recencyTerm(in.DaysOnMarket) +
		saturate(in.ViewToLeadRate, engagementCeiling, weightEngagement)
	return finalize(score)
}

func heatTerm(h ingest.MarketHeat) float64 {
	return heatPoints[h] / 10 * weightHeat
}

func priceTerm(price, median float64) float64 {
	if price <= 0 || median <= 0 {
		return 0
	}
	distance := math.Abs(price-median) / median
	return weightPrice * math.Max(0, 1-distance/priceBand)
}

func recencyTerm(days int) float64 {
	switch {
	case days <= 7:
		return weightRecency
	case days <= 30:
		return weightRecency * 0.6
	default:
		return weightRecency * 0.2
	}
}

// Rates returns view-to-lead and lead-to-conversion percentages, zero when the
// denominator is zero.
func Rates(views, leads, conversions int) (viewToLead, leadToConversion float64) {
	if views > 0 {
		viewToLead = round1(float64(leads) / float64(views) * 100)
	}
	if leads > 0 {
		leadToConversion = round1(float64(conversions) / float64(leads) * 100)
	}
	return viewToLead, leadToConversion
}
