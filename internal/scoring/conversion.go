package scoring

import "github.com/JakeFAU/property-pipeline/internal/ingest"

var qualityMultiplier = map[ingest.LeadQuality]float64{
	ingest.QualityHot:         3.0,
	ingest.QualityWarm:        1.5,
	ingest.QualityCold:        0.7,
	ingest.QualityUnqualified: 0.2,
}

var heatMultiplier = map[ingest.MarketHeat]float64{
	ingest.HeatVeryHot: 1.4,
	ingest.HeatHot:     1.2,
	ingest.HeatWarm:    1.0,
	ingest.HeatCold:    0.8,
}

// ConversionProbability scales a historical base rate (percent) by lead
// quality, property score and market heat, clamped to [0,100]. Unknown
// quality or heat values use a neutral multiplier of 1.
func ConversionProbability(baseRate float64, quality ingest.LeadQuality, propertyScore float64, heat ingest.MarketHeat) float64 {
	p := baseRate * multiplier(qualityMultiplier, quality) * (1 + (propertyScore-50)/100) * multiplier(heatMultiplier, heat)
	return finalize(p)
}

func multiplier[K comparable](table map[K]float64, key K) float64 {
	if m, ok := table[key]; ok {
		return m
	}
	return 1
}
