package scoring

import (
	"strings"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// Lead score weights.
const (
	leadPropertyWeight    = 40.0
	leadTimingWeight      = 25.0
	leadSourceWeight      = 15.0
	leadQualifyWeight     = 15.0
	leadCompetitionWeight = 5.0

	// competitionCeiling is the number of competing leads at which the
	// competition term reaches zero.
	competitionCeiling = 5
)

// sourcePoints ranks acquisition channels; direct property-detail pages score highest.
var sourcePoints = map[string]float64{
	"property_detail": 15,
	"search":          12,
	"referral":        12,
	"saved_search":    10,
	"email":           8,
	"social":          7,
	"ads":             6,
}

const defaultSourcePoints = 5.0

// Qualification flag points; together they equal leadQualifyWeight.
const (
	budgetPoints      = 4.0
	bedroomPoints     = 3.0
	timelinePoints    = 4.0
	preApprovedPoints = 4.0
)

// LeadInputs are the facts scored for one lead.
type LeadInputs struct {
	PropertyScore  float64
	DaysOnListing  int
	Source         string
	HasBudgetRange bool
	HasBedroomNeed bool
	TightTimeline  bool
	PreApproved    bool
	CompetingLeads int
}

// LeadInputsFrom builds LeadInputs from a captured lead and its property score.
func LeadInputsFrom(lead ingest.Lead, propertyScore float64) LeadInputs {
	return LeadInputs{
		PropertyScore:  propertyScore,
		DaysOnListing:  lead.DaysOnListing,
		Source:         lead.Source,
		HasBudgetRange: lead.HasBudgetRange,
		HasBedroomNeed: lead.HasBedroomNeed,
		TightTimeline:  lead.TightTimeline,
		PreApproved:    lead.PreApproved,
		CompetingLeads: lead.CompetingLeads,
	}
}

// LeadScore returns the 0-100 lead score and its quality tier.
func LeadScore(in LeadInputs) (float64, ingest.LeadQuality) {
	score := clamp(in.PropertyScore, minScore, maxScore)/maxScore*leadPropertyWeight +
		timingTerm(in.DaysOnListing) +
		sourceTerm(in.Source) +
		qualificationTerm(in) +
		competitionTerm(in.CompetingLeads)
	score = finalize(score)
	return score, QualityFor(score)
}

// QualityFor maps a score to its tier; each lower bound is inclusive.
func QualityFor(score float64) ingest.LeadQuality {
	switch {
	case score >= 75:
		return ingest.QualityHot
	case score >= 50:
		return ingest.QualityWarm
	case score >= 25:
		return ingest.QualityCold
	default:
		return ingest.QualityUnqualified
	}
}

func timingTerm(days int) float64 {
	switch {
	case days <= 7:
		return leadTimingWeight
	case days <= 30:
		return leadTimingWeight * 0.6
	default:
		return leadTimingWeight * 0.2
	}
}

func sourceTerm(source string) float64 {
	if p, ok := sourcePoints[strings.ToLower(strings.TrimSpace(source))]; ok {
		return p
	}
	return defaultSourcePoints
}

func qualificationTerm(in LeadInputs) float64 {
	points := 0.0
	if in.HasBudgetRange {
		points += budgetPoints
	}
	if in.HasBedroomNeed {
		points += bedroomPoints
	}
	if in.TightTimeline {
		points += timelinePoints
	}
	if in.PreApproved {
		points += preApprovedPoints
	}
	return clamp(points, 0, leadQualifyWeight)
}

func competitionTerm(competing int) float64 {
	if competing <= 0 {
		return leadCompetitionWeight
	}
	remaining := 1 - float64(competing)/competitionCeiling
	return leadCompetitionWeight * clamp(remaining, 0, 1)
}
