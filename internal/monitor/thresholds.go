package monitor

import "time"

// Thresholds holds every tunable limit of the monitoring checks.
type Thresholds struct {
	// HighLeadVolume is the lead count within LeadVolumeWindow that raises an alert.
	HighLeadVolume   int           `mapstructure:"high_lead_volume"`
	LeadVolumeWindow time.Duration `mapstructure:"lead_volume_window"`

	// ImportFailure is the failed-record percentage per provider within ImportWindow.
	ImportFailure float64       `mapstructure:"import_failure"`
	ImportWindow  time.Duration `mapstructure:"import_window"`

	// MarketHeatSwing is the absolute heat score change between two recomputes.
	MarketHeatSwing float64 `mapstructure:"market_heat_swing"`

	// LowConversion is the lead-to-conversion percentage below which a property
	// with at least LowConversionMinLeads leads is flagged.
	LowConversion         float64 `mapstructure:"low_conversion"`
	LowConversionMinLeads int     `mapstructure:"low_conversion_min_leads"`

	TrendingPropertyLeads int           `mapstructure:"trending_property_leads"`
	TrendingWindow        time.Duration `mapstructure:"trending_window"`

	// APIQuota is the consumed share of a provider quota, in percent.
	APIQuota float64 `mapstructure:"api_quota"`
}

// DefaultThresholds returns the limits used when nothing is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighLeadVolume:        50,
		LeadVolumeWindow:      time.Hour,
		ImportFailure:         20,
		ImportWindow:          24 * time.Hour,
		MarketHeatSwing:       20,
		LowConversion:         1,
		LowConversionMinLeads: 20,
		TrendingPropertyLeads: 10,
		TrendingWindow:        24 * time.Hour,
		APIQuota:              80,
	}
}

// withDefaults fills zero fields from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.HighLeadVolume <= 0 {
		t.HighLeadVolume = d.HighLeadVolume
	}
	if t.LeadVolumeWindow <= 0 {
		t.LeadVolumeWindow = d.LeadVolumeWindow
	}
	if t.ImportFailure <= 0 {
		t.ImportFailure = d.ImportFailure
	}
	if t.ImportWindow <= 0 {
		t.ImportWindow = d.ImportWindow
	}
	if t.MarketHeatSwing <= 0 {
		t.MarketHeatSwing = d.MarketHeatSwing
	}
	if t.LowConversion <= 0 {
		t.LowConversion = d.LowConversion
	}
	if t.LowConversionMinLeads <= 0 {
		t.LowConversionMinLeads = d.LowConversionMinLeads
	}
	if t.TrendingPropertyLeads <= 0 {
		t.TrendingPropertyLeads = d.TrendingPropertyLeads
	}
	if t.TrendingWindow <= 0 {
		t.TrendingWindow = d.TrendingWindow
	}
	if t.APIQuota <= 0 {
		t.APIQuota = d.APIQuota
	}
	return t
}
