package ingest

import "time"

// AlertType names a monitoring check.
type AlertType string

// Alert types raised by the monitoring service.
const (
	AlertHighLeadVolume   AlertType = "high_lead_volume"
	AlertImportFailure    AlertType = "import_failure"
	AlertMarketHeatSwing  AlertType = "market_heat_swing"
	AlertLowConversion    AlertType = "low_conversion"
	AlertTrendingProperty AlertType = "trending_property"
	AlertAPIQuota         AlertType = "api_quota"
)

// AlertStatus is the operator-facing state of an alert.
type AlertStatus string

// Alert states.
const (
	AlertNew          AlertStatus = "new"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Severity ranks alert urgency.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// GlobalSubject is the subject of alerts that are not scoped to a property or city.
const GlobalSubject = "global"

// Alert is a durable monitoring finding keyed by (Type, Subject).
type Alert struct {
	ID             string         `json:"id"`
	Type           AlertType      `json:"type"`
	Subject        string         `json:"subject"`
	Severity       Severity       `json:"severity"`
	Status         AlertStatus    `json:"status"`
	Message        string         `json:"message"`
	Value          float64        `json:"value"`
	Threshold      float64        `json:"threshold"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// Unresolved reports whether the alert still blocks a new alert for its key.
func (a Alert) Unresolved() bool {
	return a.Status != AlertResolved
}
