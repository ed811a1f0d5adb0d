package ingest

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	ErrNotFound       = errors.New("record not found")
	ErrRunClosed      = errors.New("import run is closed")
	ErrNoPhotos       = errors.New("listing has no resolvable photo")
	ErrImageCollision = errors.New("image attached to another listing")
	ErrConflict       = errors.New("conflicting record exists")
)

// SourceAdapter fetches one page of canonical listings for one geo-unit.
type SourceAdapter interface {
	Provider() string
	FetchPage(ctx context.Context, geo GeoUnit, token PageToken) (Page, error)
}

// ListingStore is the canonical store accessed by natural-key upsert.
type ListingStore interface {
	FindByKey(ctx context.Context, key NaturalKey) (StoredListing, error)
	Insert(ctx context.Context, listing StoredListing) (string, error)
	Update(ctx context.Context, listing StoredListing) error
	Touch(ctx context.Context, id string, seenAt time.Time) error
	// ReplaceImages deletes the listing's images and reinserts urls in order,
	// skipping any URL already attached to a different listing. It returns the
	// URLs that were skipped.
	ReplaceImages(ctx context.Context, listingID string, urls []string) ([]string, error)
	ListImages(ctx context.Context, listingID string) ([]ImageRef, error)
	// SetFingerprint records the content digest once the listing's images are attached.
	SetFingerprint(ctx context.Context, listingID, fingerprint string) error
	// MarkStale sets off_market on listings for provider whose zip or city/state
	// matches geo and whose LastSeenAt is before cutoff, clearing their fingerprint.
	MarkStale(ctx context.Context, provider string, geo GeoUnit, cutoff time.Time) (int64, error)
}

// ImportRunStore persists ImportRun lifecycle rows.
type ImportRunStore interface {
	CreateRun(ctx context.Context, run ImportRun) error
	CloseRun(ctx context.Context, run ImportRun) error
	GetRun(ctx context.Context, id string) (ImportRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]ImportRun, error)
}

// RunFilter narrows ListRuns; zero fields match everything.
type RunFilter struct {
	Provider string
	GeoUnit  string
	Since    time.Time
	Limit    int
}

// KeyLocker serialises work on one natural key.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Relay pushes newly ingested distressed leads downstream.
type Relay interface {
	Send(ctx context.Context, record ListingRecord) error
}

// PhotoResolver looks up photos for a listing that arrived without any.
type PhotoResolver interface {
	Resolve(ctx context.Context, listingURL string) ([]string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used as content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// QuotaTracker records the remaining request quota reported by providers.
type QuotaTracker interface {
	Record(provider string, remaining, limit int)
	Snapshot() map[string]Quota
}

// Quota is the last observed quota for one provider.
type Quota struct {
	Remaining  int       `json:"remaining"`
	Limit      int       `json:"limit"`
	ObservedAt time.Time `json:"observed_at"`
}

// UsedPct returns the consumed share of the quota as a percentage.
func (q Quota) UsedPct() float64 {
	if q.Limit <= 0 {
		return 0
	}
	return float64(q.Limit-q.Remaining) / float64(q.Limit) * 100
}

// AnalyticsStore serves the read aggregates and persists derived analytics.
type AnalyticsStore interface {
	PropertyActivity(ctx context.Context) ([]PropertyActivity, error)
	MarketActivity(ctx context.Context) ([]MarketActivity, error)
	SavePropertyMetrics(ctx context.Context, metrics []PropertyMetric) error
	SaveMarketAnalytics(ctx context.Context, markets []MarketAnalytics) error
	AppendLeadScore(ctx context.Context, rec LeadScoreRecord) error
	ListPropertyMetrics(ctx context.Context) ([]PropertyMetric, error)
	ListMarketAnalytics(ctx context.Context) ([]MarketAnalytics, error)
	LeadsSince(ctx context.Context, since time.Time) (map[string]int, error)
}

// AlertStore persists alerts and enforces the single-unresolved invariant.
type AlertStore interface {
	FindUnresolved(ctx context.Context, alertType AlertType, subject string) (Alert, error)
	CreateAlert(ctx context.Context, alert Alert) error
	GetAlert(ctx context.Context, id string) (Alert, error)
	ListAlerts(ctx context.Context, status AlertStatus) ([]Alert, error)
	// SetAlertStatus moves id from status from to status to. It returns
	// ErrConflict when the stored status is no longer from.
	SetAlertStatus(ctx context.Context, id string, from, to AlertStatus, at time.Time) (Alert, error)
}
