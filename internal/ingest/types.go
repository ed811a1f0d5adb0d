// Package ingest defines the canonical listing model and the collaborator
// interfaces shared by the ingestion, scoring, and monitoring subsystems.
package ingest

import (
	"fmt"
	"strings"
	"time"
)

// PropertyType is the closed set of canonical property categories.
type PropertyType string

// Canonical property types.
const (
	PropertySingleFamily PropertyType = "single_family"
	PropertyCondo        PropertyType = "condo"
	PropertyTownhouse    PropertyType = "townhouse"
	PropertyMultiFamily  PropertyType = "multi_family"
	PropertyLand         PropertyType = "land"
	PropertyCommercial   PropertyType = "commercial"
	PropertyOther        PropertyType = "other"
)

// ParsePropertyType maps a canonical name to its PropertyType.
func ParsePropertyType(s string) (PropertyType, bool) {
	switch PropertyType(strings.ToLower(strings.TrimSpace(s))) {
	case PropertySingleFamily:
		return PropertySingleFamily, true
	case PropertyCondo:
		return PropertyCondo, true
	case PropertyTownhouse:
		return PropertyTownhouse, true
	case PropertyMultiFamily:
		return PropertyMultiFamily, true
	case PropertyLand:
		return PropertyLand, true
	case PropertyCommercial:
		return PropertyCommercial, true
	case PropertyOther:
		return PropertyOther, true
	default:
		return "", false
	}
}

// ListingStatus is the closed set of canonical listing states.
type ListingStatus string

// Canonical listing states.
const (
	StatusActive    ListingStatus = "active"
	StatusPending   ListingStatus = "pending"
	StatusSold      ListingStatus = "sold"
	StatusOffMarket ListingStatus = "off_market"
)

// ParseListingStatus maps a canonical name to its ListingStatus.
func ParseListingStatus(s string) (ListingStatus, bool) {
	switch ListingStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, true
	case StatusPending:
		return StatusPending, true
	case StatusSold:
		return StatusSold, true
	case StatusOffMarket:
		return StatusOffMarket, true
	default:
		return "", false
	}
}

// DistressedFlag tags a listing with a distressed-sale signal.
type DistressedFlag string

// Distressed signals derived from provider status fields.
const (
	DistressedForeclosure DistressedFlag = "foreclosure"
	DistressedShortSale   DistressedFlag = "short_sale"
	DistressedAuction     DistressedFlag = "auction"
	DistressedBankOwned   DistressedFlag = "bank_owned"
)

// ParseDistressedFlag maps a canonical name to its DistressedFlag.
func ParseDistressedFlag(s string) (DistressedFlag, bool) {
	switch DistressedFlag(strings.ToLower(strings.TrimSpace(s))) {
	case DistressedForeclosure:
		return DistressedForeclosure, true
	case DistressedShortSale:
		return DistressedShortSale, true
	case DistressedAuction:
		return DistressedAuction, true
	case DistressedBankOwned:
		return DistressedBankOwned, true
	default:
		return "", false
	}
}

// NaturalKey identifies a listing across re-ingestion runs.
type NaturalKey struct {
	Provider          string `json:"provider"`
	ProviderListingID string `json:"provider_listing_id"`
}

// String renders the key as provider:id.
func (k NaturalKey) String() string {
	return k.Provider + ":" + k.ProviderListingID
}

// ListingRecord is the canonical, provider-agnostic listing.
type ListingRecord struct {
	Provider          string           `json:"provider"`
	ProviderListingID string           `json:"provider_listing_id"`
	Address           string           `json:"address"`
	City              string           `json:"city"`
	State             string           `json:"state"`
	Zip               string           `json:"zip"`
	Price             float64          `json:"price"`
	Bedrooms          int              `json:"bedrooms"`
	Bathrooms         float64          `json:"bathrooms"`
	Area              float64          `json:"area"`
	PropertyType      PropertyType     `json:"property_type"`
	Status            ListingStatus    `json:"status"`
	Latitude          float64          `json:"latitude"`
	Longitude         float64          `json:"longitude"`
	PrimaryImageURL   string           `json:"primary_image_url"`
	ListingURL        string           `json:"listing_url"`
	VirtualTourURL    string           `json:"virtual_tour_url"`
	DistressedFlags   []DistressedFlag `json:"distressed_flags"`
	Images            []string         `json:"images"`
	LastSeenAt        time.Time        `json:"last_seen_at"`
}

// Key returns the natural key of the record.
func (r ListingRecord) Key() NaturalKey {
	return NaturalKey{Provider: r.Provider, ProviderListingID: r.ProviderListingID}
}

// IsDistressed reports whether any distressed flag is set.
func (r ListingRecord) IsDistressed() bool {
	return len(r.DistressedFlags) > 0
}

// PhotoURLs returns the ordered, de-duplicated photo set, primary image first.
func (r ListingRecord) PhotoURLs() []string {
	seen := make(map[string]struct{}, len(r.Images)+1)
	out := make([]string, 0, len(r.Images)+1)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(r.PrimaryImageURL)
	for _, u := range r.Images {
		add(u)
	}
	return out
}

// StoredListing is a ListingRecord as persisted in the canonical store.
type StoredListing struct {
	ID          string
	Record      ListingRecord
	Fingerprint string
	FirstSeenAt time.Time
	UpdatedAt   time.Time
}

// ImageRef attaches one image URL to exactly one listing.
type ImageRef struct {
	ListingID    string `json:"listing_id"`
	URL          string `json:"url"`
	DisplayIndex int    `json:"display_index"`
}

// GeoUnit is a ZIP code or a city+state pair.
type GeoUnit struct {
	Zip   string `json:"zip,omitempty" mapstructure:"zip"`
	City  string `json:"city,omitempty" mapstructure:"city"`
	State string `json:"state,omitempty" mapstructure:"state"`
}

// String returns a stable key for the unit.
func (g GeoUnit) String() string {
	if g.Zip != "" {
		return g.Zip
	}
	return strings.ToLower(g.City) + "," + strings.ToUpper(g.State)
}

// Validate checks that the unit names either a ZIP or a city+state pair.
func (g GeoUnit) Validate() error {
	if g.Zip != "" {
		return nil
	}
	if g.City == "" || g.State == "" {
		return fmt.Errorf("geo unit requires zip or city+state: %+v", g)
	}
	return nil
}

// ParseGeoUnit parses "94110" or "Austin,TX".
func ParseGeoUnit(s string) (GeoUnit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return GeoUnit{}, fmt.Errorf("empty geo unit")
	}
	if city, state, ok := strings.Cut(s, ","); ok {
		g := GeoUnit{City: strings.TrimSpace(city), State: strings.TrimSpace(state)}
		return g, g.Validate()
	}
	return GeoUnit{Zip: s}, nil
}

// PageToken is an opaque pagination cursor. The zero value requests the first page.
type PageToken string

// Page is one page of canonical records returned by a SourceAdapter.
type Page struct {
	Records []ListingRecord
	Next    PageToken
	// Done signals there are no further pages for this unit.
	Done bool
	// RateLimited is set when retries were exhausted on HTTP 429 and the
	// empty page does not mean the unit is exhausted.
	RateLimited bool
	// Malformed counts provider objects dropped because they could not be normalized.
	Malformed int
	RawBody   []byte
}

// Assignment is the self-contained configuration handed to one worker.
type Assignment struct {
	WorkerID int       `json:"worker_id"`
	RunID    string    `json:"run_id"`
	Provider string    `json:"provider"`
	GeoUnits []GeoUnit `json:"geo_units"`
	MaxPages int       `json:"max_pages"`
}
