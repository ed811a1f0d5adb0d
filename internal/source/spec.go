// Package source adapts paginated third-party listing APIs into canonical
// ingest.ListingRecord pages.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// PaginationStyle names how a provider addresses subsequent pages.
type PaginationStyle string

// Supported pagination styles.
const (
	PaginateOffset PaginationStyle = "offset"
	PaginatePage   PaginationStyle = "page"
)

// FieldMap holds dotted JSON paths into one provider result object.
type FieldMap struct {
	ID             string `mapstructure:"id"`
	Address        string `mapstructure:"address"`
	City           string `mapstructure:"city"`
	State          string `mapstructure:"state"`
	Zip            string `mapstructure:"zip"`
	Price          string `mapstructure:"price"`
	Bedrooms       string `mapstructure:"bedrooms"`
	Bathrooms      string `mapstructure:"bathrooms"`
	Area           string `mapstructure:"area"`
	PropertyType   string `mapstructure:"property_type"`
	Status         string `mapstructure:"status"`
	Latitude       string `mapstructure:"latitude"`
	Longitude      string `mapstructure:"longitude"`
	PrimaryImage   string `mapstructure:"primary_image"`
	Images         string `mapstructure:"images"`
	ImageURLKey    string `mapstructure:"image_url_key"`
	ListingURL     string `mapstructure:"listing_url"`
	VirtualTourURL string `mapstructure:"virtual_tour_url"`
}

// StatusMapping is the canonical meaning of one raw provider status value.
type StatusMapping struct {
	Status     string   `mapstructure:"status"`
	Distressed []string `mapstructure:"distressed"`
}

// ProviderSpec declares everything provider-specific about one listing API.
// Map keys are matched case-insensitively.
type ProviderSpec struct {
	Name          string                   `mapstructure:"name"`
	BaseURL       string                   `mapstructure:"base_url"`
	SearchPath    string                   `mapstructure:"search_path"`
	APIKey        string                   `mapstructure:"api_key"`
	APIKeyHeader  string                   `mapstructure:"api_key_header"`
	Pagination    PaginationStyle          `mapstructure:"pagination"`
	PageParam     string                   `mapstructure:"page_param"`
	PageSizeParam string                   `mapstructure:"page_size_param"`
	PageSize      int                      `mapstructure:"page_size"`
	ZipParam      string                   `mapstructure:"zip_param"`
	CityParam     string                   `mapstructure:"city_param"`
	StateParam    string                   `mapstructure:"state_param"`
	ResultsPath   string                   `mapstructure:"results_path"`
	TotalPath     string                   `mapstructure:"total_path"`
	Fields        FieldMap                 `mapstructure:"fields"`
	Statuses      map[string]StatusMapping `mapstructure:"statuses"`
	PropertyTypes map[string]string        `mapstructure:"property_types"`
}

// ErrMissingCredentials is returned by Validate when no API key is configured.
var ErrMissingCredentials = errors.New("provider api key is not configured")

// WithDefaults fills unset request knobs.
func (s ProviderSpec) WithDefaults() ProviderSpec {
	if s.SearchPath == "" {
		s.SearchPath = "/listings"
	}
	if s.APIKeyHeader == "" {
		s.APIKeyHeader = "X-API-Key"
	}
	if s.Pagination == "" {
		s.Pagination = PaginatePage
	}
	if s.PageParam == "" {
		if s.Pagination == PaginateOffset {
			s.PageParam = "offset"
		} else {
			s.PageParam = "page"
		}
	}
	if s.PageSizeParam == "" {
		s.PageSizeParam = "limit"
	}
	if s.PageSize <= 0 {
		s.PageSize = 50
	}
	if s.ZipParam == "" {
		s.ZipParam = "zip"
	}
	if s.CityParam == "" {
		s.CityParam = "city"
	}
	if s.StateParam == "" {
		s.StateParam = "state"
	}
	if s.Fields.ID == "" {
		s.Fields.ID = "id"
	}
	return s
}

// Validate checks the spec and that every mapping table targets a canonical value.
func (s ProviderSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	if _, err := url.ParseRequestURI(s.BaseURL); err != nil {
		return fmt.Errorf("provider %s: invalid base_url: %w", s.Name, err)
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return fmt.Errorf("provider %s: %w", s.Name, ErrMissingCredentials)
	}
	switch s.Pagination {
	case "", PaginateOffset, PaginatePage:
	default:
		return fmt.Errorf("provider %s: unknown pagination style %q", s.Name, s.Pagination)
	}
	for raw, m := range s.Statuses {
		if _, ok := ingest.ParseListingStatus(m.Status); !ok {
			return fmt.Errorf("provider %s: status %q maps to unknown status %q", s.Name, raw, m.Status)
		}
		for _, d := range m.Distressed {
			if _, ok := ingest.ParseDistressedFlag(d); !ok {
				return fmt.Errorf("provider %s: status %q maps to unknown distressed flag %q", s.Name, raw, d)
			}
		}
	}
	for raw, pt := range s.PropertyTypes {
		if _, ok := ingest.ParsePropertyType(pt); !ok {
			return fmt.Errorf("provider %s: property type %q maps to unknown type %q", s.Name, raw, pt)
		}
	}
	return nil
}

// firstToken returns the token that requests the first page.
func (s ProviderSpec) firstToken() ingest.PageToken {
	if s.Pagination == PaginateOffset {
		return "0"
	}
	return "1"
}

// decodeToken resolves an opaque token into the provider's page parameter value.
func (s ProviderSpec) decodeToken(token ingest.PageToken) (int, error) {
	if token == "" {
		token = s.firstToken()
	}
	n, err := strconv.Atoi(string(token))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid page token %q", token)
	}
	return n, nil
}

// nextToken advances past a page that returned count results.
func (s ProviderSpec) nextToken(current, count int) ingest.PageToken {
	if s.Pagination == PaginateOffset {
		return ingest.PageToken(strconv.Itoa(current + count))
	}
	return ingest.PageToken(strconv.Itoa(current + 1))
}
