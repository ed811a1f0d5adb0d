package source

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// Normalizer maps raw provider objects onto canonical records.
type Normalizer struct {
	spec   ProviderSpec
	logger *zap.Logger
}

// NewNormalizer builds a Normalizer for spec.
func NewNormalizer(spec ProviderSpec, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{spec: spec.WithDefaults(), logger: logger}
}

// Normalize converts one raw object. Records without an id are rejected.
func (n *Normalizer) Normalize(raw map[string]any, seenAt time.Time) (ingest.ListingRecord, error) {
	f := n.spec.Fields
	id := lookupString(raw, f.ID)
	if id == "" {
		return ingest.ListingRecord{}, fmt.Errorf("record missing %q", f.ID)
	}
	rec := ingest.ListingRecord{
		Provider:          n.spec.Name,
		ProviderListingID: id,
		Address:           lookupString(raw, f.Address),
		City:              lookupString(raw, f.City),
		State:             strings.ToUpper(lookupString(raw, f.State)),
		Zip:               lookupString(raw, f.Zip),
		Price:             lookupFloat(raw, f.Price),
		Bedrooms:          int(lookupFloat(raw, f.Bedrooms)),
		Bathrooms:         lookupFloat(raw, f.Bathrooms),
		Area:              lookupFloat(raw, f.Area),
		Latitude:          lookupFloat(raw, f.Latitude),
		Longitude:         lookupFloat(raw, f.Longitude),
		PrimaryImageURL:   absoluteURL(n.spec.BaseURL, lookupString(raw, f.PrimaryImage)),
		ListingURL:        absoluteURL(n.spec.BaseURL, lookupString(raw, f.ListingURL)),
		VirtualTourURL:    absoluteURL(n.spec.BaseURL, lookupString(raw, f.VirtualTourURL)),
		LastSeenAt:        seenAt,
	}
	rec.PropertyType = n.propertyType(lookupString(raw, f.PropertyType))
	rec.Status, rec.DistressedFlags = n.status(lookupString(raw, f.Status))
	for _, u := range lookupImages(raw, f.Images, f.ImageURLKey) {
		if abs := absoluteURL(n.spec.BaseURL, u); abs != "" {
			rec.Images = append(rec.Images, abs)
		}
	}
	return rec, nil
}

func (n *Normalizer) status(raw string) (ingest.ListingStatus, []ingest.DistressedFlag) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ingest.StatusActive, nil
	}
	m, ok := n.spec.Statuses[key]
	if !ok {
		if s, canonical := ingest.ParseListingStatus(key); canonical {
			return s, nil
		}
		n.logger.Warn("unmapped provider status, defaulting to active",
			zap.String("provider", n.spec.Name),
			zap.String("status", raw),
		)
		return ingest.StatusActive, nil
	}
	status, _ := ingest.ParseListingStatus(m.Status)
	var flags []ingest.DistressedFlag
	for _, d := range m.Distressed {
		if flag, ok := ingest.ParseDistressedFlag(d); ok {
			flags = append(flags, flag)
		}
	}
	return status, flags
}

func (n *Normalizer) propertyType(raw string) ingest.PropertyType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := n.spec.PropertyTypes[key]; ok {
		key = mapped
	}
	if pt, ok := ingest.ParsePropertyType(key); ok {
		return pt
	}
	return ingest.PropertyOther
}

// lookup walks a dotted path through nested objects.
func lookup(raw map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = raw
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func lookupString(raw map[string]any, path string) string {
	v, ok := lookup(raw, path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func lookupFloat(raw map[string]any, path string) float64 {
	v, ok := lookup(raw, path)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(t)
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// lookupImages accepts an array of URL strings or of objects carrying the URL under key.
func lookupImages(raw map[string]any, path, key string) []string {
	v, ok := lookup(raw, path)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	if key == "" {
		key = "url"
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, strings.TrimSpace(t))
		case map[string]any:
			out = append(out, lookupString(t, key))
		}
	}
	return out
}

func absoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return u.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(u).String()
}
