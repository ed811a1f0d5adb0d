package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// ErrUnknownProvider is returned for a provider name with no configured spec.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry builds one HTTPAdapter per configured provider on first use.
type Registry struct {
	mu       sync.Mutex
	specs    map[string]ProviderSpec
	base     Options
	adapters map[string]*HTTPAdapter
}

// NewRegistry keys specs by lower-cased name. base supplies the shared
// transport knobs; its Spec field is ignored.
func NewRegistry(specs map[string]ProviderSpec, base Options) *Registry {
	normalized := make(map[string]ProviderSpec, len(specs))
	for name, spec := range specs {
		if spec.Name == "" {
			spec.Name = name
		}
		normalized[strings.ToLower(name)] = spec
	}
	return &Registry{specs: normalized, base: base, adapters: make(map[string]*HTTPAdapter)}
}

// Adapter returns the adapter for provider, validating its spec once.
func (r *Registry) Adapter(provider string) (ingest.SourceAdapter, error) {
	key := strings.ToLower(strings.TrimSpace(provider))
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[key]; ok {
		return a, nil
	}
	spec, ok := r.specs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	opts := r.base
	opts.Spec = spec
	a, err := NewHTTPAdapter(opts)
	if err != nil {
		return nil, err
	}
	r.adapters[key] = a
	return a, nil
}

// Providers lists configured provider names in sorted order.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
