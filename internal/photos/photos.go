// Package photos resolves listing photos from a listing's public page when the
// provider feed carried none.
package photos

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// MaxImages caps how many photos are taken from one page.
const MaxImages = 40

// Document is one fetched listing page with the photo URLs found on it.
type Document struct {
	URL        string
	StatusCode int
	Body       []byte
	Images     []string
	Rendered   bool
}

// Fetcher loads a listing page and extracts photo candidates.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (Document, error)
}

// Detector decides whether a statically fetched page needs a browser render.
type Detector interface {
	ShouldPromote(doc Document) bool
}

// Chain fetches statically and promotes to the headless fetcher when the
// detector says the page is a script shell.
type Chain struct {
	static   Fetcher
	headless Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewChain builds a resolver. headless and detector may be nil.
func NewChain(static, headless Fetcher, detector Detector, logger *zap.Logger) (*Chain, error) {
	if static == nil {
		return nil, errors.New("static fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{static: static, headless: headless, detector: detector, logger: logger.Named("photos")}, nil
}

// Resolve returns the photos found at listingURL, in page order.
func (c *Chain) Resolve(ctx context.Context, listingURL string) ([]string, error) {
	doc, err := c.static.Fetch(ctx, listingURL)
	if err != nil {
		return nil, fmt.Errorf("fetch listing page: %w", err)
	}
	if len(doc.Images) > 0 || c.headless == nil || c.detector == nil || !c.detector.ShouldPromote(doc) {
		return doc.Images, nil
	}

	c.logger.Debug("promoting listing page to headless render", zap.String("url", listingURL))
	rendered, err := c.headless.Fetch(ctx, listingURL)
	if err != nil {
		return nil, fmt.Errorf("render listing page: %w", err)
	}
	return rendered.Images, nil
}

// Normalize absolutises candidates against base, drops non-photo URLs, and
// de-duplicates while keeping the first occurrence.
func Normalize(base string, candidates []string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		if isDecoration(abs.Path) {
			continue
		}
		s := abs.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == MaxImages {
			break
		}
	}
	return out
}

func isDecoration(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range []string{".svg", ".gif", ".ico"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, "/logo") || strings.Contains(lower, "/icons/")
}
