package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultBackoff429     = 5 * time.Second
	defaultMax429Attempts = 3
	maxBodyBytes          = 16 << 20
)

// Sleeper pauses between retries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Options configures an HTTPAdapter.
type Options struct {
	Spec       ProviderSpec
	Client     *http.Client
	Timeout    time.Duration
	UserAgent  string
	Backoff429 time.Duration
	// Max429Attempts bounds how many times one page is retried after HTTP 429.
	Max429Attempts int
	Retry          RetryPolicy
	Quota          ingest.QuotaTracker
	Clock          ingest.Clock
	Sleeper        Sleeper
	Logger         *zap.Logger
}

// HTTPAdapter fetches pages from a paginated JSON listing API described by a ProviderSpec.
type HTTPAdapter struct {
	spec       ProviderSpec
	client     *http.Client
	timeout    time.Duration
	userAgent  string
	backoff429 time.Duration
	max429     int
	retry      RetryPolicy
	quota      ingest.QuotaTracker
	clock      ingest.Clock
	sleeper    Sleeper
	normalizer *Normalizer
	logger     *zap.Logger
}

// NewHTTPAdapter validates the spec and builds an adapter.
func NewHTTPAdapter(opts Options) (*HTTPAdapter, error) {
	spec := opts.Spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil || opts.Sleeper == nil {
		return nil, errors.New("clock and sleeper are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("source").With(zap.String("provider", spec.Name))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	backoff := opts.Backoff429
	if backoff <= 0 {
		backoff = defaultBackoff429
	}
	max429 := opts.Max429Attempts
	if max429 <= 0 {
		max429 = defaultMax429Attempts
	}
	retry := opts.Retry
	if retry == nil {
		retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "property-pipeline/1.0"
	}

	return &HTTPAdapter{
		spec:       spec,
		client:     client,
		timeout:    timeout,
		userAgent:  ua,
		backoff429: backoff,
		max429:     max429,
		retry:      retry,
		quota:      opts.Quota,
		clock:      opts.Clock,
		sleeper:    opts.Sleeper,
		normalizer: NewNormalizer(spec, logger),
		logger:     logger,
	}, nil
}

// Provider returns the provider name.
func (a *HTTPAdapter) Provider() string {
	return a.spec.Name
}

// FetchPage fetches one page. Transport failures never surface as errors: they
// produce an empty Done page. An error is returned only for an unusable token
// or a cancelled context.
func (a *HTTPAdapter) FetchPage(ctx context.Context, geo ingest.GeoUnit, token ingest.PageToken) (ingest.Page, error) {
	current, err := a.spec.decodeToken(token)
	if err != nil {
		return ingest.Page{}, err
	}
	reqURL, err := a.buildURL(geo, current)
	if err != nil {
		return ingest.Page{}, err
	}
	log := a.logger.With(zap.String("geo", geo.String()), zap.String("token", string(token)))

	rateLimited := 0
	retries := 0
	for {
		body, status, err := a.get(ctx, reqURL)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ingest.Page{}, fmt.Errorf("fetch page: %w", ctxErr)
		}

		switch {
		case status == http.StatusTooManyRequests:
			if rateLimited >= a.max429 {
				log.Warn("rate limit retries exhausted", zap.Int("attempts", rateLimited))
				metrics.ObservePage(a.spec.Name, "rate_limited")
				return ingest.Page{Done: true, RateLimited: true}, nil
			}
			rateLimited++
			metrics.ObserveRateLimitRetry(a.spec.Name)
			log.Info("rate limited, backing off", zap.Duration("backoff", a.backoff429), zap.Int("attempt", rateLimited))
			if err := a.sleeper.Sleep(ctx, a.backoff429); err != nil {
				return ingest.Page{}, fmt.Errorf("fetch page: %w", err)
			}
			continue
		case err != nil:
			if a.retry.ShouldRetry(err, retries) {
				wait := a.retry.Backoff(retries)
				retries++
				log.Debug("transient provider error, retrying", zap.Error(err), zap.Duration("backoff", wait))
				if err := a.sleeper.Sleep(ctx, wait); err != nil {
					return ingest.Page{}, fmt.Errorf("fetch page: %w", err)
				}
				continue
			}
			log.Warn("provider request failed", zap.Error(err), zap.Int("status", status))
			metrics.ObservePage(a.spec.Name, "error")
			return ingest.Page{Done: true}, nil
		}

		page, err := a.decodePage(body, current)
		if err != nil {
			log.Warn("provider payload rejected", zap.Error(err))
			metrics.ObservePage(a.spec.Name, "error")
			return ingest.Page{Done: true, RawBody: body}, nil
		}
		if len(page.Records) == 0 && page.Malformed == 0 {
			metrics.ObservePage(a.spec.Name, "empty")
		} else {
			metrics.ObservePage(a.spec.Name, "ok")
		}
		return page, nil
	}
}

func (a *HTTPAdapter) buildURL(geo ingest.GeoUnit, current int) (string, error) {
	if err := geo.Validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimRight(a.spec.BaseURL, "/") + a.spec.SearchPath)
	if err != nil {
		return "", fmt.Errorf("build search url: %w", err)
	}
	q := u.Query()
	if geo.Zip != "" {
		q.Set(a.spec.ZipParam, geo.Zip)
	} else {
		q.Set(a.spec.CityParam, geo.City)
		q.Set(a.spec.StateParam, geo.State)
	}
	q.Set(a.spec.PageParam, strconv.Itoa(current))
	q.Set(a.spec.PageSizeParam, strconv.Itoa(a.spec.PageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// get performs one bounded request. Non-2xx responses are returned as errors,
// with 5xx wrapped in ServerError so the retry policy can recognise them.
func (a *HTTPAdapter) get(ctx context.Context, reqURL string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set(a.spec.APIKeyHeader, a.spec.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if a.quota != nil {
		if remaining, limit, ok := quotaFromHeaders(resp.Header); ok {
			a.quota.Record(a.spec.Name, remaining, limit)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, resp.StatusCode, &ServerError{StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func (a *HTTPAdapter) decodePage(body []byte, current int) (ingest.Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return ingest.Page{}, fmt.Errorf("decode payload: %w", err)
	}

	items, err := a.results(payload)
	if err != nil {
		return ingest.Page{}, err
	}

	page := ingest.Page{RawBody: body}
	seenAt := a.clock.Now()
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			page.Malformed++
			continue
		}
		rec, err := a.normalizer.Normalize(obj, seenAt)
		if err != nil {
			a.logger.Debug("dropping malformed record", zap.Error(err))
			page.Malformed++
			continue
		}
		page.Records = append(page.Records, rec)
	}

	if len(items) == 0 {
		page.Done = true
		return page, nil
	}
	page.Next = a.spec.nextToken(current, len(items))
	if total, ok := a.total(payload); ok && a.consumed(current, len(items)) >= total {
		page.Done = true
	}
	return page, nil
}

// results accepts a bare array, an object with the configured results path, or
// an object wrapping the array under a conventional key.
func (a *HTTPAdapter) results(payload any) ([]any, error) {
	if arr, ok := payload.([]any); ok {
		return arr, nil
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", payload)
	}
	if a.spec.ResultsPath != "" {
		v, found := lookup(obj, a.spec.ResultsPath)
		if !found {
			return nil, nil
		}
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("results path %q is not an array", a.spec.ResultsPath)
		}
		return arr, nil
	}
	for _, key := range []string{"listings", "results", "properties", "data"} {
		if arr, ok := obj[key].([]any); ok {
			return arr, nil
		}
	}
	return nil, nil
}

func (a *HTTPAdapter) total(payload any) (int, bool) {
	obj, ok := payload.(map[string]any)
	if !ok || a.spec.TotalPath == "" {
		return 0, false
	}
	if _, found := lookup(obj, a.spec.TotalPath); !found {
		return 0, false
	}
	return int(lookupFloat(obj, a.spec.TotalPath)), true
}

func (a *HTTPAdapter) consumed(current, count int) int {
	if a.spec.Pagination == PaginateOffset {
		return current + count
	}
	return current * a.spec.PageSize
}
