package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/lock"
	"github.com/JakeFAU/property-pipeline/internal/sink"
	"github.com/JakeFAU/property-pipeline/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("imp-%d", s.n.Add(1)), nil
}

type countingPacer struct{ calls atomic.Int64 }

func (p *countingPacer) Wait(ctx context.Context, _ string) error {
	p.calls.Add(1)
	return ctx.Err()
}

// fakeAdapter serves scripted pages per geo-unit, keyed by page token.
type fakeAdapter struct {
	provider string
	pages    map[string][]ingest.Page
	delay    time.Duration

	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (a *fakeAdapter) Provider() string { return a.provider }

func (a *fakeAdapter) FetchPage(ctx context.Context, geo ingest.GeoUnit, token ingest.PageToken) (ingest.Page, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		seen := a.maxSeen.Load()
		if n <= seen || a.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if err := ctx.Err(); err != nil {
		return ingest.Page{}, err
	}
	idx := 0
	if token != "" {
		_, _ = fmt.Sscanf(string(token), "%d", &idx)
	}
	pages := a.pages[geo.String()]
	if idx >= len(pages) {
		return ingest.Page{Done: true}, nil
	}
	return pages[idx], nil
}

type staticFactory struct {
	adapter ingest.SourceAdapter
	err     error
}

func (f staticFactory) Adapter(string) (ingest.SourceAdapter, error) {
	return f.adapter, f.err
}

type recordingRelay struct {
	mu   sync.Mutex
	sent []ingest.NaturalKey
	err  error
}

func (r *recordingRelay) Send(_ context.Context, rec ingest.ListingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, rec.Key())
	return nil
}

type fakePhotos struct{ images []string }

func (f fakePhotos) Resolve(context.Context, string) ([]string, error) {
	return f.images, nil
}

type spySink struct {
	Upserter
	sweeps atomic.Int64
}

func (s *spySink) SweepStale(ctx context.Context, provider string, geo ingest.GeoUnit, cutoff time.Time) (int64, error) {
	s.sweeps.Add(1)
	return s.Upserter.SweepStale(ctx, provider, geo, cutoff)
}

type harness struct {
	listings *memory.ListingStore
	runs     *memory.RunStore
	blobs    *memory.BlobStore
	pacer    *countingPacer
	sink     *spySink
	deps     Deps
}

func newHarness(t *testing.T, adapter ingest.SourceAdapter) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	listings := memory.NewListingStore()
	s, err := sink.New(listings, lock.NewKeyed(), sha256.New(), clock, zap.NewNop())
	require.NoError(t, err)
	h := &harness{
		listings: listings,
		runs:     memory.NewRunStore(),
		blobs:    memory.NewBlobStore(),
		pacer:    &countingPacer{},
		sink:     &spySink{Upserter: s},
	}
	h.deps = Deps{
		Adapters: staticFactory{adapter: adapter},
		Sink:     h.sink,
		Runs:     h.runs,
		Blobs:    h.blobs,
		Pacer:    h.pacer,
		Clock:    clock,
		IDs:      &seqIDs{},
	}
	return h
}

// scriptedPages builds pages of perPage records; ids divisible by photoless
// have no photos.
func scriptedPages(prefix string, pages, perPage, photoless int) []ingest.Page {
	out := make([]ingest.Page, 0, pages)
	n := 0
	for p := 0; p < pages; p++ {
		page := ingest.Page{Next: ingest.PageToken(fmt.Sprint(p + 1)), RawBody: []byte(`{"listings":[]}`)}
		for i := 0; i < perPage; i++ {
			n++
			rec := ingest.ListingRecord{
				Provider:          "acme",
				ProviderListingID: fmt.Sprintf("%s-%d", prefix, n),
				Zip:               "78701",
				Price:             float64(100000 + n),
				Status:            ingest.StatusActive,
				PropertyType:      ingest.PropertyCondo,
			}
			if photoless == 0 || n%photoless != 0 {
				rec.Images = []string{fmt.Sprintf("https://img/%s/%d.jpg", prefix, n)}
			}
			page.Records = append(page.Records, rec)
		}
		if p == pages-1 {
			page.Done = true
		}
		out = append(out, page)
	}
	return out
}

func TestWorker_EndToEndCountsAndImportRun(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{provider: "acme", pages: map[string][]ingest.Page{
		"78701": scriptedPages("z", 3, 10, 6),
	}}
	h := newHarness(t, adapter)
	w, err := New(h.deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), ingest.Assignment{
		WorkerID: 1, RunID: "run-1", Provider: "acme",
		GeoUnits: []ingest.GeoUnit{{Zip: "78701"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Units, 1)
	u := res.Units[0]
	assert.Equal(t, 3, u.Pages)
	assert.Equal(t, 30, u.Requested)
	assert.Equal(t, 25, u.Inserted)
	assert.Equal(t, 5, u.SkippedNoPhoto)
	assert.Len(t, h.listings.All(), 25)

	run, err := h.runs.GetRun(context.Background(), u.ImportRunID)
	require.NoError(t, err)
	assert.Equal(t, 30, run.Requested)
	assert.Equal(t, 25, run.Imported)
	assert.Equal(t, 5, run.Failed)
	assert.InDelta(t, 83.3, run.SuccessRate(), 0.001)
	assert.Equal(t, ingest.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	assert.EqualValues(t, 25, h.pacer.calls.Load())
	assert.Len(t, h.blobs.Paths(), 3)
	_, ok := h.blobs.Get("raw/acme/78701/" + u.ImportRunID + "/1.json")
	assert.True(t, ok)
}

func TestWorker_RateLimitedUnitIsPartialAndSkipsSweep(t *testing.T) {
	t.Parallel()
	pages := scriptedPages("r", 1, 10, 0)
	pages[0].Done = false
	pages = append(pages, ingest.Page{Done: true, RateLimited: true})
	adapter := &fakeAdapter{provider: "acme", pages: map[string][]ingest.Page{"78701": pages}}
	h := newHarness(t, adapter)
	w, err := New(h.deps, Config{StaleAfter: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), ingest.Assignment{
		Provider: "acme", GeoUnits: []ingest.GeoUnit{{Zip: "78701"}},
	})
	require.NoError(t, err)
	u := res.Units[0]
	assert.True(t, u.RateLimited)
	assert.Equal(t, ingest.RunPartial, u.Status)
	assert.Equal(t, 10, u.Imported())
	assert.Zero(t, h.sink.sweeps.Load())
}

func TestWorker_SweepsAfterExhaustedUnit(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{provider: "acme", pages: map[string][]ingest.Page{
		"78701": scriptedPages("s", 1, 2, 0),
	}}
	h := newHarness(t, adapter)
	w, err := New(h.deps, Config{StaleAfter: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Run(context.Background(), ingest.Assignment{
		Provider: "acme", GeoUnits: []ingest.GeoUnit{{Zip: "78701"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.sink.sweeps.Load())
}

func TestWorker_FatalConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.deps.Adapters = staticFactory{err: errors.New("provider acme: api key is not configured")}
	w, err := New(h.deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Run(context.Background(), ingest.Assignment{Provider: "acme", GeoUnits: []ingest.GeoUnit{{Zip: "78701"}}})
	require.ErrorIs(t, err, ErrFatalConfig)

	_, err = w.Run(context.Background(), ingest.Assignment{Provider: "acme", GeoUnits: []ingest.GeoUnit{{City: "Austin"}}})
	require.ErrorIs(t, err, ErrFatalConfig)
}

func TestWorker_RelaysNewDistressedListingsOnce(t *testing.T) {
	t.Parallel()
	pages := scriptedPages("d", 1, 3, 0)
	pages[0].Records[1].DistressedFlags = []ingest.DistressedFlag{ingest.DistressedForeclosure}
	adapter := &fakeAdapter{provider: "acme", pages: map[string][]ingest.Page{"78701": pages}}
	h := newHarness(t, adapter)
	relay := &recordingRelay{}
	h.deps.Relay = relay
	w, err := New(h.deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	a := ingest.Assignment{Provider: "acme", GeoUnits: []ingest.GeoUnit{{Zip: "78701"}}}
	res, err := w.Run(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Units[0].Relayed)

	res, err = w.Run(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Units[0].Unchanged)
	assert.Zero(t, res.Units[0].Relayed)
	assert.Len(t, relay.sent, 1)
}

func TestWorker_RelayFailureKeepsSinkWrite(t *testing.T) {
	t.Parallel()
	pages := scriptedPages("f", 1, 1, 0)
	pages[0].Records[0].DistressedFlags = []ingest.DistressedFlag{ingest.DistressedAuction}
	adapter := &fakeAdapter{provider: "acme", pages: map[string][]ingest.Page{"78701": pages}}
	h := newHarness(t, adapter)
	h.deps.Relay = &recordingRelay{err: errors.New("crm down")}
	w, err := New(h.deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), ingest.Assignment{Provider: "acme", GeoUnits: []ingest.GeoUnit{{Zip: "78701"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Units[0].Inserted)
	assert.Equal(t, ingest.RunCompleted, res.Units[0].Status)
	assert.Len(t, h.listings.All(), 1)
}

func TestWorker_ResolvesMissingPhotos(t *testing.T) {
	t.Parallel()
	pages := scriptedPages("p", 1, 1, 1)
	pages[0].Records[0].ListingURL = "https://acme.test/l/1"
	adapter := &fakeAdapter{provider: "acme", pages: map[string][]ingest.Page{"78701": pages}}
	h := newHarness(t, adapter)
	h.deps.Photos = fakePhotos{images: []string{"https://cdn/a.jpg", "https://cdn/b.jpg"}}
	w, err := New(h.deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), ingest.Assignment{Provider: "acme", GeoUnits: []ingest.GeoUnit{{Zip: "78701"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Units[0].Inserted)
	all := h.listings.All()
	require.Len(t, all, 1)
	assert.Equal(t, "https://cdn/a.jpg", all[0].Record.PrimaryImageURL)
	assert.EqualValues(t, 2, h.pacer.calls.Load())
}

func TestWorker_BoundsUnitConcurrency(t *testing.T) {
	t.Parallel()
	pages := map[string][]ingest.Page{}
	var units []ingest.GeoUnit
	for i := 0; i < 6; i++ {
		zip := fmt.Sprintf("7870%d", i)
		units = append(units, ingest.GeoUnit{Zip: zip})
		pages[zip] = scriptedPages(zip, 2, 1, 0)
	}
	adapter := &fakeAdapter{provider: "acme", pages: pages, delay: 10 * time.Millisecond}
	h := newHarness(t, adapter)
	w, err := New(h.deps, Config{UnitConcurrency: 2}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), ingest.Assignment{Provider: "acme", GeoUnits: units})
	require.NoError(t, err)
	assert.Equal(t, 12, res.Imported())
	assert.LessOrEqual(t, adapter.maxSeen.Load(), int64(2))
}

func TestWorker_PageCapStopsPagination(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{provider: "acme", pages: map[string][]ingest.Page{
		"78701": scriptedPages("c", 5, 1, 0),
	}}
	h := newHarness(t, adapter)
	w, err := New(h.deps, Config{StaleAfter: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), ingest.Assignment{
		Provider: "acme", MaxPages: 2, GeoUnits: []ingest.GeoUnit{{Zip: "78701"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Units[0].Pages)
	assert.Zero(t, h.sink.sweeps.Load())
}
