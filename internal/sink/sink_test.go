package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/lock"
	"github.com/JakeFAU/property-pipeline/internal/storage/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newSink(t *testing.T) (*Sink, *memory.ListingStore) {
	t.Helper()
	store := memory.NewListingStore()
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s, err := New(store, lock.NewKeyed(), sha256.New(), clock, zap.NewNop())
	require.NoError(t, err)
	return s, store
}

func record(id string) ingest.ListingRecord {
	return ingest.ListingRecord{
		Provider:          "acme",
		ProviderListingID: id,
		Address:           "1 Main St",
		City:              "Austin",
		State:             "TX",
		Zip:               "78701",
		Price:             350000,
		Bedrooms:          3,
		Bathrooms:         2,
		PropertyType:      ingest.PropertySingleFamily,
		Status:            ingest.StatusActive,
	}
}

func TestUpsert_IdempotentBesidesLastSeen(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)
	ctx := context.Background()
	images := []string{"https://img/1.jpg", "https://img/2.jpg"}

	out, err := s.Upsert(ctx, record("L1"), images)
	require.NoError(t, err)
	assert.Equal(t, Inserted, out)
	first := store.All()[0]

	out, err = s.Upsert(ctx, record("L1"), images)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)
	second := store.All()[0]

	require.Len(t, store.All(), 1)
	assert.True(t, second.Record.LastSeenAt.After(first.Record.LastSeenAt))
	first.Record.LastSeenAt = time.Time{}
	second.Record.LastSeenAt = time.Time{}
	assert.Equal(t, first, second)

	refs, err := store.ListImages(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "https://img/1.jpg", refs[0].URL)
}

func TestUpsert_UpdatesChangedContent(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, record("L1"), []string{"https://img/1.jpg"})
	require.NoError(t, err)

	changed := record("L1")
	changed.Price = 325000
	changed.Status = ingest.StatusPending
	out, err := s.Upsert(ctx, changed, []string{"https://img/3.jpg", "https://img/1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, Updated, out)

	got := store.All()[0]
	assert.InDelta(t, 325000, got.Record.Price, 0.001)
	assert.Equal(t, ingest.StatusPending, got.Record.Status)
	assert.Equal(t, "https://img/3.jpg", got.Record.PrimaryImageURL)

	refs, err := store.ListImages(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "https://img/3.jpg", refs[0].URL)
}

func TestUpsert_NeverSharesImagesAcrossListings(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, record("L1"), []string{"https://img/shared.jpg", "https://img/a.jpg"})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, record("L2"), []string{"https://img/shared.jpg", "https://img/b.jpg"})
	require.NoError(t, err)

	for url, owners := range store.ImageOwners() {
		assert.Len(t, owners, 1, "url %s", url)
	}
	all := store.All()
	require.Len(t, all, 2)
	var l2 ingest.StoredListing
	for _, l := range all {
		if l.Record.ProviderListingID == "L2" {
			l2 = l
		}
	}
	refs, err := store.ListImages(ctx, l2.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "https://img/b.jpg", refs[0].URL)
}

func TestUpsert_RejectsPhotoless(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)

	_, err := s.Upsert(context.Background(), record("L1"), []string{" ", ""})
	require.ErrorIs(t, err, ingest.ErrNoPhotos)
	assert.Empty(t, store.All())
}

func TestUpsert_ConcurrentSameKeyInsertsOnce(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.Upsert(ctx, record("L1"), []string{"https://img/1.jpg"})
			assert.NoError(t, err)
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[Inserted])
	assert.Len(t, store.All(), 1)
}

type failingStore struct {
	*memory.ListingStore
	failKey string
}

func (f failingStore) Insert(ctx context.Context, l ingest.StoredListing) (string, error) {
	if l.Record.ProviderListingID == f.failKey {
		return "", errors.New("disk full")
	}
	return f.ListingStore.Insert(ctx, l)
}

func TestBatch_IsolatesRecordFailures(t *testing.T) {
	t.Parallel()
	store := failingStore{ListingStore: memory.NewListingStore(), failKey: "L2"}
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s, err := New(store, lock.NewKeyed(), sha256.New(), clock, zap.NewNop())
	require.NoError(t, err)

	var records []ingest.ListingRecord
	for i := 1; i <= 4; i++ {
		r := record(fmt.Sprintf("L%d", i))
		if i != 3 {
			r.Images = []string{fmt.Sprintf("https://img/%d.jpg", i)}
		}
		records = append(records, r)
	}

	res, err := s.Batch(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.SkippedNoPhoto)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "L2", res.Errors[0].Key.ProviderListingID)
	assert.Equal(t, 2, res.Upserted())
	assert.Len(t, res.New, 2)
}

func TestSweepStale_OnlyOlderThanCutoff(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)
	ctx := context.Background()

	old := record("old")
	old.LastSeenAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := record("fresh")
	fresh.LastSeenAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Upsert(ctx, old, []string{"https://img/old.jpg"})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, fresh, []string{"https://img/fresh.jpg"})
	require.NoError(t, err)

	n, err := s.SweepStale(ctx, "acme", ingest.GeoUnit{Zip: "78701"}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	for _, l := range store.All() {
		if l.Record.ProviderListingID == "old" {
			assert.Equal(t, ingest.StatusOffMarket, l.Record.Status)
		} else {
			assert.Equal(t, ingest.StatusActive, l.Record.Status)
		}
	}
}

func TestUpsert_ReactivatesSweptListing(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)
	ctx := context.Background()
	images := []string{"https://img/1.jpg"}

	rec := record("L1")
	rec.LastSeenAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Upsert(ctx, rec, images)
	require.NoError(t, err)

	n, err := s.SweepStale(ctx, "acme", ingest.GeoUnit{Zip: "78701"}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, ingest.StatusOffMarket, store.All()[0].Record.Status)

	rec.LastSeenAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out, err := s.Upsert(ctx, rec, images)
	require.NoError(t, err)
	assert.Equal(t, Updated, out)
	assert.Equal(t, ingest.StatusActive, store.All()[0].Record.Status)

	out, err = s.Upsert(ctx, rec, images)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)
}

type flakyImageStore struct {
	*memory.ListingStore
	mu    sync.Mutex
	fails int
}

func (f *flakyImageStore) ReplaceImages(ctx context.Context, id string, urls []string) ([]string, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.ListingStore.ReplaceImages(ctx, id, urls)
}

func TestUpsert_RetriesImagesAfterFailedWrite(t *testing.T) {
	t.Parallel()
	store := &flakyImageStore{ListingStore: memory.NewListingStore(), fails: 1}
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s, err := New(store, lock.NewKeyed(), sha256.New(), clock, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	images := []string{"https://img/1.jpg"}

	_, err = s.Upsert(ctx, record("L1"), images)
	require.Error(t, err)
	require.Len(t, store.All(), 1)
	assert.Empty(t, store.All()[0].Fingerprint)

	out, err := s.Upsert(ctx, record("L1"), images)
	require.NoError(t, err)
	assert.Equal(t, Updated, out)
	refs, err := store.ListImages(ctx, store.All()[0].ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.NotEmpty(t, store.All()[0].Fingerprint)
}

func TestUpsert_RetriesSkippedImagesOnceReleased(t *testing.T) {
	t.Parallel()
	s, store := newSink(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, record("L1"), []string{"https://img/shared.jpg"})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, record("L2"), []string{"https://img/shared.jpg", "https://img/b.jpg"})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, record("L1"), []string{"https://img/a.jpg"})
	require.NoError(t, err)

	out, err := s.Upsert(ctx, record("L2"), []string{"https://img/shared.jpg", "https://img/b.jpg"})
	require.NoError(t, err)
	assert.Equal(t, Updated, out)
	for _, l := range store.All() {
		if l.Record.ProviderListingID != "L2" {
			continue
		}
		refs, err := store.ListImages(ctx, l.ID)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "https://img/shared.jpg", refs[0].URL)
	}
}
