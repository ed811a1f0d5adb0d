// Package memory holds in-process implementations of the pipeline stores for
// local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// ListingStore is an in-memory canonical listing store.
type ListingStore struct {
	mu       sync.RWMutex
	seq      int
	listings map[string]ingest.StoredListing
	byKey    map[ingest.NaturalKey]string
	images   map[string][]ingest.ImageRef
	imageOwn map[string]string
}

// NewListingStore constructs an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{
		listings: make(map[string]ingest.StoredListing),
		byKey:    make(map[ingest.NaturalKey]string),
		images:   make(map[string][]ingest.ImageRef),
		imageOwn: make(map[string]string),
	}
}

// FindByKey looks a listing up by natural key.
func (s *ListingStore) FindByKey(_ context.Context, key ingest.NaturalKey) (ingest.StoredListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return ingest.StoredListing{}, ingest.ErrNotFound
	}
	return cloneListing(s.listings[id]), nil
}

// Insert adds a listing and assigns its id.
func (s *ListingStore) Insert(_ context.Context, listing ingest.StoredListing) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listing.Record.Key()
	if _, exists := s.byKey[key]; exists {
		return "", fmt.Errorf("insert listing %s: %w", key, ingest.ErrConflict)
	}
	s.seq++
	listing.ID = fmt.Sprintf("listing-%d", s.seq)
	s.listings[listing.ID] = cloneListing(listing)
	s.byKey[key] = listing.ID
	return listing.ID, nil
}

// Update overwrites the mutable content of an existing listing.
func (s *ListingStore) Update(_ context.Context, listing ingest.StoredListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[listing.ID]; !ok {
		return ingest.ErrNotFound
	}
	s.listings[listing.ID] = cloneListing(listing)
	return nil
}

// Touch refreshes LastSeenAt only.
func (s *ListingStore) Touch(_ context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return ingest.ErrNotFound
	}
	l.Record.LastSeenAt = seenAt
	s.listings[id] = l
	return nil
}

// ReplaceImages swaps the listing's image set, skipping URLs owned by another listing.
func (s *ListingStore) ReplaceImages(_ context.Context, listingID string, urls []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[listingID]; !ok {
		return nil, ingest.ErrNotFound
	}
	for _, ref := range s.images[listingID] {
		delete(s.imageOwn, ref.URL)
	}

	refs := make([]ingest.ImageRef, 0, len(urls))
	var skipped []string
	for _, u := range urls {
		if owner, taken := s.imageOwn[u]; taken && owner != listingID {
			skipped = append(skipped, u)
			continue
		}
		if _, dup := s.imageOwn[u]; dup {
			continue
		}
		s.imageOwn[u] = listingID
		refs = append(refs, ingest.ImageRef{ListingID: listingID, URL: u, DisplayIndex: len(refs)})
	}
	s.images[listingID] = refs
	return skipped, nil
}

// ListImages returns the listing's images in display order.
func (s *ListingStore) ListImages(_ context.Context, listingID string) ([]ingest.ImageRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.ImageRef(nil), s.images[listingID]...), nil
}

// SetFingerprint stores the content digest of a listing.
func (s *ListingStore) SetFingerprint(_ context.Context, listingID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return ingest.ErrNotFound
	}
	l.Fingerprint = fingerprint
	s.listings[listingID] = l
	return nil
}

// MarkStale sets off_market on matching listings last seen before cutoff.
func (s *ListingStore) MarkStale(_ context.Context, provider string, geo ingest.GeoUnit, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.listings {
		r := l.Record
		if r.Provider != provider || r.Status == ingest.StatusOffMarket || !inGeo(r, geo) {
			continue
		}
		if !r.LastSeenAt.Before(cutoff) {
			continue
		}
		l.Record.Status = ingest.StatusOffMarket
		l.Fingerprint = ""
		s.listings[id] = l
		n++
	}
	return n, nil
}

// All returns every stored listing ordered by id.
func (s *ListingStore) All() []ingest.StoredListing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.StoredListing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, cloneListing(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ImageOwners maps every attached image URL to the ids holding it.
func (s *ListingStore) ImageOwners() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string)
	for id, refs := range s.images {
		for _, ref := range refs {
			out[ref.URL] = append(out[ref.URL], id)
		}
	}
	return out
}

func inGeo(r ingest.ListingRecord, geo ingest.GeoUnit) bool {
	if geo.Zip != "" {
		return r.Zip == geo.Zip
	}
	return strings.EqualFold(r.City, geo.City) && strings.EqualFold(r.State, geo.State)
}

func cloneListing(l ingest.StoredListing) ingest.StoredListing {
	l.Record.Images = append([]string(nil), l.Record.Images...)
	l.Record.DistressedFlags = append([]ingest.DistressedFlag(nil), l.Record.DistressedFlags...)
	return l
}
