// Package sink implements the deduplicating natural-key upsert into the
// canonical listing store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
)

// Outcome describes what an upsert did to the store.
type Outcome string

// Upsert outcomes.
const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// Fingerprinter digests the mutable content of a record and its ordered images.
type Fingerprinter interface {
	Fingerprint(rec ingest.ListingRecord, images []string) (string, error)
}

// Sink upserts canonical records by natural key.
type Sink struct {
	store  ingest.ListingStore
	locker ingest.KeyLocker
	fp     Fingerprinter
	clock  ingest.Clock
	logger *zap.Logger
}

// New wires a Sink. All collaborators are required.
func New(store ingest.ListingStore, locker ingest.KeyLocker, fp Fingerprinter, clock ingest.Clock, logger *zap.Logger) (*Sink, error) {
	if store == nil || locker == nil || fp == nil || clock == nil {
		return nil, errors.New("sink requires store, locker, fingerprinter and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, locker: locker, fp: fp, clock: clock, logger: logger.Named("sink")}, nil
}

// Upsert inserts rec or updates the stored row with the same natural key.
// Unchanged input only refreshes LastSeenAt. images must hold at least one URL.
//
// The stored fingerprint is written only after every image is attached, so a
// row left behind by a failed image write, or one that lost URLs to another
// listing, is rewritten on the next upsert instead of being treated as unchanged.
func (s *Sink) Upsert(ctx context.Context, rec ingest.ListingRecord, images []string) (Outcome, error) {
	images = cleanImages(images)
	if len(images) == 0 {
		return "", ingest.ErrNoPhotos
	}
	if rec.PrimaryImageURL == "" {
		rec.PrimaryImageURL = images[0]
	}
	rec.Images = images
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = s.clock.Now()
	}

	key := rec.Key()
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	fp, err := s.fp.Fingerprint(rec, images)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", key, err)
	}

	existing, err := s.store.FindByKey(ctx, key)
	if errors.Is(err, ingest.ErrNotFound) {
		return s.insert(ctx, rec, fp, images)
	}
	if err != nil {
		return "", fmt.Errorf("find %s: %w", key, err)
	}

	if existing.Fingerprint == fp && existing.Record.Status == rec.Status {
		if err := s.store.Touch(ctx, existing.ID, rec.LastSeenAt); err != nil {
			return "", fmt.Errorf("touch %s: %w", key, err)
		}
		metrics.ObserveListing(string(Unchanged))
		return Unchanged, nil
	}

	existing.Record = rec
	existing.Fingerprint = ""
	existing.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, existing); err != nil {
		return "", fmt.Errorf("update %s: %w", key, err)
	}
	if err := s.attach(ctx, existing.ID, key, fp, images); err != nil {
		return "", err
	}
	metrics.ObserveListing(string(Updated))
	return Updated, nil
}

func (s *Sink) insert(ctx context.Context, rec ingest.ListingRecord, fp string, images []string) (Outcome, error) {
	now := s.clock.Now()
	id, err := s.store.Insert(ctx, ingest.StoredListing{
		Record:      rec,
		FirstSeenAt: now,
		UpdatedAt:   now,
	})
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", rec.Key(), err)
	}
	if err := s.attach(ctx, id, rec.Key(), fp, images); err != nil {
		return "", err
	}
	metrics.ObserveListing(string(Inserted))
	return Inserted, nil
}

// attach replaces the listing's images and commits fp when none were skipped.
func (s *Sink) attach(ctx context.Context, id string, key ingest.NaturalKey, fp string, images []string) error {
	skipped, err := s.store.ReplaceImages(ctx, id, images)
	if err != nil {
		return fmt.Errorf("replace images %s: %w", key, err)
	}
	if len(skipped) > 0 {
		s.logger.Warn("image urls already attached to another listing",
			zap.Stringer("key", key),
			zap.Strings("urls", skipped),
			zap.Error(ingest.ErrImageCollision),
		)
		return nil
	}
	if err := s.store.SetFingerprint(ctx, id, fp); err != nil {
		return fmt.Errorf("set fingerprint %s: %w", key, err)
	}
	return nil
}

// RecordError pairs a failed record with its cause.
type RecordError struct {
	Key ingest.NaturalKey
	Err error
}

// BatchResult folds the outcomes of a Batch call.
type BatchResult struct {
	Inserted       int
	Updated        int
	Unchanged      int
	SkippedNoPhoto int
	Failed         int
	Errors         []RecordError
	// New holds records whose upsert inserted a new row.
	New []ingest.ListingRecord
}

// Upserted is the number of records written or refreshed.
func (r BatchResult) Upserted() int {
	return r.Inserted + r.Updated + r.Unchanged
}

// Batch upserts each record with its own photo set. A failing record never
// stops the rest; only context cancellation ends the batch early.
func (s *Sink) Batch(ctx context.Context, records []ingest.ListingRecord) (BatchResult, error) {
	var res BatchResult
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := s.Upsert(ctx, rec, rec.PhotoURLs())
		switch {
		case errors.Is(err, ingest.ErrNoPhotos):
			res.SkippedNoPhoto++
			metrics.ObserveListing("skipped")
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, RecordError{Key: rec.Key(), Err: err})
			metrics.ObserveListing("failed")
			s.logger.Warn("upsert failed", zap.Stringer("key", rec.Key()), zap.Error(err))
		case outcome == Inserted:
			res.Inserted++
			res.New = append(res.New, rec)
		case outcome == Updated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	return res, nil
}

// SweepStale marks provider listings within geo as off_market when they were
// last seen before cutoff.
func (s *Sink) SweepStale(ctx context.Context, provider string, geo ingest.GeoUnit, cutoff time.Time) (int64, error) {
	n, err := s.store.MarkStale(ctx, provider, geo, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale %s/%s: %w", provider, geo, err)
	}
	if n > 0 {
		s.logger.Info("marked stale listings off market",
			zap.String("provider", provider),
			zap.String("geo", geo.String()),
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

func cleanImages(images []string) []string {
	seen := make(map[string]struct{}, len(images))
	out := make([]string, 0, len(images))
	for _, u := range images {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
