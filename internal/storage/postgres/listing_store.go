package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// ListingStore persists canonical listings in the listings and listing_images tables.
type ListingStore struct {
	db DB
}

// NewListingStore wraps db.
func NewListingStore(db DB) *ListingStore {
	return &ListingStore{db: db}
}

const listingColumns = `id, provider, provider_listing_id, address, city, state, zip, price,
	bedrooms, bathrooms, area, property_type, status, latitude, longitude,
	primary_image_url, listing_url, virtual_tour_url, distressed_flags,
	fingerprint, first_seen_at, updated_at, last_seen_at`

// FindByKey loads a listing by natural key.
func (s *ListingStore) FindByKey(ctx context.Context, key ingest.NaturalKey) (ingest.StoredListing, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE provider = $1 AND provider_listing_id = $2`,
		key.Provider, key.ProviderListingID,
	)
	var (
		l            ingest.StoredListing
		propertyType string
		status       string
		flags        []string
	)
	r := &l.Record
	err := row.Scan(
		&l.ID, &r.Provider, &r.ProviderListingID, &r.Address, &r.City, &r.State, &r.Zip, &r.Price,
		&r.Bedrooms, &r.Bathrooms, &r.Area, &propertyType, &status, &r.Latitude, &r.Longitude,
		&r.PrimaryImageURL, &r.ListingURL, &r.VirtualTourURL, &flags,
		&l.Fingerprint, &l.FirstSeenAt, &l.UpdatedAt, &r.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.StoredListing{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.StoredListing{}, fmt.Errorf("find listing %s: %w", key, err)
	}
	r.PropertyType = ingest.PropertyType(propertyType)
	r.Status = ingest.ListingStatus(status)
	for _, f := range flags {
		r.DistressedFlags = append(r.DistressedFlags, ingest.DistressedFlag(f))
	}
	return l, nil
}

// Insert adds a listing and returns the generated id.
func (s *ListingStore) Insert(ctx context.Context, l ingest.StoredListing) (string, error) {
	r := l.Record
	var id string
	err := s.db.QueryRow(ctx, `
INSERT INTO listings (
	provider, provider_listing_id, address, city, state, zip, price,
	bedrooms, bathrooms, area, property_type, status, latitude, longitude,
	primary_image_url, listing_url, virtual_tour_url, distressed_flags,
	fingerprint, first_seen_at, updated_at, last_seen_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (provider, provider_listing_id) DO NOTHING
RETURNING id`,
		r.Provider, r.ProviderListingID, r.Address, r.City, r.State, r.Zip, r.Price,
		r.Bedrooms, r.Bathrooms, r.Area, string(r.PropertyType), string(r.Status), r.Latitude, r.Longitude,
		r.PrimaryImageURL, r.ListingURL, r.VirtualTourURL, flagStrings(r.DistressedFlags),
		l.Fingerprint, l.FirstSeenAt, l.UpdatedAt, r.LastSeenAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("insert listing %s: %w", r.Key(), ingest.ErrConflict)
	}
	if err != nil {
		return "", fmt.Errorf("insert listing %s: %w", r.Key(), err)
	}
	return id, nil
}

// Update overwrites the mutable columns of an existing listing.
func (s *ListingStore) Update(ctx context.Context, l ingest.StoredListing) error {
	r := l.Record
	tag, err := s.db.Exec(ctx, `
UPDATE listings SET
	address = $2, city = $3, state = $4, zip = $5, price = $6, bedrooms = $7, bathrooms = $8,
	area = $9, property_type = $10, status = $11, latitude = $12, longitude = $13,
	primary_image_url = $14, listing_url = $15, virtual_tour_url = $16, distressed_flags = $17,
	fingerprint = $18, updated_at = $19, last_seen_at = $20
WHERE id = $1`,
		l.ID, r.Address, r.City, r.State, r.Zip, r.Price, r.Bedrooms, r.Bathrooms,
		r.Area, string(r.PropertyType), string(r.Status), r.Latitude, r.Longitude,
		r.PrimaryImageURL, r.ListingURL, r.VirtualTourURL, flagStrings(r.DistressedFlags),
		l.Fingerprint, l.UpdatedAt, r.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("update listing %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// Touch refreshes last_seen_at only.
func (s *ListingStore) Touch(ctx context.Context, id string, seenAt time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE listings SET last_seen_at = $2 WHERE id = $1`, id, seenAt)
	if err != nil {
		return fmt.Errorf("touch listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// ReplaceImages deletes and reinserts the listing's images in one transaction.
// The unique index on listing_images.url makes a URL owned by another listing
// a no-op insert, which is reported as skipped.
func (s *ListingStore) ReplaceImages(ctx context.Context, listingID string, urls []string) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace images: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `DELETE FROM listing_images WHERE listing_id = $1`, listingID); err != nil {
		return nil, fmt.Errorf("delete images for %s: %w", listingID, err)
	}

	var skipped []string
	seen := make(map[string]struct{}, len(urls))
	index := 0
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		tag, err := tx.Exec(ctx,
			`INSERT INTO listing_images (listing_id, url, display_index) VALUES ($1, $2, $3) ON CONFLICT (url) DO NOTHING`,
			listingID, u, index,
		)
		if err != nil {
			return nil, fmt.Errorf("insert image for %s: %w", listingID, err)
		}
		if tag.RowsAffected() == 0 {
			skipped = append(skipped, u)
			continue
		}
		index++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace images: %w", err)
	}
	return skipped, nil
}

// ListImages returns the listing's images in display order.
func (s *ListingStore) ListImages(ctx context.Context, listingID string) ([]ingest.ImageRef, error) {
	rows, err := s.db.Query(ctx,
		`SELECT listing_id, url, display_index FROM listing_images WHERE listing_id = $1 ORDER BY display_index`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list images for %s: %w", listingID, err)
	}
	defer rows.Close()

	var out []ingest.ImageRef
	for rows.Next() {
		var ref ingest.ImageRef
		if err := rows.Scan(&ref.ListingID, &ref.URL, &ref.DisplayIndex); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return out, nil
}

// SetFingerprint stores the content digest of a listing.
func (s *ListingStore) SetFingerprint(ctx context.Context, listingID, fingerprint string) error {
	tag, err := s.db.Exec(ctx, `UPDATE listings SET fingerprint = $2 WHERE id = $1`, listingID, fingerprint)
	if err != nil {
		return fmt.Errorf("set fingerprint for %s: %w", listingID, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// MarkStale flags listings of provider within geo that were last seen before cutoff.
func (s *ListingStore) MarkStale(ctx context.Context, provider string, geo ingest.GeoUnit, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE listings SET status = 'off_market', fingerprint = '', updated_at = now()
WHERE provider = $1
	AND status <> 'off_market'
	AND last_seen_at < $2
	AND (
		($3 <> '' AND zip = $3)
		OR ($3 = '' AND lower(city) = lower($4) AND upper(state) = upper($5))
	)`,
		provider, cutoff, geo.Zip, geo.City, geo.State,
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale listings for %s/%s: %w", provider, geo, err)
	}
	return tag.RowsAffected(), nil
}

func flagStrings(flags []ingest.DistressedFlag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
