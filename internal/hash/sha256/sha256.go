// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// Hasher implements ingest.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint digests the stored content of a listing: every field except
// LastSeenAt, with images in display order.
func (h *Hasher) Fingerprint(rec ingest.ListingRecord, images []string) (string, error) {
	rec.LastSeenAt = time.Time{}
	rec.Images = images
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal listing: %w", err)
	}
	return h.Hash(data)
}
