// Package relay pushes newly ingested distressed listings to a CRM webhook.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/webhook"
)

// EventDistressedListing is the event name carried in every relay payload.
const EventDistressedListing = "distressed_listing"

// Poster sends one JSON payload.
type Poster interface {
	PostJSON(ctx context.Context, url string, payload any) error
}

// Event is the body posted to the CRM.
type Event struct {
	Event   string               `json:"event"`
	Key     string               `json:"key"`
	SentAt  time.Time            `json:"sent_at"`
	Listing ingest.ListingRecord `json:"listing"`
}

// Webhook implements ingest.Relay over HTTP.
type Webhook struct {
	url    string
	poster Poster
	clock  ingest.Clock
}

// NewWebhook builds a relay for url. A nil poster uses a webhook.Client with
// the default 10s timeout.
func NewWebhook(url string, poster Poster, clock ingest.Clock) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("relay url is required")
	}
	if clock == nil {
		return nil, errors.New("relay requires a clock")
	}
	if poster == nil {
		poster = webhook.New(webhook.Options{})
	}
	return &Webhook{url: url, poster: poster, clock: clock}, nil
}

// Send posts one distressed listing.
func (w *Webhook) Send(ctx context.Context, record ingest.ListingRecord) error {
	ev := Event{
		Event:   EventDistressedListing,
		Key:     record.Key().String(),
		SentAt:  w.clock.Now().UTC(),
		Listing: record,
	}
	if err := w.poster.PostJSON(ctx, w.url, ev); err != nil {
		return fmt.Errorf("relay %s: %w", ev.Key, err)
	}
	return nil
}
