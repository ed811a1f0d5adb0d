package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/webhook"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestWebhookSend_PostsDistressedListing(t *testing.T) {
	t.Parallel()
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- ev
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	relay, err := NewWebhook(srv.URL, nil, fixedClock{now: now})
	require.NoError(t, err)

	rec := ingest.ListingRecord{
		Provider:          "acme",
		ProviderListingID: "42",
		Zip:               "78701",
		DistressedFlags:   []ingest.DistressedFlag{ingest.DistressedForeclosure},
	}
	require.NoError(t, relay.Send(context.Background(), rec))

	ev := <-received
	assert.Equal(t, EventDistressedListing, ev.Event)
	assert.Equal(t, rec.Key().String(), ev.Key)
	assert.True(t, now.Equal(ev.SentAt))
	assert.Equal(t, "42", ev.Listing.ProviderListingID)
}

func TestWebhookSend_ErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	relay, err := NewWebhook(srv.URL, webhook.New(webhook.Options{Timeout: time.Second}), fixedClock{})
	require.NoError(t, err)

	err = relay.Send(context.Background(), ingest.ListingRecord{Provider: "acme", ProviderListingID: "1"})
	var statusErr *webhook.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	t.Parallel()
	_, err := NewWebhook("", nil, fixedClock{})
	require.Error(t, err)
}
