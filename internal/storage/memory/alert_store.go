package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// AlertStore keeps alerts in memory and rejects a second unresolved alert per key.
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]ingest.Alert
}

// NewAlertStore constructs an empty AlertStore.
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]ingest.Alert)}
}

// FindUnresolved returns the open alert for (alertType, subject), if any.
func (s *AlertStore) FindUnresolved(_ context.Context, alertType ingest.AlertType, subject string) (ingest.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.Type == alertType && a.Subject == subject && a.Unresolved() {
			return a, nil
		}
	}
	return ingest.Alert{}, ingest.ErrNotFound
}

// CreateAlert stores a new alert.
func (s *AlertStore) CreateAlert(_ context.Context, alert ingest.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return fmt.Errorf("create alert %s: %w", alert.ID, ingest.ErrConflict)
	}
	for _, a := range s.alerts {
		if a.Type == alert.Type && a.Subject == alert.Subject && a.Unresolved() {
			return fmt.Errorf("create alert %s/%s: %w", alert.Type, alert.Subject, ingest.ErrConflict)
		}
	}
	s.alerts[alert.ID] = alert
	return nil
}

// GetAlert returns one alert.
func (s *AlertStore) GetAlert(_ context.Context, id string) (ingest.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return ingest.Alert{}, ingest.ErrNotFound
	}
	return a, nil
}

// ListAlerts returns alerts with the given status (all when empty), newest first.
func (s *AlertStore) ListAlerts(_ context.Context, status ingest.AlertStatus) ([]ingest.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SetAlertStatus moves an alert from one status to another and stamps the transition time.
func (s *AlertStore) SetAlertStatus(_ context.Context, id string, from, to ingest.AlertStatus, at time.Time) (ingest.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ingest.Alert{}, ingest.ErrNotFound
	}
	if a.Status != from {
		return ingest.Alert{}, fmt.Errorf("alert %s is %s, not %s: %w", id, a.Status, from, ingest.ErrConflict)
	}
	a.Status = to
	switch to {
	case ingest.AlertAcknowledged:
		a.AcknowledgedAt = &at
	case ingest.AlertResolved:
		a.ResolvedAt = &at
	}
	s.alerts[id] = a
	return a, nil
}
