package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

func TestAlertStoreSingleUnresolvedPerKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewAlertStore()
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	first := ingest.Alert{ID: "a1", Type: ingest.AlertHighLeadVolume, Subject: ingest.GlobalSubject, Status: ingest.AlertNew, CreatedAt: now}
	require.NoError(t, s.CreateAlert(ctx, first))

	dup := first
	dup.ID = "a2"
	require.ErrorIs(t, s.CreateAlert(ctx, dup), ingest.ErrConflict)

	found, err := s.FindUnresolved(ctx, ingest.AlertHighLeadVolume, ingest.GlobalSubject)
	require.NoError(t, err)
	require.Equal(t, "a1", found.ID)

	_, err = s.SetAlertStatus(ctx, "a1", ingest.AlertAcknowledged, ingest.AlertResolved, now)
	require.ErrorIs(t, err, ingest.ErrConflict)
	_, err = s.SetAlertStatus(ctx, "nope", ingest.AlertNew, ingest.AlertAcknowledged, now)
	require.ErrorIs(t, err, ingest.ErrNotFound)

	acked, err := s.SetAlertStatus(ctx, "a1", ingest.AlertNew, ingest.AlertAcknowledged, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, acked.AcknowledgedAt)
	require.ErrorIs(t, s.CreateAlert(ctx, dup), ingest.ErrConflict)

	resolved, err := s.SetAlertStatus(ctx, "a1", ingest.AlertAcknowledged, ingest.AlertResolved, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = s.FindUnresolved(ctx, ingest.AlertHighLeadVolume, ingest.GlobalSubject)
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, s.CreateAlert(ctx, dup))

	open, err := s.ListAlerts(ctx, ingest.AlertNew)
	require.NoError(t, err)
	require.Len(t, open, 1)
	all, err := s.ListAlerts(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
