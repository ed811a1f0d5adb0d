package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

var alertCols = []string{
	"id", "type", "subject", "severity", "status", "message", "value", "threshold",
	"data", "created_at", "acknowledged_at", "resolved_at",
}

func TestAlertStore_CreateAlertDuplicateKey(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err = NewAlertStore(mock).CreateAlert(context.Background(), ingest.Alert{
		ID: "a-2", Type: ingest.AlertTrendingProperty, Subject: "lst-1", Status: ingest.AlertNew,
	})
	require.ErrorIs(t, err, ingest.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertStore_SetAlertStatus(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := created.Add(time.Hour)
	mock.ExpectQuery("UPDATE alerts SET").
		WithArgs("a-1", "acknowledged", at, "new").
		WillReturnRows(pgxmock.NewRows(alertCols).AddRow(
			"a-1", "api_quota", "acme", "warning", "acknowledged", "quota at 85%", 85.0, 80.0,
			[]byte(`{"provider":"acme"}`), created, &at, (*time.Time)(nil),
		))

	got, err := NewAlertStore(mock).SetAlertStatus(context.Background(), "a-1", ingest.AlertNew, ingest.AlertAcknowledged, at)
	require.NoError(t, err)
	assert.Equal(t, ingest.AlertAcknowledged, got.Status)
	require.NotNil(t, got.AcknowledgedAt)
	assert.True(t, got.AcknowledgedAt.Equal(at))
	assert.Nil(t, got.ResolvedAt)
	assert.Equal(t, "acme", got.Data["provider"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertStore_SetAlertStatusGuardsCurrentStatus(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE alerts SET").
		WithArgs("a-1", "acknowledged", at, "new").
		WillReturnRows(pgxmock.NewRows(alertCols))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("a-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("UPDATE alerts SET").
		WithArgs("gone", "acknowledged", at, "new").
		WillReturnRows(pgxmock.NewRows(alertCols))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("gone").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	store := NewAlertStore(mock)
	_, err = store.SetAlertStatus(context.Background(), "a-1", ingest.AlertNew, ingest.AlertAcknowledged, at)
	require.ErrorIs(t, err, ingest.ErrConflict)
	_, err = store.SetAlertStatus(context.Background(), "gone", ingest.AlertNew, ingest.AlertAcknowledged, at)
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertStore_FindUnresolvedMissing(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM alerts WHERE type").
		WithArgs("api_quota", "acme").
		WillReturnError(pgx.ErrNoRows)

	_, err = NewAlertStore(mock).FindUnresolved(context.Background(), ingest.AlertAPIQuota, "acme")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}
