package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// AlertStore persists alerts. A partial unique index on (type, subject) where
// status <> 'resolved' backs the single-unresolved rule.
type AlertStore struct {
	db DB
}

// NewAlertStore wraps db.
func NewAlertStore(db DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertColumns = `id, type, subject, severity, status, message, value, threshold,
	data, created_at, acknowledged_at, resolved_at`

// FindUnresolved returns the open alert for (alertType, subject).
func (s *AlertStore) FindUnresolved(ctx context.Context, alertType ingest.AlertType, subject string) (ingest.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE type = $1 AND subject = $2 AND status <> 'resolved'`,
		string(alertType), subject,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Alert{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Alert{}, fmt.Errorf("find unresolved %s/%s: %w", alertType, subject, err)
	}
	return a, nil
}

// CreateAlert inserts alert; a duplicate unresolved key yields ErrConflict.
func (s *AlertStore) CreateAlert(ctx context.Context, alert ingest.Alert) error {
	data, err := json.Marshal(alert.Data)
	if err != nil {
		return fmt.Errorf("encode alert data: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO alerts (`+alertColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		alert.ID, string(alert.Type), alert.Subject, string(alert.Severity), string(alert.Status),
		alert.Message, alert.Value, alert.Threshold, data, alert.CreatedAt,
		alert.AcknowledgedAt, alert.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create alert %s/%s: %w", alert.Type, alert.Subject, ingest.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create alert %s: %w", alert.ID, err)
	}
	return nil
}

// GetAlert loads one alert.
func (s *AlertStore) GetAlert(ctx context.Context, id string) (ingest.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Alert{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Alert{}, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

// ListAlerts returns alerts with status (all when empty), newest first.
func (s *AlertStore) ListAlerts(ctx context.Context, status ingest.AlertStatus) ([]ingest.Alert, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC, id DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []ingest.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// SetAlertStatus moves an alert from one status to another and stamps the
// matching timestamp. The status guard in the WHERE clause makes the move a
// compare-and-swap.
func (s *AlertStore) SetAlertStatus(ctx context.Context, id string, from, to ingest.AlertStatus, at time.Time) (ingest.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(ctx, `
UPDATE alerts SET
	status = $2,
	acknowledged_at = CASE WHEN $2 = 'acknowledged' THEN $3 ELSE acknowledged_at END,
	resolved_at = CASE WHEN $2 = 'resolved' THEN $3 ELSE resolved_at END
WHERE id = $1 AND status = $4
RETURNING `+alertColumns,
		id, string(to), at, string(from),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return ingest.Alert{}, fmt.Errorf("check alert %s: %w", id, err)
		}
		if !exists {
			return ingest.Alert{}, ingest.ErrNotFound
		}
		return ingest.Alert{}, fmt.Errorf("alert %s is not %s: %w", id, from, ingest.ErrConflict)
	}
	if err != nil {
		return ingest.Alert{}, fmt.Errorf("set alert %s status: %w", id, err)
	}
	return a, nil
}

func scanAlert(row pgx.Row) (ingest.Alert, error) {
	var (
		a                        ingest.Alert
		alertType, sev, status   string
		data                     []byte
		acknowledgedAt, resolved *time.Time
	)
	err := row.Scan(
		&a.ID, &alertType, &a.Subject, &sev, &status, &a.Message, &a.Value, &a.Threshold,
		&data, &a.CreatedAt, &acknowledgedAt, &resolved,
	)
	if err != nil {
		return ingest.Alert{}, err
	}
	a.Type = ingest.AlertType(alertType)
	a.Severity = ingest.Severity(sev)
	a.Status = ingest.AlertStatus(status)
	a.AcknowledgedAt = acknowledgedAt
	a.ResolvedAt = resolved
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &a.Data); err != nil {
			return ingest.Alert{}, fmt.Errorf("decode alert data: %w", err)
		}
	}
	return a, nil
}
