// Package monitor runs periodic anomaly checks over pipeline and engagement
// aggregates and turns breaches into durable, deduplicated alerts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/lock"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
)

const (
	defaultInterval = 15 * time.Minute
	criticalQuota   = 95.0
)

// ErrInvalidTransition is returned when an operator action does not apply to
// the alert's current status.
var ErrInvalidTransition = errors.New("invalid alert status transition")

// Config controls the monitoring loop.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
}

// Deps are the collaborators of a Service. Quota, Locker and Notifier are optional.
type Deps struct {
	Alerts    ingest.AlertStore
	Analytics ingest.AnalyticsStore
	Runs      ingest.ImportRunStore
	Quota     ingest.QuotaTracker
	Locker    ingest.KeyLocker
	Notifier  Notifier
	Clock     ingest.Clock
	IDs       ingest.IDGenerator
}

// Service evaluates the checks and manages alert lifecycle.
type Service struct {
	deps     Deps
	interval time.Duration
	limits   Thresholds
	logger   *zap.Logger
}

// finding is one threshold breach before it becomes an Alert.
type finding struct {
	alertType ingest.AlertType
	subject   string
	severity  ingest.Severity
	message   string
	value     float64
	threshold float64
	data      map[string]any
}

type check struct {
	name string
	run  func(ctx context.Context, now time.Time) ([]finding, error)
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Service, error) {
	if deps.Alerts == nil || deps.Analytics == nil || deps.Runs == nil {
		return nil, errors.New("monitor requires alert, analytics and run stores")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("monitor requires clock and ids")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("monitor")
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyed()
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(logger)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		deps:     deps,
		interval: interval,
		limits:   cfg.Thresholds.withDefaults(),
		logger:   logger,
	}, nil
}

// Thresholds returns the effective limits.
func (s *Service) Thresholds() Thresholds {
	return s.limits
}

// Run executes one pass immediately and then one per interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("monitor started", zap.Duration("interval", s.interval))
	s.pass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Service) pass(ctx context.Context) {
	created, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("monitor pass finished with errors", zap.Error(err))
	}
	s.logger.Info("monitor pass complete", zap.Int("alerts_created", len(created)))
}

// RunOnce evaluates every check and returns the alerts it created. A failing
// check does not stop the others; their errors are joined.
func (s *Service) RunOnce(ctx context.Context) ([]ingest.Alert, error) {
	now := s.deps.Clock.Now()
	var (
		created []ingest.Alert
		errs    []error
	)
	for _, c := range s.checks() {
		found, err := c.run(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s check: %w", c.name, err))
			continue
		}
		for _, f := range found {
			a, ok, err := s.raise(ctx, f, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				created = append(created, a)
			}
		}
	}
	return created, errors.Join(errs...)
}

func (s *Service) checks() []check {
	return []check{
		{name: string(ingest.AlertHighLeadVolume), run: s.checkLeadVolume},
		{name: string(ingest.AlertImportFailure), run: s.checkImportFailures},
		{name: string(ingest.AlertMarketHeatSwing), run: s.checkHeatSwing},
		{name: string(ingest.AlertLowConversion), run: s.checkLowConversion},
		{name: string(ingest.AlertTrendingProperty), run: s.checkTrending},
		{name: string(ingest.AlertAPIQuota), run: s.checkQuota},
	}
}

// raise persists f as a new alert unless one is already unresolved for its key,
// then notifies. Notification failures are logged only.
func (s *Service) raise(ctx context.Context, f finding, now time.Time) (ingest.Alert, bool, error) {
	a, ok, err := s.create(ctx, f, now)
	if err != nil || !ok {
		return a, ok, err
	}
	metrics.ObserveAlert(string(a.Type))
	s.logger.Info("alert created",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("subject", a.Subject),
	)

	if err := s.deps.Notifier.Notify(ctx, a); err != nil {
		if _, multi := s.deps.Notifier.(Multi); !multi {
			metrics.ObserveNotifierFailure(s.deps.Notifier.Name())
		}
		s.logger.Warn("alert notification failed", zap.String("alert_id", a.ID), zap.Error(err))
	}
	return a, true, nil
}

func (s *Service) create(ctx context.Context, f finding, now time.Time) (ingest.Alert, bool, error) {
	key := "alert:" + string(f.alertType) + "|" + f.subject
	unlock, err := s.deps.Locker.Lock(ctx, key)
	if err != nil {
		return ingest.Alert{}, false, err
	}
	defer unlock()

	_, err = s.deps.Alerts.FindUnresolved(ctx, f.alertType, f.subject)
	switch {
	case err == nil:
		return ingest.Alert{}, false, nil
	case !errors.Is(err, ingest.ErrNotFound):
		return ingest.Alert{}, false, fmt.Errorf("find unresolved %s: %w", key, err)
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		return ingest.Alert{}, false, fmt.Errorf("alert id: %w", err)
	}
	a := ingest.Alert{
		ID:        id,
		Type:      f.alertType,
		Subject:   f.subject,
		Severity:  f.severity,
		Status:    ingest.AlertNew,
		Message:   f.message,
		Value:     f.value,
		Threshold: f.threshold,
		Data:      f.data,
		CreatedAt: now,
	}
	if err := s.deps.Alerts.CreateAlert(ctx, a); err != nil {
		// Another process won the race for this key.
		if errors.Is(err, ingest.ErrConflict) {
			return ingest.Alert{}, false, nil
		}
		return ingest.Alert{}, false, fmt.Errorf("create alert %s: %w", key, err)
	}
	return a, true, nil
}

// Acknowledge moves a new alert to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id string) (ingest.Alert, error) {
	return s.transition(ctx, id, ingest.AlertAcknowledged)
}

// Resolve closes an alert, allowing the same condition to alert again.
func (s *Service) Resolve(ctx context.Context, id string) (ingest.Alert, error) {
	return s.transition(ctx, id, ingest.AlertResolved)
}

func (s *Service) transition(ctx context.Context, id string, to ingest.AlertStatus) (ingest.Alert, error) {
	a, err := s.deps.Alerts.GetAlert(ctx, id)
	if err != nil {
		return ingest.Alert{}, fmt.Errorf("get alert %s: %w", id, err)
	}
	if (to == ingest.AlertAcknowledged && a.Status != ingest.AlertNew) ||
		(to == ingest.AlertResolved && a.Status == ingest.AlertResolved) {
		return ingest.Alert{}, fmt.Errorf("%s -> %s: %w", a.Status, to, ErrInvalidTransition)
	}
	updated, err := s.deps.Alerts.SetAlertStatus(ctx, id, a.Status, to, s.deps.Clock.Now())
	if errors.Is(err, ingest.ErrConflict) {
		return ingest.Alert{}, fmt.Errorf("%s -> %s: %w", a.Status, to, ErrInvalidTransition)
	}
	if err != nil {
		return ingest.Alert{}, fmt.Errorf("set alert %s status: %w", id, err)
	}
	s.logger.Info("alert status changed", zap.String("alert_id", id), zap.String("status", string(to)))
	return updated, nil
}

// List returns alerts with status, or every alert when status is empty.
func (s *Service) List(ctx context.Context, status ingest.AlertStatus) ([]ingest.Alert, error) {
	return s.deps.Alerts.ListAlerts(ctx, status)
}

func (s *Service) checkLeadVolume(ctx context.Context, now time.Time) ([]finding, error) {
	counts, err := s.deps.Analytics.LeadsSince(ctx, now.Add(-s.limits.LeadVolumeWindow))
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total < s.limits.HighLeadVolume {
		return nil, nil
	}
	return []finding{{
		alertType: ingest.AlertHighLeadVolume,
		subject:   ingest.GlobalSubject,
		severity:  severityAbove(float64(total), float64(s.limits.HighLeadVolume)),
		message:   fmt.Sprintf("%d leads in the last %s", total, s.limits.LeadVolumeWindow),
		value:     float64(total),
		threshold: float64(s.limits.HighLeadVolume),
		data:      map[string]any{"window": s.limits.LeadVolumeWindow.String()},
	}}, nil
}

func (s *Service) checkImportFailures(ctx context.Context, now time.Time) ([]finding, error) {
	runs, err := s.deps.Runs.ListRuns(ctx, ingest.RunFilter{Since: now.Add(-s.limits.ImportWindow)})
	if err != nil {
		return nil, err
	}
	type totals struct{ runs, requested, imported int }
	byProvider := make(map[string]*totals)
	for _, r := range runs {
		if r.Status == ingest.RunStarted {
			continue
		}
		t, ok := byProvider[r.Provider]
		if !ok {
			t = &totals{}
			byProvider[r.Provider] = t
		}
		t.runs++
		t.requested += r.Requested
		t.imported += r.Imported
	}

	var out []finding
	for _, provider := range sortedKeys(byProvider) {
		t := byProvider[provider]
		if t.requested == 0 {
			continue
		}
		rate := round1(float64(t.requested-t.imported) / float64(t.requested) * 100)
		if rate < s.limits.ImportFailure {
			continue
		}
		out = append(out, finding{
			alertType: ingest.AlertImportFailure,
			subject:   provider,
			severity:  severityAbove(rate, s.limits.ImportFailure),
			message:   fmt.Sprintf("%s import failure rate %.1f%% over %d runs", provider, rate, t.runs),
			value:     rate,
			threshold: s.limits.ImportFailure,
			data: map[string]any{
				"runs":      t.runs,
				"requested": t.requested,
				"imported":  t.imported,
			},
		})
	}
	return out, nil
}

func (s *Service) checkHeatSwing(ctx context.Context, _ time.Time) ([]finding, error) {
	markets, err := s.deps.Analytics.ListMarketAnalytics(ctx)
	if err != nil {
		return nil, err
	}
	var out []finding
	for _, m := range markets {
		if !m.HasPrevious {
			continue
		}
		delta := round1(m.HeatScore - m.PreviousHeatScore)
		if math.Abs(delta) < s.limits.MarketHeatSwing {
			continue
		}
		direction := "up"
		if delta < 0 {
			direction = "down"
		}
		out = append(out, finding{
			alertType: ingest.AlertMarketHeatSwing,
			subject:   m.Market(),
			severity:  ingest.SeverityWarning,
			message:   fmt.Sprintf("%s, %s heat moved %s by %.1f points", m.City, m.State, direction, math.Abs(delta)),
			value:     delta,
			threshold: s.limits.MarketHeatSwing,
			data: map[string]any{
				"previous": m.PreviousHeatScore,
				"current":  m.HeatScore,
				"heat":     string(m.Heat),
			},
		})
	}
	return out, nil
}

func (s *Service) checkLowConversion(ctx context.Context, _ time.Time) ([]finding, error) {
	props, err := s.deps.Analytics.ListPropertyMetrics(ctx)
	if err != nil {
		return nil, err
	}
	var out []finding
	for _, p := range props {
		if p.TotalLeads < s.limits.LowConversionMinLeads || p.LeadToConversionRate >= s.limits.LowConversion {
			continue
		}
		out = append(out, finding{
			alertType: ingest.AlertLowConversion,
			subject:   p.PropertyID,
			severity:  ingest.SeverityWarning,
			message:   fmt.Sprintf("property %s converts %.1f%% of %d leads", p.PropertyID, p.LeadToConversionRate, p.TotalLeads),
			value:     p.LeadToConversionRate,
			threshold: s.limits.LowConversion,
			data:      map[string]any{"leads": p.TotalLeads, "conversions": p.TotalConversions},
		})
	}
	return out, nil
}

func (s *Service) checkTrending(ctx context.Context, now time.Time) ([]finding, error) {
	counts, err := s.deps.Analytics.LeadsSince(ctx, now.Add(-s.limits.TrendingWindow))
	if err != nil {
		return nil, err
	}
	var out []finding
	for _, id := range sortedKeys(counts) {
		n := counts[id]
		if n < s.limits.TrendingPropertyLeads {
			continue
		}
		out = append(out, finding{
			alertType: ingest.AlertTrendingProperty,
			subject:   id,
			severity:  ingest.SeverityInfo,
			message:   fmt.Sprintf("property %s received %d leads in the last %s", id, n, s.limits.TrendingWindow),
			value:     float64(n),
			threshold: float64(s.limits.TrendingPropertyLeads),
		})
	}
	return out, nil
}

func (s *Service) checkQuota(_ context.Context, _ time.Time) ([]finding, error) {
	if s.deps.Quota == nil {
		return nil, nil
	}
	snapshot := s.deps.Quota.Snapshot()
	var out []finding
	for _, provider := range sortedKeys(snapshot) {
		q := snapshot[provider]
		used := round1(q.UsedPct())
		if used < s.limits.APIQuota {
			continue
		}
		severity := ingest.SeverityWarning
		if used >= criticalQuota {
			severity = ingest.SeverityCritical
		}
		out = append(out, finding{
			alertType: ingest.AlertAPIQuota,
			subject:   provider,
			severity:  severity,
			message:   fmt.Sprintf("%s has used %.1f%% of its request quota", provider, used),
			value:     used,
			threshold: s.limits.APIQuota,
			data:      map[string]any{"remaining": q.Remaining, "limit": q.Limit},
		})
	}
	return out, nil
}

// severityAbove escalates to critical once value reaches twice the threshold.
func severityAbove(value, threshold float64) ingest.Severity {
	if value >= 2*threshold {
		return ingest.SeverityCritical
	}
	return ingest.SeverityWarning
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
