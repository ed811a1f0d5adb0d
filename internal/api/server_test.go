package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/monitor"
	"github.com/JakeFAU/property-pipeline/internal/source"
	"github.com/JakeFAU/property-pipeline/internal/storage/memory"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) { return fmt.Sprintf("alert-%d", s.n.Add(1)), nil }

type panickyAlerts struct{ AlertService }

func (panickyAlerts) List(context.Context, ingest.AlertStatus) ([]ingest.Alert, error) {
	panic("boom")
}

type fixture struct {
	server *Server
	alerts *memory.AlertStore
	runs   *memory.RunStore
	svc    *monitor.Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	alerts := memory.NewAlertStore()
	runs := memory.NewRunStore()
	quota := source.NewQuotaTracker(fixedClock{now: testNow})
	quota.Record("acme", 5, 100)
	svc, err := monitor.New(monitor.Deps{
		Alerts:    alerts,
		Analytics: memory.NewAnalyticsStore(),
		Runs:      runs,
		Quota:     quota,
		Clock:     fixedClock{now: testNow},
		IDs:       &seqIDs{},
	}, monitor.Config{}, zap.NewNop())
	require.NoError(t, err)
	return &fixture{
		server: NewServer(svc, runs, opts, zap.NewNop()),
		alerts: alerts,
		runs:   runs,
		svc:    svc,
	}
}

func (f *fixture) do(method, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz").Code)
	ready := f.do(http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.NotEmpty(t, ready.Header().Get("X-Request-ID"))

	metricsRec := f.do(http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, metricsRec.Code)
}

func TestServer_ReadyzReportsDownstreamFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/readyz").Code)
}

func TestServer_AlertLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	created, err := f.svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	id := created[0].ID

	list := decode[struct {
		Alerts []ingest.Alert `json:"alerts"`
	}](t, f.do(http.MethodGet, "/v1/alerts?status=new"))
	require.Len(t, list.Alerts, 1)
	assert.Equal(t, id, list.Alerts[0].ID)

	ack := f.do(http.MethodPost, "/v1/alerts/"+id+"/acknowledge")
	require.Equal(t, http.StatusOK, ack.Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/v1/alerts/"+id+"/acknowledge").Code)

	resolved := decode[struct {
		Alert ingest.Alert `json:"alert"`
	}](t, f.do(http.MethodPost, "/v1/alerts/"+id+"/resolve"))
	assert.Equal(t, ingest.AlertResolved, resolved.Alert.Status)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/v1/alerts/missing/resolve").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/alerts?status=bogus").Code)
}

func TestServer_ListImportRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i, provider := range []string{"acme", "acme", "beta"} {
		require.NoError(t, f.runs.CreateRun(ctx, ingest.ImportRun{
			ID:        fmt.Sprintf("run-%d", i),
			Provider:  provider,
			GeoUnit:   "78701",
			Status:    ingest.RunStarted,
			StartedAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}
	finished := testNow.Add(time.Hour)
	require.NoError(t, f.runs.CloseRun(ctx, ingest.ImportRun{
		ID: "run-0", Status: ingest.RunCompleted, Requested: 30, Imported: 25, Failed: 5, FinishedAt: &finished,
	}))

	rec := f.do(http.MethodGet, "/v1/import-runs?provider=acme&geo=78701")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Runs []struct {
			ID          string  `json:"id"`
			SuccessRate float64 `json:"success_rate"`
		} `json:"import_runs"`
	}](t, rec)
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "run-1", body.Runs[0].ID)
	assert.Equal(t, "run-0", body.Runs[1].ID)
	assert.InDelta(t, 83.3, body.Runs[1].SuccessRate, 0.001)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/import-runs/run-2").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/import-runs/nope").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/import-runs?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/import-runs?since=yesterday").Code)
}

func TestServer_APIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{APIKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/alerts").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/alerts", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/alerts?api_key=secret").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz").Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()
	srv := NewServer(panickyAlerts{}, memory.NewRunStore(), Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/alerts", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
