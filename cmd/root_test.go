package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte(`{"listings":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"listings":[
			{"id":"a1","address":"1 Main St","city":"Austin","state":"tx","zip":"78701","price":"$300,000","images":["https://img.example.com/a1.jpg"]},
			{"id":"a2","address":"2 Main St","city":"Austin","state":"tx","zip":"78701","price":250000}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, providerURL string) string {
	t.Helper()
	body := fmt.Sprintf(`
logging:
  level: error
ingest:
  workers: 1
  item_delay: 0s
photos:
  enabled: false
geo_units:
  - "78701"
providers:
  acme:
    base_url: %q
    api_key: secret
    fields:
      address: address
      city: city
      state: state
      zip: zip
      price: price
      images: images
`, providerURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestIngestCommandReportsRun(t *testing.T) {
	t.Parallel()
	cfgPath := writeConfig(t, newProviderServer(t).URL)

	var out bytes.Buffer
	err := run(context.Background(), []string{"ingest", "--config", cfgPath}, &out)
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 1, summary.Started)
	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.Failed)
	require.Len(t, summary.Shards, 1)
	assert.Equal(t, "acme", summary.Shards[0].Provider)
	require.Len(t, summary.Shards[0].Units, 1)
	unit := summary.Shards[0].Units[0]
	assert.Equal(t, 2, unit.Requested)
	assert.Equal(t, 1, unit.Inserted)
	assert.Equal(t, 1, unit.SkippedNoPhoto)
}

func TestIngestCommandExitsNonzeroOnFailedShard(t *testing.T) {
	t.Parallel()
	cfgPath := writeConfig(t, newProviderServer(t).URL)

	var out bytes.Buffer
	err := run(context.Background(), []string{"ingest", "--config", cfgPath, "--providers", "ghost"}, &out)
	require.Error(t, err)

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.code)

	var summary runSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 1, summary.Failed)
	assert.NotEmpty(t, summary.Shards[0].Error)
}

func TestWorkerCommand(t *testing.T) {
	t.Parallel()
	cfgPath := writeConfig(t, newProviderServer(t).URL)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"worker_id":3,"run_id":"r1","provider":"acme","geo_units":[{"zip":"78701"}]}`), 0o600))
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"worker", "--config", cfgPath, "--assignment", good}, &out))

	var summary workerSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 3, summary.WorkerID)
	assert.Equal(t, 1, summary.Imported)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"worker_id":1,"provider":"acme","geo_units":[]}`), 0o600))
	err := run(context.Background(), []string{"worker", "--config", cfgPath, "--assignment", bad}, &bytes.Buffer{})
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"worker_id":1,"provider":"ghost","geo_units":[{"zip":"78701"}]}`), 0o600))
	err = run(context.Background(), []string{"worker", "--config", cfgPath, "--assignment", unknown}, &bytes.Buffer{})
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.code)
}

func TestRecomputeAndMonitorOnEmptyStore(t *testing.T) {
	t.Parallel()
	cfgPath := writeConfig(t, newProviderServer(t).URL)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"recompute", "--config", cfgPath}, &out))
	assert.JSONEq(t, `{"markets":0,"properties":0}`, out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"monitor", "--once", "--config", cfgPath}, &out))
	assert.JSONEq(t, `[]`, out.String())
}

func TestMissingConfigFileFails(t *testing.T) {
	t.Parallel()
	err := run(context.Background(), []string{"recompute", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}
