package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.objects[r.URL.Path] = body
	f.types[r.URL.Path] = r.Header.Get("Content-Type")
	f.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func newFake(t *testing.T) (*fakeS3, string) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return fake, u.Host
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()
	fake, endpoint := newFake(t)

	store, err := Connect(Config{
		Endpoint:  endpoint,
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
		Bucket:    "pages",
		Prefix:    "/archive/",
	})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "raw/acme/94110/run-1/1.json", "application/json", strings.NewReader(`{"listings":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://pages/archive/raw/acme/94110/run-1/1.json", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	key := "/pages/archive/raw/acme/94110/run-1/1.json"
	require.Contains(t, fake.objects, key)
	assert.Contains(t, string(fake.objects[key]), `{"listings":[]}`)
	assert.Equal(t, "application/json", fake.types[key])
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, err := Connect(Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = Connect(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)

	store, err := Connect(Config{Endpoint: "localhost:9000", Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, "raw/1.json", store.ObjectName("/raw/1.json"))
}
