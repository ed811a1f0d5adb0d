package static

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const listingPage = `<!doctype html>
<html><head>
<meta property="og:image" content="https://cdn.example.com/hero.jpg">
</head><body>
<img src="/logo.svg">
<div class="gallery">
  <img src="/photos/1.jpg">
  <img data-src="/photos/2.jpg">
  <img src="https://cdn.example.com/hero.jpg">
  <img src="data:image/png;base64,AAAA">
</div>
</body></html>`

func TestFetchExtractsPhotos(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent"})
	doc, err := f.Fetch(context.Background(), srv.URL+"/homes/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doc.StatusCode)
	require.Equal(t, []string{
		"https://cdn.example.com/hero.jpg",
		srv.URL + "/photos/1.jpg",
		srv.URL + "/photos/2.jpg",
	}, doc.Images)
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<img src="/a.jpg">`))
	}))
	defer srv.Close()

	f := New(Config{})
	for range 2 {
		doc, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		require.Len(t, doc.Images, 1)
	}
}
