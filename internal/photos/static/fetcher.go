// Package static resolves listing photos from server-rendered HTML using gocolly.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/property-pipeline/internal/photos"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements photos.Fetcher with a fresh collector per page.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport()}
}

// Fetch downloads pageURL and collects og:image and <img> sources in page order.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (photos.Document, error) {
	var (
		doc        = photos.Document{URL: pageURL}
		candidates []string
		fetchErr   error
	)

	collector := colly.NewCollector(colly.AllowURLRevisit())
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	collector.OnResponse(func(r *colly.Response) {
		doc.URL = r.Request.URL.String()
		doc.StatusCode = r.StatusCode
		doc.Body = append([]byte(nil), r.Body...)
	})
	collector.OnHTML(`meta[property="og:image"]`, func(e *colly.HTMLElement) {
		candidates = append(candidates, e.Attr("content"))
	})
	collector.OnHTML("img", func(e *colly.HTMLElement) {
		src := e.Attr("src")
		if src == "" {
			src = e.Attr("data-src")
		}
		candidates = append(candidates, src)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			doc.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return photos.Document{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return photos.Document{}, fmt.Errorf("static fetch %s: %w", pageURL, fetchErr)
		}
		if err != nil {
			return photos.Document{}, fmt.Errorf("static fetch %s: %w", pageURL, err)
		}
	}

	doc.Images = photos.Normalize(doc.URL, candidates)
	return doc, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
