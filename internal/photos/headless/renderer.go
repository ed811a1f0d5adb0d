// Package headless renders script-heavy listing pages with chromedp to find photos.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/property-pipeline/internal/photos"
)

const collectImagesJS = `(() => {
  const out = [];
  document.querySelectorAll('meta[property="og:image"]').forEach(m => out.push(m.content));
  document.querySelectorAll('img').forEach(i => out.push(i.currentSrc || i.src || i.dataset.src || ''));
  return out;
})()`

// Config controls the behavior of the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

// Renderer implements photos.Fetcher with headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a renderer. The browser is started lazily on first use.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Fetch navigates to pageURL, waits for the body, and collects image sources from the live DOM.
func (r *Renderer) Fetch(ctx context.Context, pageURL string) (photos.Document, error) {
	if err := r.acquire(ctx); err != nil {
		return photos.Document{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		finalURL   string
		candidates []string
	)
	actions := []chromedp.Action{
		r.setupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settleDelay()),
		chromedp.Location(&finalURL),
		chromedp.Evaluate(collectImagesJS, &candidates),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return photos.Document{}, fmt.Errorf("chromedp run: %w", err)
	}
	if finalURL == "" {
		finalURL = pageURL
	}

	return photos.Document{
		URL:        finalURL,
		StatusCode: 200,
		Images:     photos.Normalize(finalURL, candidates),
		Rendered:   true,
	}, nil
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

func (r *Renderer) settleDelay() time.Duration {
	if r.cfg.SettleDelay > 0 {
		return r.cfg.SettleDelay
	}
	return 500 * time.Millisecond
}
