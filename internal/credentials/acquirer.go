package credentials

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpstorage "github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Acquirer performs one credential rotation: inject the known session into a
// browser, let the marketplace refresh it via a normal page load, and hand
// back whatever session material the site left behind.
type Acquirer interface {
	Acquire(ctx context.Context, seed Set) (Set, error)
	Close()
}

// BrowserAcquirer drives a headless Chrome session.
type BrowserAcquirer struct {
	loginURL string
	domain   string
	timeout  time.Duration
	log      *slog.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewBrowserAcquirer creates the browser allocator. The browser process
// itself is launched lazily on the first Acquire.
func NewBrowserAcquirer(loginURL, domain string, log *slog.Logger) *BrowserAcquirer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserAcquirer{
		loginURL:    loginURL,
		domain:      domain,
		timeout:     60 * time.Second,
		log:         log,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

// Acquire injects the seed cookies, loads the marketplace and extracts the
// rotated session cookies.
func (a *BrowserAcquirer) Acquire(ctx context.Context, seed Set) (Set, error) {
	taskCtx, cancel := chromedp.NewContext(a.allocCtx)
	defer cancel()

	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, a.timeout)
	defer cancelTimeout()

	// Propagate caller cancellation into the browser task.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var extracted []Cookie

	err := chromedp.Run(taskCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			params := make([]*network.CookieParam, 0, len(seed.Cookies))
			for _, c := range seed.Cookies {
				params = append(params, &network.CookieParam{
					Name:     c.Name,
					Value:    c.Value,
					Domain:   a.domain,
					Path:     "/",
					HTTPOnly: true,
					Secure:   true,
				})
			}
			if len(params) == 0 {
				return nil
			}
			return cdpstorage.SetCookies(params).Do(ctx)
		}),
		chromedp.Navigate(a.loginURL),
		// Give the site time to rotate the session on load.
		chromedp.Sleep(5*time.Second),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := cdpstorage.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			for _, c := range cookies {
				extracted = append(extracted, Cookie{Name: c.Name, Value: c.Value})
			}
			return nil
		}),
	)
	if err != nil {
		return Set{}, err
	}

	if len(extracted) == 0 {
		return Set{}, errors.New("no session cookies extracted")
	}

	a.log.Debug("session cookies extracted", "count", len(extracted))
	return Set{Cookies: extracted, CapturedAt: time.Now()}, nil
}

// Close releases the browser allocator.
func (a *BrowserAcquirer) Close() {
	a.allocCancel()
}
