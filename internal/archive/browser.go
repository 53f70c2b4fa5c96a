// Package archive captures evidence of a live website with a headless
// browser: full-page screenshot, MHTML snapshot, stripped HTML skeleton,
// and visible text. One shared browser serves all submissions; every
// capture runs in its own tab.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/phishing-support/pipeline/internal/config"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Browser wraps one shared headless Chrome process.
type Browser struct {
	cfg config.BrowserConfig

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// Open launches the browser. Callers must Close it.
func Open(cfg config.BrowserConfig) (*Browser, error) {
	opts := append([]chromedp.ExecAllocatorOption{},
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-gpu", true),
		chromedp.IgnoreCertErrors,
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	// Chromium inside containers commonly requires disabling sandbox.
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the process eagerly so a missing binary fails at startup, not
	// on the first submission.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	logger.Info("browser launched", "headless", cfg.Headless, "proxy", cfg.ProxyURL != "")
	return &Browser{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser process down.
func (b *Browser) Close() {
	b.browserCancel()
	b.allocCancel()
}

// newTab creates an isolated tab bounded by timeout. The returned cancel
// closes the tab.
func (b *Browser) newTab(timeout time.Duration) (context.Context, context.CancelFunc) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	timeoutCtx, timeoutCancel := context.WithTimeout(tabCtx, timeout)
	return timeoutCtx, func() {
		timeoutCancel()
		tabCancel()
	}
}
