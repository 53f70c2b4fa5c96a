package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/phishing-support/pipeline/internal/enrich"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

// ErrHostnameMismatch reports that the page redirected to a different
// registrable domain. Parked or seized phishing domains commonly bounce to
// an unrelated site; archiving that site would produce evidence about the
// wrong operator.
var ErrHostnameMismatch = errors.New("archive: redirected to a different hostname")

// Snapshot holds everything captured from one page.
type Snapshot struct {
	ScreenshotPNG []byte
	MHTML         []byte
	HTML          []byte
	Text          []byte

	// Hostname is the final hostname after redirects.
	Hostname string
}

// Options tune one capture.
type Options struct {
	// Timeout bounds navigation and challenge waits. Zero uses the
	// configured default.
	Timeout time.Duration
}

const (
	challengePollInterval = 50 * time.Millisecond
	settleDelay           = 2 * time.Second
)

// IsChallengeURL reports whether url belongs to a Cloudflare interstitial
// challenge rather than the target site.
func IsChallengeURL(url string) bool {
	return strings.Contains(url, "challenges.cloudflare.com") ||
		strings.Contains(url, "/cdn-cgi/challenge-platform/") ||
		strings.Contains(url, "cf-challenge")
}

// sameSite reports whether two hostnames share a registrable domain.
func sameSite(a, b string) bool {
	if a == b {
		return true
	}
	apexA := enrich.RegistrableDomain(a)
	apexB := enrich.RegistrableDomain(b)
	return apexA != "" && apexA == apexB
}

const stripSkeletonJS = `(() => {
	const doc = document.cloneNode(true);
	doc.querySelectorAll("script, style, link, svg, noscript, img").forEach((el) => el.remove());
	doc.querySelectorAll("*").forEach((el) => el.removeAttribute("style"));
	return doc.documentElement.outerHTML;
})()`

const pageTextJS = `(() => {
	const description = document
		.querySelector("meta[name='description'], meta[property='og:description'], meta[property='twitter:description']")
		?.getAttribute("content") || "";
	return document.title + "\n\n" + description + "\n\n" + (document.body ? document.body.innerText : "");
})()`

// Archive navigates to url and captures a snapshot. When the capture
// fails, the returned snapshot may still carry a diagnostic screenshot
// alongside the error.
func (b *Browser) Archive(ctx context.Context, url string, opts Options) (*Snapshot, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = b.cfg.NavTimeout()
	}
	// Budget covers navigation, challenge wait, and four captures.
	tabCtx, cancel := b.newTab(4 * timeout)
	defer cancel()

	// Watch for a Cloudflare interstitial: either the main document
	// answers 403 with cf-mitigated: challenge, or a frame navigates to
	// the challenge platform.
	var challenged atomic.Bool
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument && e.Response.Status == 403 {
				if mitigated, ok := e.Response.Headers["cf-mitigated"].(string); ok && mitigated == "challenge" {
					challenged.Store(true)
				}
			}
		case *page.EventFrameNavigated:
			if IsChallengeURL(e.Frame.URL) {
				challenged.Store(true)
			}
		}
	})

	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	); err != nil {
		return b.diagnose(tabCtx), fmt.Errorf("navigate %s: %w", url, err)
	}

	if challenged.Load() {
		logger.Info("challenge detected, waiting", "url", url)
		if err := b.waitChallenge(tabCtx, timeout); err != nil {
			return b.diagnose(tabCtx), fmt.Errorf("challenge wait %s: %w", url, err)
		}
		// The interstitial resolves by reloading the original location;
		// re-navigate in case it landed on an error page instead.
		if err := chromedp.Run(tabCtx, chromedp.Navigate(url), chromedp.WaitReady("body")); err != nil {
			return b.diagnose(tabCtx), fmt.Errorf("navigate after challenge %s: %w", url, err)
		}
	}

	if err := chromedp.Run(tabCtx, chromedp.Sleep(settleDelay)); err != nil {
		return b.diagnose(tabCtx), err
	}

	var finalURL string
	if err := chromedp.Run(tabCtx, chromedp.Location(&finalURL)); err != nil {
		return b.diagnose(tabCtx), err
	}
	requested := enrich.Hostname(url)
	final := enrich.Hostname(finalURL)
	if !sameSite(requested, final) {
		return b.diagnose(tabCtx), fmt.Errorf("%w: requested %s, landed on %s", ErrHostnameMismatch, requested, final)
	}

	snap := &Snapshot{Hostname: final}

	var mhtml string
	var html, text string
	if err := chromedp.Run(tabCtx,
		chromedp.FullScreenshot(&snap.ScreenshotPNG, 90),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := page.CaptureSnapshot().WithFormat(page.CaptureSnapshotFormatMhtml).Do(ctx)
			if err != nil {
				return err
			}
			mhtml = data
			return nil
		}),
		chromedp.Evaluate(stripSkeletonJS, &html),
		chromedp.Evaluate(pageTextJS, &text),
	); err != nil {
		return b.diagnose(tabCtx), fmt.Errorf("capture %s: %w", url, err)
	}

	snap.MHTML = []byte(mhtml)
	snap.HTML = []byte(html)
	snap.Text = []byte(text)
	return snap, nil
}

// waitChallenge polls until the page has left the challenge interstitial.
func (b *Browser) waitChallenge(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return errors.New("timeout waiting for challenge to clear")
		}

		var loc string
		var ready string
		err := chromedp.Run(ctx,
			chromedp.Location(&loc),
			chromedp.Evaluate(`document.readyState`, &ready),
		)
		if err == nil && !IsChallengeURL(loc) && (ready == "interactive" || ready == "complete") {
			var challengeFrame bool
			// The interstitial can also live in an embedded frame on the
			// original URL.
			if err := chromedp.Run(ctx, chromedp.Evaluate(
				`!!document.querySelector("iframe[src*='challenges.cloudflare.com']")`, &challengeFrame)); err == nil && !challengeFrame {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(challengePollInterval):
		}
	}
}

// diagnose captures a best-effort screenshot of whatever the page shows
// after a failure. The bytes end up as a diagnostic artifact.
func (b *Browser) diagnose(ctx context.Context) *Snapshot {
	var png []byte
	capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := chromedp.Run(capCtx, chromedp.CaptureScreenshot(&png)); err != nil {
		logger.Debug("diagnostic screenshot failed", "error", err.Error())
		return nil
	}
	return &Snapshot{ScreenshotPNG: png}
}

// ArchiveWithRetry runs Archive with bounded retries. After the regular
// attempts it tries once more on a tab without the configured proxy, since
// residential-proxy exits are a common block target.
func (b *Browser) ArchiveWithRetry(ctx context.Context, url string, opts Options) (*Snapshot, error) {
	const attempts = 2
	backoff := 2 * time.Second

	var snap *Snapshot
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		snap, err = b.Archive(ctx, url, opts)
		if err == nil {
			return snap, nil
		}
		if errors.Is(err, ErrHostnameMismatch) {
			return snap, err
		}
		logger.Warn("archive attempt failed", "url", url, "attempt", attempt, "error", err.Error())
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return snap, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	if b.cfg.ProxyURL != "" {
		direct, directErr := b.noProxyArchive(ctx, url, opts)
		if directErr == nil {
			return direct, nil
		}
		logger.Warn("direct archive attempt failed", "url", url, "error", directErr.Error())
	}
	return snap, err
}

// noProxyArchive retries the capture through a short-lived browser without
// the proxy configured.
func (b *Browser) noProxyArchive(ctx context.Context, url string, opts Options) (*Snapshot, error) {
	cfg := b.cfg
	cfg.ProxyURL = ""
	direct, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	defer direct.Close()
	return direct.Archive(ctx, url, opts)
}
