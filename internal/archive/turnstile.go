package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/phishing-support/pipeline/internal/enrich"
)

// TurnstileResult carries a solved challenge token and the session cookies
// needed to use it.
type TurnstileResult struct {
	Token string

	// Cookie is a request-ready Cookie header value for the target host.
	Cookie string
}

const turnstileTokenJS = `(() => {
	const input = document.querySelector('[name="cf-turnstile-response"]');
	return input ? input.value : "";
})()`

// SolveTurnstile loads url and waits for the embedded Turnstile widget to
// produce a response token. Report forms behind Cloudflare accept the
// token as proof of an interactive session.
func (b *Browser) SolveTurnstile(ctx context.Context, url string, timeout time.Duration) (*TurnstileResult, error) {
	if timeout == 0 {
		timeout = 2 * b.cfg.NavTimeout()
	}
	tabCtx, cancel := b.newTab(timeout)
	defer cancel()

	if err := chromedp.Run(tabCtx, chromedp.Navigate(url), chromedp.WaitReady("body")); err != nil {
		return nil, fmt.Errorf("turnstile navigate %s: %w", url, err)
	}

	deadline := time.Now().Add(timeout)
	var token string
	for token == "" {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("turnstile token not produced within %s", timeout)
		}
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(turnstileTokenJS, &token)); err != nil {
			return nil, err
		}
		if token != "" {
			break
		}
		select {
		case <-tabCtx.Done():
			return nil, tabCtx.Err()
		case <-time.After(challengePollInterval):
		}
	}

	host := enrich.Hostname(url)
	var cookieHeader string
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		var pairs []string
		for _, c := range cookies {
			if strings.Contains(host, strings.TrimPrefix(c.Domain, ".")) ||
				strings.Contains(strings.TrimPrefix(c.Domain, "."), host) {
				pairs = append(pairs, c.Name+"="+c.Value)
			}
		}
		cookieHeader = strings.Join(pairs, "; ")
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("turnstile cookies: %w", err)
	}

	return &TurnstileResult{Token: token, Cookie: cookieHeader}, nil
}
