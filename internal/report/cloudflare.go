package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phishing-support/pipeline/internal/archive"
	"github.com/phishing-support/pipeline/internal/pkg/httpretry"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

const (
	cloudflareFormURL = "https://abuse.cloudflare.com/api/v2/form/abuse_phishing"
	cloudflarePageURL = "https://abuse.cloudflare.com/phishing"

	cloudflareUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// TurnstileSolver acquires a Turnstile token for a protected page.
// *archive.Browser satisfies it.
type TurnstileSolver interface {
	SolveTurnstile(ctx context.Context, url string, timeout time.Duration) (*archive.TurnstileResult, error)
}

// CloudflareClient files phishing reports through the Cloudflare abuse
// form API. The form sits behind Turnstile, so each submission first
// acquires a token via the browser.
type CloudflareClient struct {
	solver      TurnstileSolver
	client      httpretry.HTTPDoer
	contactName string
	contactMail string
	maxAttempts int

	// FormURL and PageURL override the endpoints in tests; RetryDelay
	// the backoff base.
	FormURL    string
	PageURL    string
	RetryDelay time.Duration
}

// NewCloudflareClient builds the form client.
func NewCloudflareClient(solver TurnstileSolver, contactName, contactMail string, maxAttempts int) *CloudflareClient {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &CloudflareClient{
		solver:      solver,
		client:      &http.Client{Timeout: 30 * time.Second},
		contactName: contactName,
		contactMail: contactMail,
		maxAttempts: maxAttempts,
		FormURL:     cloudflareFormURL,
		PageURL:     cloudflarePageURL,
		RetryDelay:  5 * time.Second,
	}
}

// ReportParams is one Cloudflare abuse-form submission.
type ReportParams struct {
	URL            string
	SiteURL        string // the reporting service's own site
	CaseURL        string
	Explanation    string
	InfringedBrand string
	CountryCode    string
}

// Report files the abuse form, retrying with a fresh Turnstile token on
// failure.
func (c *CloudflareClient) Report(ctx context.Context, p ReportParams) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt) * c.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			logger.Info("retrying cloudflare abuse form", "attempt", attempt, "url", p.URL)
		}
		if lastErr = c.submit(ctx, p); lastErr == nil {
			return nil
		}
		logger.Warn("cloudflare abuse form attempt failed", "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("cloudflare abuse form failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *CloudflareClient) submit(ctx context.Context, p ReportParams) error {
	solved, err := c.solver.SolveTurnstile(ctx, c.PageURL, 0)
	if err != nil {
		return fmt.Errorf("solve turnstile: %w", err)
	}

	country := strings.ToUpper(p.CountryCode)
	if country == "" {
		country = "DE"
	}

	form := map[string]any{
		"name":    c.contactName,
		"email":   c.contactMail,
		"email2":  c.contactMail,
		"title":   "",
		"company": p.SiteURL,
		"tele":    "",
		"urls":    p.URL,
		"justification": fmt.Sprintf(
			"The URL %s is considered to be a phishing website.\nMore information can be found here: %s",
			p.URL, p.CaseURL),
		"original_work":         p.InfringedBrand,
		"reported_country":      country,
		"reported_user_agent":   cloudflareUserAgent,
		"comments":              "",
		"host_notification":     "send-anon",
		"owner_notification":    "send-anon",
		"dsa_attestation":       true,
		"act":                   "abuse_phishing",
		"cf-turnstile-response": solved.Token,
	}
	body, err := json.Marshal(form)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.FormURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", c.PageURL)
	req.Header.Set("User-Agent", cloudflareUserAgent)
	req.Header.Set("X-Turnstile-Token", solved.Token)
	if solved.Cookie != "" {
		req.Header.Set("Cookie", solved.Cookie)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post abuse form: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("abuse form rejected (%d): %s", resp.StatusCode, text)
	}
	return nil
}
