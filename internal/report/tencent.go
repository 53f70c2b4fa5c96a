package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/phishing-support/pipeline/internal/enrich"
	"github.com/phishing-support/pipeline/internal/pkg/httpretry"
)

// tencentAbuseEmail is the registrar abuse contact that must be routed
// through the web form; mail to it bounces.
const tencentAbuseEmail = "dnsabuse_complaint@tencent.com"

const (
	tencentFormURL    = "https://www.tencentcloud.com/main/ajax/reportDsaPlatform/createDomainReport"
	tencentPageURL    = "https://www.tencentcloud.com/report-platform/dnsabuse"
	tencentCaptchaApp = "2070586963"
)

// CaptchaFunc solves the CAPTCHA guarding a report form and returns the
// provider ticket payload to attach to the submission.
type CaptchaFunc func(ctx context.Context, pageURL, appID string) (json.RawMessage, error)

// TencentClient files domain-abuse reports through the Tencent Cloud
// DSA report platform.
type TencentClient struct {
	client  httpretry.HTTPDoer
	captcha CaptchaFunc

	contactName string
	contactMail string

	// FormURL overrides the endpoint in tests.
	FormURL string
}

// NewTencentClient builds the form client. captcha must be non-nil; the
// form rejects submissions without a solved ticket.
func NewTencentClient(captcha CaptchaFunc, contactName, contactMail string) *TencentClient {
	return &TencentClient{
		client:      &http.Client{Timeout: 60 * time.Second},
		captcha:     captcha,
		contactName: contactName,
		contactMail: contactMail,
		FormURL:     tencentFormURL,
	}
}

// TencentParams is one domain-abuse report.
type TencentParams struct {
	URL           string
	Explanation   string
	InfringedURL  string
	ScreenshotPNG []byte
}

type tencentResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Code    string `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"data"`
}

// Report submits the form.
func (c *TencentClient) Report(ctx context.Context, p TencentParams) error {
	if c.captcha == nil {
		return fmt.Errorf("tencent: no captcha solver configured")
	}
	domain := enrich.RegistrableDomain(enrich.Hostname(p.URL))
	if domain == "" {
		return fmt.Errorf("tencent: no registrable domain in %q", p.URL)
	}

	ticket, err := c.captcha(ctx, tencentPageURL, tencentCaptchaApp)
	if err != nil {
		return fmt.Errorf("tencent: solve captcha: %w", err)
	}

	payload := map[string]any{
		"action": "createDomainReport",
		"payload": map[string]any{
			"captcha": ticket,
			"formData": map[string]any{
				"domain":           domain,
				"url":              p.URL,
				"describe":         p.Explanation,
				"infringedUrl":     p.InfringedURL,
				"category":         []string{"Phishing"},
				"name":             c.contactName,
				"email":            c.contactMail,
				"privacyCheckbox1": true,
				"privacyCheckbox2": true,
				"country_code":     "DE",
				"country_name":     "Germany",
				"fileBase64":       base64.StdEncoding.EncodeToString(p.ScreenshotPNG),
				"filename":         fmt.Sprintf("report_%d.png", time.Now().UnixMilli()),
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.FormURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", tencentPageURL)
	req.Header.Set("Cookie", "intl_language=en; language=en")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tencent: post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tencent: report rejected (%d): %s", resp.StatusCode, text)
	}

	var tr tencentResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("tencent: decode response: %w", err)
	}
	if tr.Code != 0 || tr.Data.Code != "0" {
		return fmt.Errorf("tencent: report failed: %s / %s / %s", tr.Msg, tr.Data.Error, tr.Data.Message)
	}
	return nil
}
