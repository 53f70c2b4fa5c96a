package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/phishing-support/pipeline/internal/pkg/httpretry"
)

const webRiskScope = "https://www.googleapis.com/auth/cloud-platform"

// WebRiskClient submits confirmed phishing URLs to the Google Web Risk
// Submission API for blocklisting.
type WebRiskClient struct {
	client        httpretry.HTTPDoer
	projectNumber string

	// BaseURL overrides the API endpoint in tests.
	BaseURL string
}

// NewWebRiskClient builds a client authenticated through Google
// application-default credentials.
func NewWebRiskClient(ctx context.Context, projectNumber string) (*WebRiskClient, error) {
	if projectNumber == "" {
		return nil, fmt.Errorf("webrisk: missing project number")
	}
	ts, err := google.DefaultTokenSource(ctx, webRiskScope)
	if err != nil {
		return nil, fmt.Errorf("webrisk: token source: %w", err)
	}
	return &WebRiskClient{
		client:        httpretry.NewRetryClient(oauth2.NewClient(ctx, ts), 2),
		projectNumber: projectNumber,
		BaseURL:       "https://webrisk.googleapis.com",
	}, nil
}

// Submission is the API's acknowledgement of a submitted URI.
type Submission struct {
	URI         string   `json:"uri"`
	ThreatTypes []string `json:"threatTypes,omitempty"`
}

// Submit reports one URL.
func (c *WebRiskClient) Submit(ctx context.Context, url string) (*Submission, error) {
	body, err := json.Marshal(map[string]string{"uri": url})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/submissions", c.BaseURL, c.projectNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webrisk: submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("webrisk: submit failed (%d): %s", resp.StatusCode, text)
	}

	var sub Submission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("webrisk: decode response: %w", err)
	}
	return &sub, nil
}
