package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Submission kind constants
const (
	KindEmail   = "email"
	KindWebsite = "website"
)

// Submission status constants
const (
	StatusNew      = "new"
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFailed   = "failed"
	StatusReported = "reported"
	StatusInvalid  = "invalid"
)

// Analysis run status constants
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Report status constants
const (
	ReportSent   = "sent"
	ReportFailed = "failed"
)

// JSON helper type for JSONB fields
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// RawJSON stores arbitrary JSON verbatim.
type RawJSON json.RawMessage

func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

func (r *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	*r = append((*r)[:0], b...)
	return nil
}

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// WebsiteData is the kind-specific payload of a website submission.
type WebsiteData struct {
	URL   string  `json:"url"`
	Whois RawJSON `json:"whois,omitempty"`
}

// SubmissionData is the tagged union stored in submissions.data. Exactly
// one of Email or Website is set, matching Kind.
type SubmissionData struct {
	Kind    string       `json:"kind"`
	Email   RawJSON      `json:"email,omitempty"`
	Website *WebsiteData `json:"website,omitempty"`
}

func (d SubmissionData) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *SubmissionData) Scan(value interface{}) error {
	if value == nil {
		*d = SubmissionData{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for submission data", value)
	}
	return json.Unmarshal(b, d)
}

// Submission is the root aggregate of one reported artifact.
type Submission struct {
	ID        int64          `json:"id,string"`
	Kind      string         `json:"kind"`
	Source    string         `json:"source,omitempty"`
	Data      SubmissionData `json:"data"`
	DedupeKey string         `json:"dedupeKey"`
	Status    string         `json:"status"`
	Info      string         `json:"info,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// AnalysisRun is one model call-and-response, child of a submission.
type AnalysisRun struct {
	ID           int64     `json:"id,string"`
	SubmissionID int64     `json:"submissionId,string"`
	Status       string    `json:"status"`
	Input        RawJSON   `json:"input,omitempty"`
	Output       RawJSON   `json:"output,omitempty"`
	Data         JSON      `json:"data,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Artifact is an immutable content-addressed blob. Blob is omitted from
// listings and only populated by GetArtifact.
type Artifact struct {
	ID           int64     `json:"id,string"`
	SubmissionID int64     `json:"submissionId,string,omitempty"`
	Name         string    `json:"name,omitempty"`
	Kind         string    `json:"kind"`
	MimeType     string    `json:"mimeType,omitempty"`
	SHA256       string    `json:"sha256"`
	Size         int       `json:"size"`
	Blob         []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Report is one outbound or attempted abuse notification.
type Report struct {
	ID                    int64     `json:"id,string"`
	SubmissionID          int64     `json:"submissionId,string"`
	AnalysisRunID         int64     `json:"analysisRunId,string,omitempty"`
	Channel               string    `json:"channel"`
	To                    string    `json:"to"`
	Subject               string    `json:"subject,omitempty"`
	Body                  string    `json:"body"`
	Status                string    `json:"status"`
	ProviderMessageID     string    `json:"providerMessageId,omitempty"`
	AttachmentArtifactIDs []int64   `json:"attachmentArtifactIds,omitempty"`
	Data                  JSON      `json:"data,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}
