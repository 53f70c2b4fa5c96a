// Package pipeline drives a submission from intake to verdict: enrich,
// archive, analyze, classify, then report or dismiss. Progress is
// published on the submission's event topic as it happens.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phishing-support/pipeline/internal/analysis"
	"github.com/phishing-support/pipeline/internal/archive"
	"github.com/phishing-support/pipeline/internal/bus"
	"github.com/phishing-support/pipeline/internal/enrich"
	"github.com/phishing-support/pipeline/internal/ids"
	"github.com/phishing-support/pipeline/internal/mail"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
	"github.com/phishing-support/pipeline/internal/report"
	"github.com/phishing-support/pipeline/internal/store"
)

// Enricher resolves WHOIS/RDAP/DNS context for a host or address.
type Enricher interface {
	Lookup(ctx context.Context, target string) (*enrich.Info, error)
}

// Archiver captures a website snapshot.
type Archiver interface {
	ArchiveWithRetry(ctx context.Context, url string, opts archive.Options) (*archive.Snapshot, error)
}

// Reporter dispatches abuse reports.
type Reporter interface {
	ReportWebsite(ctx context.Context, in *report.WebsiteInput) int
	ReportEmail(ctx context.Context, in *report.EmailInput) error
}

// SubmitterNotifier mails a verdict summary back to whoever forwarded a
// message in.
type SubmitterNotifier interface {
	NotifySubmitter(ctx context.Context, to string, submissionID int64, phishing bool, summary string) error
}

// Orchestrator wires the stages together. Notifier is optional; the
// other dependencies are required.
type Orchestrator struct {
	Store    *store.Store
	Bus      bus.Bus
	IDs      *ids.Generator
	Enricher Enricher
	Archiver Archiver
	Engine   analysis.Engine
	Reporter Reporter
	Notifier SubmitterNotifier

	// LookupRetries bounds enrichment attempts; zero means 2.
	LookupRetries int

	spawned sync.WaitGroup
}

// Wait blocks until every spawned background pipeline has finished.
// Called during shutdown so in-flight link submissions drain instead of
// being killed mid-run.
func (o *Orchestrator) Wait() {
	o.spawned.Wait()
}

// RunOptions carries per-submission intake context.
type RunOptions struct {
	// SubmissionID pre-allocates the id (and with it the event topic)
	// so callers can hand it out before the pipeline starts. Zero lets
	// the orchestrator allocate one.
	SubmissionID int64

	// Source records provenance (a URL, imap:<mailbox>:<uidvalidity>:<uid>,
	// or submission:<parentID> for spawned link checks).
	Source string

	// CountryHint routes proxy/locale-sensitive report channels.
	CountryHint string

	// NotifyTo, when set, receives the verdict summary mail.
	NotifyTo string
}

func (o *Orchestrator) lookupRetries() int {
	if o.LookupRetries > 0 {
		return o.LookupRetries
	}
	return 2
}

// emitStep publishes one progress event. Delivery is best effort; a
// dropped event never stalls the pipeline.
func (o *Orchestrator) emitStep(ctx context.Context, submissionID int64, step string, progress int) {
	err := o.Bus.Publish(ctx, bus.Topic(submissionID), map[string]any{
		"type":     "analysis.step",
		"step":     step,
		"progress": progress,
	})
	if err != nil {
		logger.Warn("publish step event", "submissionId", submissionID, "step", step, "error", err)
	}
}

// fail marks the submission failed with the error recorded verbatim and
// emits the terminal event.
func (o *Orchestrator) fail(ctx context.Context, submissionID int64, cause error) {
	if err := o.Store.SetSubmissionStatus(ctx, submissionID, store.StatusFailed, cause.Error()); err != nil {
		logger.Error("mark submission failed", "submissionId", submissionID, "error", err)
	}
	o.emitStep(ctx, submissionID, "failed", 100)
}

const websiteAnalysisPrompt = `You are an expert phishing website analyst. Your task is to analyze the provided website and determine if it is a phishing website.
URL: %s
WhoIs information:
%s

Here is the website text content:
<website_text>
%s
</website_text>

Here is the website raw html skeleton:
%s

Please provide a detailed analysis of the website, including any content and identifying features, also if its trying to impersonate another brand or service.
(you might not be able to access the website directly, use the provided website text and screenshot).`

const classifySystem = `Answer {"phishing":true} if the analysis concludes that the subject is phishing or malicious. Otherwise answer {"phishing":false}. Provide no other text.`

var phishingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"phishing": {"type": "boolean"}
	},
	"required": ["phishing"],
	"additionalProperties": false
}`)

// RunWebsite runs the website pipeline end to end and returns the
// submission id. The returned error is the cause already recorded on the
// submission.
func (o *Orchestrator) RunWebsite(ctx context.Context, url string, opts RunOptions) (int64, error) {
	id := opts.SubmissionID
	if id == 0 {
		id = o.IDs.Next()
	}
	source := opts.Source
	if source == "" {
		source = url
	}

	o.emitStep(ctx, id, "start", 0)
	hostname := enrich.Hostname(url)
	if hostname == "" {
		o.emitStep(ctx, id, "failed", 100)
		return 0, fmt.Errorf("invalid url %q", url)
	}

	o.emitStep(ctx, id, "whois_lookup", 5)
	whois, err := retry(ctx, o.lookupRetries(), 2*time.Second, "whois lookup", func() (*enrich.Info, error) {
		return o.Enricher.Lookup(ctx, url)
	})
	if err != nil {
		o.emitStep(ctx, id, "failed", 100)
		return 0, fmt.Errorf("whois lookup: %w", err)
	}
	whoisJSON, err := json.Marshal(whois)
	if err != nil {
		o.emitStep(ctx, id, "failed", 100)
		return 0, err
	}

	o.emitStep(ctx, id, "create_submission", 10)
	createdID, err := o.Store.CreateSubmission(ctx, &store.Submission{
		ID:   id,
		Kind: store.KindWebsite,
		Data: store.SubmissionData{
			Kind:    store.KindWebsite,
			Website: &store.WebsiteData{URL: url, Whois: store.RawJSON(whoisJSON)},
		},
		DedupeKey: "website-" + hostname,
		Status:    store.StatusRunning,
		Source:    source,
	})
	if err != nil {
		o.emitStep(ctx, id, "failed", 100)
		return 0, fmt.Errorf("create submission: %w", err)
	}
	if createdID != id {
		// Same site already being processed; point the caller at it.
		logger.Info("submission already running", "submissionId", createdID, "url", url)
		return createdID, nil
	}

	o.emitStep(ctx, id, "archive_website", 25)
	snap, err := o.Archiver.ArchiveWithRetry(ctx, url, archive.Options{})
	if err != nil {
		o.fail(ctx, id, err)
		return id, err
	}

	o.emitStep(ctx, id, "save_artifacts", 40)
	pngID, mhtmlID, err := o.saveWebsiteArtifacts(ctx, id, snap)
	if err != nil {
		o.fail(ctx, id, err)
		return id, err
	}

	o.emitStep(ctx, id, "analysis_run", 55)
	prompt := fmt.Sprintf(websiteAnalysisPrompt, url, string(whoisJSON), snap.Text, snap.HTML)
	analysisRes, err := o.Engine.Run(ctx, analysis.RunParams{
		SubmissionID: id,
		Tier:         analysis.TierAnalysis,
		User: []analysis.Content{
			{Text: prompt},
			{ImagePNG: snap.ScreenshotPNG},
		},
	})
	if err != nil {
		o.fail(ctx, id, err)
		return id, err
	}

	phishing, err := o.classify(ctx, id, analysisRes.Text)
	if err != nil {
		o.fail(ctx, id, err)
		return id, err
	}

	if phishing {
		o.emitStep(ctx, id, "reporting", 90)
		sent := o.Reporter.ReportWebsite(ctx, &report.WebsiteInput{
			SubmissionID:         id,
			URL:                  url,
			Whois:                whois,
			AnalysisText:         analysisRes.Text,
			ScreenshotPNG:        snap.ScreenshotPNG,
			MHTML:                snap.MHTML,
			ScreenshotArtifactID: pngID,
			MHTMLArtifactID:      mhtmlID,
			CountryHint:          opts.CountryHint,
		})
		logger.Info("website reported", "submissionId", id, "channels", sent)
		if err := o.Store.SetSubmissionStatus(ctx, id, store.StatusReported, ""); err != nil {
			o.fail(ctx, id, err)
			return id, err
		}
	} else {
		if err := o.Store.SetSubmissionStatus(ctx, id, store.StatusInvalid, ""); err != nil {
			o.fail(ctx, id, err)
			return id, err
		}
	}

	o.emitStep(ctx, id, "completed", 100)
	return id, nil
}

// classify collapses the free-text analysis into the binary verdict on
// the cheap tier.
func (o *Orchestrator) classify(ctx context.Context, submissionID int64, analysisText string) (bool, error) {
	o.emitStep(ctx, submissionID, "structured_response", 75)
	res, err := o.Engine.Run(ctx, analysis.RunParams{
		SubmissionID: submissionID,
		Tier:         analysis.TierClassify,
		System:       classifySystem,
		User:         []analysis.Content{{Text: analysisText}},
		Schema:       phishingSchema,
	})
	if err != nil {
		return false, err
	}
	var verdict analysis.Verdict
	if err := analysis.ParseStructured(res.Parsed, &verdict); err != nil {
		return false, err
	}
	return verdict.Phishing, nil
}

func (o *Orchestrator) saveWebsiteArtifacts(ctx context.Context, submissionID int64, snap *archive.Snapshot) (pngID, mhtmlID int64, err error) {
	pngID, err = o.Store.SaveArtifact(ctx, &store.Artifact{
		SubmissionID: submissionID,
		Name:         "website.png",
		Kind:         "screenshot",
		MimeType:     "image/png",
		Blob:         snap.ScreenshotPNG,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("save screenshot: %w", err)
	}
	mhtmlID, err = o.Store.SaveArtifact(ctx, &store.Artifact{
		SubmissionID: submissionID,
		Name:         "website.mhtml",
		Kind:         "archive",
		MimeType:     "multipart/related",
		Blob:         snap.MHTML,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("save mhtml: %w", err)
	}

	// The listing thumbnail is derived, best effort.
	if thumb, terr := archive.Thumbnail(snap.ScreenshotPNG); terr == nil {
		if _, terr = o.Store.SaveArtifact(ctx, &store.Artifact{
			SubmissionID: submissionID,
			Name:         "thumbnail.png",
			Kind:         "thumbnail",
			MimeType:     "image/png",
			Blob:         thumb,
		}); terr != nil {
			logger.Warn("save thumbnail", "submissionId", submissionID, "error", terr)
		}
	}
	return pngID, mhtmlID, nil
}

const emailAnalysisSystem = `You are an expert email phishing analyst. Your task is to determine whether the email below is phishing, malicious, or legitimate.

Your analysis must include:
1) Brand impersonation check
   - does it mimic a known company/service?
   - Does the used email domain match the official domain of that brand?
2) Link analysis:
   - List every URL found.
   - For each: visible text vs actual URL (if available), domain reputation cues, lookalikes/typos, URL shorteners, redirects, unusual paths
   - Identify the "primary action" the email tries to push.
3) Sender authenticity checks (based on headers if provided):
   - SPF, DKIM, DMARC results and alignment
   - Return-Path vs From mismatch
   - Reply-To mismatch
   - Received chain anomalies, unusual sending IP/ASN or geolocation (if inferable)
4) Content red flags:
   - credential collection, payment request, QR codes, fake invoices, "verify account", "unusual activity", etc.`

// originWhois is the condensed network context embedded in the mail
// analysis payload.
type originWhois struct {
	IP      string `json:"ip"`
	Name    string `json:"name,omitempty"`
	Remarks string `json:"remarks,omitempty"`
}

func condenseWhois(info *enrich.Info) *originWhois {
	if info == nil || len(info.IPRDAPs) == 0 {
		return nil
	}
	rec := info.IPRDAPs[0]
	remarks := rec.Remarks
	if rec.Abuse != nil && rec.Abuse.Remarks != "" {
		remarks = rec.Abuse.Remarks
	}
	return &originWhois{IP: rec.IP, Name: rec.Name, Remarks: remarks}
}

// RunEmail runs the forwarded-mail pipeline end to end and returns the
// submission id.
func (o *Orchestrator) RunEmail(ctx context.Context, eml []byte, opts RunOptions) (int64, error) {
	id := opts.SubmissionID
	if id == 0 {
		id = o.IDs.Next()
	}

	o.emitStep(ctx, id, "start", 0)
	msg, err := mail.Parse(eml)
	if err != nil {
		o.emitStep(ctx, id, "failed", 100)
		return 0, fmt.Errorf("parse mail: %w", err)
	}
	headers := mail.AnalyzeHeaders(msg.Headers)

	o.emitStep(ctx, id, "whois_lookup", 5)
	var whois *enrich.Info
	if headers.Routing.OriginatingIP != "" {
		whois, err = retry(ctx, o.lookupRetries(), 2*time.Second, "origin lookup", func() (*enrich.Info, error) {
			return o.Enricher.Lookup(ctx, headers.Routing.OriginatingIP)
		})
		if err != nil {
			o.emitStep(ctx, id, "failed", 100)
			return 0, fmt.Errorf("origin lookup: %w", err)
		}
	}

	data := msg.AnalysisData(headers)
	data.Links = mail.ExtractLinks(msg)
	if ow := condenseWhois(whois); ow != nil {
		if b, merr := json.Marshal(ow); merr == nil {
			data.Whois = b
		}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		o.emitStep(ctx, id, "failed", 100)
		return 0, err
	}

	dedupeKey := msg.SenderAddress()
	if dedupeKey == "" {
		dedupeKey = opts.Source
	}

	o.emitStep(ctx, id, "create_submission", 10)
	createdID, err := o.Store.CreateSubmission(ctx, &store.Submission{
		ID:   id,
		Kind: store.KindEmail,
		Data: store.SubmissionData{
			Kind:  store.KindEmail,
			Email: store.RawJSON(dataJSON),
		},
		DedupeKey: dedupeKey,
		Status:    store.StatusRunning,
		Source:    opts.Source,
	})
	if err != nil {
		o.emitStep(ctx, id, "failed", 100)
		return 0, fmt.Errorf("create submission: %w", err)
	}
	if createdID != id {
		logger.Info("submission already running", "submissionId", createdID, "sender", dedupeKey)
		return createdID, nil
	}

	o.emitStep(ctx, id, "save_artifacts", 40)
	emlID, err := o.Store.SaveArtifact(ctx, &store.Artifact{
		SubmissionID: id,
		Name:         "original.eml",
		Kind:         "eml",
		MimeType:     "message/rfc822",
		Blob:         eml,
	})
	if err != nil {
		o.fail(ctx, id, err)
		return id, err
	}

	o.emitStep(ctx, id, "analysis_run", 55)
	analysisRes, err := o.Engine.Run(ctx, analysis.RunParams{
		SubmissionID: id,
		Tier:         analysis.TierAnalysis,
		System:       emailAnalysisSystem,
		User:         []analysis.Content{{Text: "analyze this email:\n" + string(dataJSON)}},
	})
	if err != nil {
		o.fail(ctx, id, err)
		return id, err
	}

	phishing, err := o.classify(ctx, id, analysisRes.Text)
	if err != nil {
		o.fail(ctx, id, err)
		return id, err
	}

	if phishing {
		o.emitStep(ctx, id, "reporting", 90)
		if rerr := o.Reporter.ReportEmail(ctx, &report.EmailInput{
			SubmissionID:  id,
			Mail:          data,
			EML:           eml,
			EMLArtifactID: emlID,
			AnalysisText:  analysisRes.Text,
		}); rerr != nil {
			logger.Error("email report failed", "submissionId", id, "error", rerr)
		}

		o.spawnLinkSubmissions(ctx, id, data.Links, opts.CountryHint)

		if err := o.Store.SetSubmissionStatus(ctx, id, store.StatusReported, ""); err != nil {
			o.fail(ctx, id, err)
			return id, err
		}
	} else {
		if err := o.Store.SetSubmissionStatus(ctx, id, store.StatusInvalid, ""); err != nil {
			o.fail(ctx, id, err)
			return id, err
		}
	}

	if o.Notifier != nil && opts.NotifyTo != "" {
		if nerr := o.Notifier.NotifySubmitter(ctx, opts.NotifyTo, id, phishing, summarize(analysisRes.Text)); nerr != nil {
			logger.Warn("submitter notification failed", "submissionId", id, "error", nerr)
		}
	}

	o.emitStep(ctx, id, "completed", 100)
	return id, nil
}

// spawnLinkSubmissions starts a full website pipeline for every link
// found in a phishing mail. Children run in the background with
// pre-allocated ids so the parent reaches its terminal state without
// waiting out each archive and analysis; failures are logged and never
// touch the parent.
func (o *Orchestrator) spawnLinkSubmissions(ctx context.Context, parentID int64, links []mail.Link, countryHint string) {
	for _, link := range links {
		childID := o.IDs.Next()
		logger.Info("linked website submitted", "parent", parentID, "child", childID, "url", link.Href)

		o.spawned.Add(1)
		go func(href string, id int64) {
			defer o.spawned.Done()
			_, err := o.RunWebsite(context.WithoutCancel(ctx), href, RunOptions{
				SubmissionID: id,
				Source:       fmt.Sprintf("submission:%d", parentID),
				CountryHint:  countryHint,
			})
			if err != nil {
				logger.Warn("linked website submission failed", "parent", parentID, "url", href, "error", err)
			}
		}(link.Href, childID)
	}
}

// summarize trims analysis text to a short paragraph ending on a
// sentence boundary.
func summarize(text string) string {
	const limit = 600
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := strings.LastIndex(text[:limit], ".")
	if cut < 0 {
		cut = limit - 1
	}
	return strings.TrimSpace(text[:cut+1])
}

// RecoverStuck sweeps submissions left running by a previous process.
func (o *Orchestrator) RecoverStuck(ctx context.Context) error {
	n, err := o.Store.RecoverStuck(ctx)
	if err != nil {
		return fmt.Errorf("recover stuck submissions: %w", err)
	}
	if n > 0 {
		logger.Warn("recovered stuck submissions", "count", n)
	}
	return nil
}
