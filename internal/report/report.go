// Package report turns a confirmed-phishing analysis into outbound abuse
// notifications: drafted mail to the responsible abuse contacts, plus
// blocklist and hosting-provider form channels where they apply.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/phishing-support/pipeline/internal/analysis"
	"github.com/phishing-support/pipeline/internal/enrich"
	"github.com/phishing-support/pipeline/internal/mail"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
	"github.com/phishing-support/pipeline/internal/store"
)

// Report channels as persisted on report rows.
const (
	ChannelEmail      = "email"
	ChannelWebRisk    = "webrisk"
	ChannelCloudflare = "cloudflare"
	ChannelTencent    = "tencent"
)

var draftSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"to": {"type": "string"},
		"subject": {"type": "string"},
		"body": {"type": "string"}
	},
	"required": ["to", "subject", "body"],
	"additionalProperties": false
}`)

var brandSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"body": {"type": "string"},
		"infringed_brand": {"type": "string"}
	},
	"required": ["body", "infringed_brand"],
	"additionalProperties": false
}`)

// Engine drafts and dispatches abuse reports. Optional channel clients
// left nil are skipped.
type Engine struct {
	Store  *store.Store
	Model  analysis.Engine
	Mailer Mailer

	WebRisk    *WebRiskClient
	Cloudflare *CloudflareClient
	Tencent    *TencentClient

	From    string // outbound From header
	BaseURL string // public case-URL prefix
}

// WebsiteInput carries everything the website reporting fan-out needs.
type WebsiteInput struct {
	SubmissionID  int64
	URL           string
	Whois         *enrich.Info
	AnalysisText  string
	ScreenshotPNG []byte
	MHTML         []byte

	// Artifact ids of the archive files, recorded on each report row.
	ScreenshotArtifactID int64
	MHTMLArtifactID      int64

	CountryHint string
}

// EmailInput carries everything the email reporting path needs.
type EmailInput struct {
	SubmissionID  int64
	Mail          *mail.Data
	EML           []byte
	EMLArtifactID int64
	AnalysisText  string
}

func (e *Engine) caseURL(submissionID int64) string {
	return fmt.Sprintf("%s/submissions/%d", strings.TrimSuffix(e.BaseURL, "/"), submissionID)
}

func (e *Engine) generalNotes(submissionID int64) string {
	return fmt.Sprintf(`Write on behalf of "the team of phishing.support".
Write to them if they need further information about this case; they can find it at %s
Tone: professional and factual.`, e.caseURL(submissionID))
}

// recipient is one abuse contact with its channel-specific prompts.
type recipient struct {
	email  string
	system string
	user   string
}

func encodeForPrompt(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// websiteRecipients builds one recipient per unique abuse email: the
// owner of each hosting network, the domain registrar, and the apex
// registrar when the submission targeted a subdomain.
func (e *Engine) websiteRecipients(in *WebsiteInput) []recipient {
	if in.Whois == nil {
		return nil
	}
	whoisText := encodeForPrompt(in.Whois)

	var out []recipient
	for _, rec := range in.Whois.IPRDAPs {
		if rec.Abuse == nil || rec.Abuse.Email() == "" {
			continue
		}
		system := `You are an expert phishing analyst. Draft a concise report to the abuse contact about a phishing website hosted on their ip space/server infrastructure.

The report must include:
1) A short summary of the phishing analysis.
2) The phishing website URL and relevant dns information to identify the infrastructure (dns record, ip).
3) A clear request for investigation and takedown/mitigation.

` + e.generalNotes(in.SubmissionID)
		user := fmt.Sprintf(`Draft the report based on this analysis:

%s

Phishing Website URL:
%s

WhoIS/DNS:
%s

Contact the server provider of the IP address:
%s
The abuse contact is
%s`, in.AnalysisText, in.URL, whoisText, rec.IP, encodeForPrompt(rec.Abuse))
		out = append(out, recipient{email: rec.Abuse.Email(), system: system, user: user})
	}

	domains := []*enrich.Info{in.Whois, in.Whois.RootInfo}
	for _, info := range domains {
		abuse := info.RegistrarAbuse()
		if abuse == nil || abuse.Email() == "" {
			continue
		}
		system := `You are an expert phishing analyst. Draft a concise report to the abuse contact of the domain registrar of the phishing website.

The report must include:
1) A short summary of the phishing analysis.
2) The phishing website URL and relevant dns information to identify the infrastructure (DNS, registrar, registration date, etc).
3) A request for investigation and takedown/mitigation.

` + e.generalNotes(in.SubmissionID)
		user := fmt.Sprintf(`Draft the report based on this analysis:

%s

Phishing Website URL:
%s

WhoIS/DNS:
%s

Contact the domain registrar:
%s`, in.AnalysisText, in.URL, whoisText, encodeForPrompt(info.RDAP.Registrar))
		out = append(out, recipient{email: abuse.Email(), system: system, user: user})
	}

	// Dedup by email, first channel wins.
	seen := make(map[string]bool, len(out))
	deduped := out[:0]
	for _, r := range out {
		key := strings.ToLower(r.email)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, r)
	}
	return deduped
}

// ReportWebsite fans a confirmed phishing website out to every channel.
// Each dispatch runs in its own goroutine and persists its own report
// row; one failing channel never affects the others. The count of
// successful dispatches is returned.
func (e *Engine) ReportWebsite(ctx context.Context, in *WebsiteInput) int {
	var (
		wg   sync.WaitGroup
		sent atomic.Int64
	)
	dispatch := func(channel string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("report channel failed", "channel", channel, "submissionId", in.SubmissionID, "error", err)
				return
			}
			sent.Add(1)
		}()
	}

	for _, r := range e.websiteRecipients(in) {
		if strings.EqualFold(r.email, tencentAbuseEmail) && e.Tencent != nil {
			dispatch(ChannelTencent, func() error { return e.reportTencent(ctx, in) })
			continue
		}
		dispatch(ChannelEmail, func() error { return e.reportWebsiteEmail(ctx, in, r) })
	}
	if e.WebRisk != nil {
		dispatch(ChannelWebRisk, func() error { return e.reportWebRisk(ctx, in) })
	}
	if e.Cloudflare != nil && cloudflareFronted(in.Whois) {
		dispatch(ChannelCloudflare, func() error { return e.reportCloudflare(ctx, in) })
	}

	wg.Wait()
	return int(sent.Load())
}

// cloudflareFronted reports whether the site's addresses resolve into
// Cloudflare network space, which is when the abuse form is the contact
// that can actually act.
func cloudflareFronted(info *enrich.Info) bool {
	if info == nil {
		return false
	}
	for _, rec := range info.IPRDAPs {
		if strings.Contains(strings.ToUpper(rec.Name), "CLOUDFLARE") {
			return true
		}
		if rec.Abuse != nil && strings.Contains(strings.ToLower(rec.Abuse.Email()), "@cloudflare.com") {
			return true
		}
	}
	return false
}

// reportWebsiteEmail drafts and sends one abuse mail, recording the
// outcome as a report row either way.
func (e *Engine) reportWebsiteEmail(ctx context.Context, in *WebsiteInput, r recipient) error {
	row := &store.Report{
		SubmissionID: in.SubmissionID,
		Channel:      ChannelEmail,
		To:           r.email,
	}

	draft, runID, err := e.draft(ctx, in.SubmissionID, r.system, r.user, draftSchema)
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	row.AnalysisRunID = runID
	if draft.To != "" {
		row.To = draft.To
	}
	row.Subject = draft.Subject
	row.Body = draft.Body
	row.AttachmentArtifactIDs = attachmentIDs(in.MHTMLArtifactID, in.ScreenshotArtifactID)
	row.Data = store.JSON{"url": in.URL}

	msgID, err := e.Mailer.Send(ctx, &OutboundMail{
		From:    e.From,
		To:      row.To,
		Subject: draft.Subject,
		Text:    draft.Body + "\n\n",
		Attachments: []Attachment{
			{Filename: "website.mhtml", Content: in.MHTML, ContentType: "text/mhtml"},
			{Filename: "website.png", Content: in.ScreenshotPNG, ContentType: "image/png"},
		},
	})
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	row.ProviderMessageID = msgID
	return e.persistSent(ctx, row)
}

// reportWebRisk submits the URL for blocklisting.
func (e *Engine) reportWebRisk(ctx context.Context, in *WebsiteInput) error {
	row := &store.Report{
		SubmissionID: in.SubmissionID,
		Channel:      ChannelWebRisk,
		To:           "Google Web Risk",
		Body:         in.URL,
	}
	sub, err := e.WebRisk.Submit(ctx, in.URL)
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	row.Data = store.JSON{"uri": sub.URI}
	return e.persistSent(ctx, row)
}

// reportCloudflare files the abuse form behind Turnstile.
func (e *Engine) reportCloudflare(ctx context.Context, in *WebsiteInput) error {
	row := &store.Report{
		SubmissionID: in.SubmissionID,
		Channel:      ChannelCloudflare,
		To:           "Cloudflare Abuse",
	}

	system := `You are an expert phishing analyst.
"body": Write a concise explanation of why the provided URL is considered a phishing website.
"infringed_brand": Write the legitimate brand being impersonated by the phishing website and possibly the exact URL address of the cloned website.`
	user := fmt.Sprintf(`Write the explanation based on this analysis:
%s

Phishing Website URL:
%s`, in.AnalysisText, in.URL)

	draft, runID, err := e.draft(ctx, in.SubmissionID, system, user, brandSchema)
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	row.AnalysisRunID = runID
	row.Body = fmt.Sprintf("%s\nInfringed Brand: %s", draft.Body, draft.InfringedBrand)

	err = e.Cloudflare.Report(ctx, ReportParams{
		URL:            in.URL,
		SiteURL:        strings.TrimSuffix(e.BaseURL, "/") + "/",
		CaseURL:        e.caseURL(in.SubmissionID),
		Explanation:    draft.Body,
		InfringedBrand: draft.InfringedBrand,
		CountryCode:    in.CountryHint,
	})
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	return e.persistSent(ctx, row)
}

// reportTencent files the registrar web form replacing mail to the
// Tencent abuse address.
func (e *Engine) reportTencent(ctx context.Context, in *WebsiteInput) error {
	row := &store.Report{
		SubmissionID: in.SubmissionID,
		Channel:      ChannelTencent,
		To:           "Tencent Cloud Domain Abuse",
	}

	system := fmt.Sprintf(`You are an expert phishing analyst. Write a very concise explanation (max 400 chars) for reporting a phishing website to the Tencent Cloud Domain Abuse platform.
The explanation must clearly state only the most important point why the website is a phishing site.

Write very short to them if they need further information about this case, they can find it at %s`, e.caseURL(in.SubmissionID))
	user := fmt.Sprintf(`Write the explanation based on this analysis:
%s

Phishing Website URL:
%s

Also provide the impersonated brand's legitimate website URL as "infringed_brand".`, in.AnalysisText, in.URL)

	draft, runID, err := e.draft(ctx, in.SubmissionID, system, user, brandSchema)
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	row.AnalysisRunID = runID
	explanation := draft.Body
	if len(explanation) > 500 {
		explanation = explanation[:500]
	}
	row.Body = fmt.Sprintf("%s\nInfringed URL: %s", explanation, draft.InfringedBrand)

	err = e.Tencent.Report(ctx, TencentParams{
		URL:           in.URL,
		Explanation:   explanation,
		InfringedURL:  draft.InfringedBrand,
		ScreenshotPNG: in.ScreenshotPNG,
	})
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	return e.persistSent(ctx, row)
}

// ReportEmail reports a phishing mail to the abuse contact of the
// network that originated it, attaching the original message.
func (e *Engine) ReportEmail(ctx context.Context, in *EmailInput) error {
	system := `You are an expert email phishing analyst. Draft a concise report to the abuse contact of the sending IP's owner, reporting a phishing email that originated from their infrastructure.

The report must include:
1) A brief summary of the phishing email (brand impersonated, main action pushed).
2) The sending IP/domain used and any relevant header signals.
3) A request for investigation and mitigation.

The original phishing email with full headers will be attached.
` + e.generalNotes(in.SubmissionID)
	user := fmt.Sprintf(`Draft the report based on this analysis:

%s

Email:
%s`, in.AnalysisText, encodeForPrompt(in.Mail))

	row := &store.Report{
		SubmissionID: in.SubmissionID,
		Channel:      ChannelEmail,
	}

	draft, runID, err := e.draft(ctx, in.SubmissionID, system, user, draftSchema)
	if err != nil {
		row.To = "unresolved"
		e.persistFailed(ctx, row, err)
		return err
	}
	row.AnalysisRunID = runID
	row.To = draft.To
	row.Subject = draft.Subject
	row.Body = draft.Body
	row.AttachmentArtifactIDs = attachmentIDs(in.EMLArtifactID)

	msgID, err := e.Mailer.Send(ctx, &OutboundMail{
		From:    e.From,
		To:      draft.To,
		Subject: draft.Subject,
		Text:    draft.Body + "\n\n",
		Attachments: []Attachment{
			{Filename: "original.eml", Content: in.EML, ContentType: "message/rfc822"},
		},
	})
	if err != nil {
		e.persistFailed(ctx, row, err)
		return err
	}
	row.ProviderMessageID = msgID
	return e.persistSent(ctx, row)
}

// draft runs one model call on the draft tier and decodes the structured
// output.
func (e *Engine) draft(ctx context.Context, submissionID int64, system, user string, schema json.RawMessage) (*analysis.Draft, int64, error) {
	res, err := e.Model.Run(ctx, analysis.RunParams{
		SubmissionID: submissionID,
		Tier:         analysis.TierDraft,
		System:       system,
		User:         []analysis.Content{{Text: user}},
		Schema:       schema,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("draft report: %w", err)
	}
	var d analysis.Draft
	if err := analysis.ParseStructured(res.Parsed, &d); err != nil {
		return nil, res.RunID, fmt.Errorf("draft report: %w", err)
	}
	return &d, res.RunID, nil
}

func (e *Engine) persistSent(ctx context.Context, row *store.Report) error {
	row.Status = store.ReportSent
	if _, err := e.Store.CreateReport(ctx, row); err != nil {
		return fmt.Errorf("persist report: %w", err)
	}
	logger.Info("report dispatched", "submissionId", row.SubmissionID, "channel", row.Channel, "to", row.To)
	return nil
}

func (e *Engine) persistFailed(ctx context.Context, row *store.Report, cause error) {
	row.Status = store.ReportFailed
	if row.Data == nil {
		row.Data = store.JSON{}
	}
	row.Data["error"] = cause.Error()
	if _, err := e.Store.CreateReport(ctx, row); err != nil {
		logger.Error("persist failed report", "submissionId", row.SubmissionID, "channel", row.Channel, "error", err)
	}
}

func attachmentIDs(ids ...int64) []int64 {
	var out []int64
	for _, id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}
