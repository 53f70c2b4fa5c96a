package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/osteele/liquid"

	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

// notifyTemplate is the verdict summary mailed back to whoever forwarded
// a suspicious message in.
const notifyTemplate = `Hello,

thank you for forwarding a suspicious message to us.

{% if phishing %}Our analysis confirmed it as phishing. We have notified the responsible abuse contacts and requested a takedown.{% else %}Our analysis did not classify it as phishing. No reports were filed.{% endif %}

Summary:
{{ summary }}

The full case, including the analysis and every report we sent, is available at:
{{ case_url }}

The team of phishing.support
`

// Notifier mails verdict summaries to submitters.
type Notifier struct {
	mailer  Mailer
	from    string
	baseURL string
	tmpl    *liquid.Template
}

// NewNotifier parses the template once up front.
func NewNotifier(mailer Mailer, from, baseURL string) (*Notifier, error) {
	tmpl, err := liquid.NewEngine().ParseTemplate([]byte(notifyTemplate))
	if err != nil {
		return nil, fmt.Errorf("parse notification template: %w", err)
	}
	return &Notifier{mailer: mailer, from: from, baseURL: baseURL, tmpl: tmpl}, nil
}

// NotifySubmitter sends the verdict mail. Callers treat failures as
// best-effort; this logs and returns the error without side effects.
func (n *Notifier) NotifySubmitter(ctx context.Context, to string, submissionID int64, phishing bool, summary string) error {
	caseURL := fmt.Sprintf("%s/submissions/%d", strings.TrimSuffix(n.baseURL, "/"), submissionID)
	body, err := n.tmpl.Render(liquid.Bindings{
		"phishing": phishing,
		"summary":  summary,
		"case_url": caseURL,
	})
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	subject := "Your phishing report: no phishing detected"
	if phishing {
		subject = "Your phishing report: confirmed and reported"
	}

	if _, err := n.mailer.Send(ctx, &OutboundMail{
		From:    n.from,
		To:      to,
		Subject: subject,
		Text:    string(body),
	}); err != nil {
		logger.Warn("submitter notification failed", "to", to, "submissionId", submissionID, "error", err)
		return err
	}
	return nil
}
