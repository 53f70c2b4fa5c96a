package report

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	netmail "net/mail"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMIME(t *testing.T) {
	raw, err := BuildMIME(&OutboundMail{
		From:    "Phishing Support <report@phishing.support>",
		To:      "abuse@host.example",
		Subject: "Phishing website report",
		Text:    "Please investigate.\n\n",
		Attachments: []Attachment{
			{Filename: "website.png", Content: bytes.Repeat([]byte{0xAB}, 200), ContentType: "image/png"},
		},
	})
	require.NoError(t, err)

	msg, err := netmail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "abuse@host.example", msg.Header.Get("To"))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)
	require.NotEmpty(t, params["boundary"])

	mr := multipart.NewReader(msg.Body, params["boundary"])

	text, err := mr.NextPart()
	require.NoError(t, err)
	assert.Contains(t, text.Header.Get("Content-Type"), "text/plain")

	att, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "website.png", att.FileName())
	assert.Equal(t, "base64", att.Header.Get("Content-Transfer-Encoding"))
	// multipart does not auto-decode; the payload must round-trip.
	payload, err := io.ReadAll(att)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(payload)), "q6ur"))

	_, err = mr.NextPart()
	assert.Equal(t, io.EOF, err)
}

func TestBuildMIMERequiresRecipient(t *testing.T) {
	_, err := BuildMIME(&OutboundMail{From: "a@b.test"})
	assert.Error(t, err)
}

type recordingMailer struct{ last *OutboundMail }

func (r *recordingMailer) Send(_ context.Context, m *OutboundMail) (string, error) {
	r.last = m
	return "mid-1", nil
}

func TestNotifySubmitter(t *testing.T) {
	mailer := &recordingMailer{}
	n, err := NewNotifier(mailer, "Phishing Support <report@phishing.support>", "https://phishing.support")
	require.NoError(t, err)

	require.NoError(t, n.NotifySubmitter(context.Background(), "victim@corp.test", 99, true, "Clone of a bank login page."))
	require.NotNil(t, mailer.last)
	assert.Equal(t, "victim@corp.test", mailer.last.To)
	assert.Contains(t, mailer.last.Subject, "confirmed")
	assert.Contains(t, mailer.last.Text, "confirmed it as phishing")
	assert.Contains(t, mailer.last.Text, "https://phishing.support/submissions/99")
	assert.Contains(t, mailer.last.Text, "Clone of a bank login page.")

	require.NoError(t, n.NotifySubmitter(context.Background(), "victim@corp.test", 100, false, "Routine newsletter."))
	assert.Contains(t, mailer.last.Text, "did not classify it as phishing")
}
