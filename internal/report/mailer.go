package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/google/uuid"

	"github.com/phishing-support/pipeline/internal/config"
)

// Attachment is one file attached to an outbound report mail.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentType string
}

// OutboundMail is one report mail to send.
type OutboundMail struct {
	From        string
	To          string
	Subject     string
	Text        string
	Attachments []Attachment
}

// Mailer delivers outbound report mail and returns the provider message
// id.
type Mailer interface {
	Send(ctx context.Context, m *OutboundMail) (string, error)
}

// SESMailer sends raw MIME mail through the SES v2 API. Raw mode is
// required because the simple-content API cannot carry attachments.
type SESMailer struct {
	client *sesv2.Client
}

// NewSESMailer creates the production mailer.
func NewSESMailer(ctx context.Context, cfg config.SESConfig) (*SESMailer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SESMailer{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// Send builds the raw MIME message and submits it.
func (m *SESMailer) Send(ctx context.Context, mail *OutboundMail) (string, error) {
	raw, err := BuildMIME(mail)
	if err != nil {
		return "", err
	}

	out, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// BuildMIME renders an outbound mail as a raw RFC 5322 message:
// multipart/mixed with a quoted-printable text part and base64
// attachments.
func BuildMIME(mail *OutboundMail) ([]byte, error) {
	if mail.To == "" {
		return nil, fmt.Errorf("outbound mail has no recipient")
	}

	boundary := "mixed-" + uuid.NewString()
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", mail.From)
	fmt.Fprintf(&buf, "To: %s\r\n", mail.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", mail.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(mail.Text)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")

	for _, att := range mail.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s; name=%q\r\n", contentType, att.Filename)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", att.Filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString("\r\n")
		writeBase64(&buf, att.Content)
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes(), nil
}

// writeBase64 writes data base64-encoded, wrapped at 76 columns.
func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if len(encoded) > 0 {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
}
