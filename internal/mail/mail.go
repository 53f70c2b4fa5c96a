// Package mail parses raw RFC 822 messages into the analyzable shape the
// pipeline feeds to the model: addressing, body text, header authentication
// signals, and extracted hyperlinks.
package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	netmail "net/mail"
	"strings"
)

// Attachment is one non-body MIME part.
type Attachment struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"-"`
}

// Message is a parsed email.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"-"`

	// Headers preserves every header, lowercased keys, in arrival order
	// per key.
	Headers map[string][]string `json:"-"`

	// RawHeader is the verbatim header block, used for authentication
	// analysis.
	RawHeader string `json:"-"`

	Attachments []Attachment `json:"-"`
}

// SenderAddress returns the bare address of the first From mailbox,
// lowercased. Used as the dedupe key of email submissions.
func (m *Message) SenderAddress() string {
	addrs, err := netmail.ParseAddressList(firstHeader(m.Headers, "from"))
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return strings.ToLower(addrs[0].Address)
}

// EMLAttachments returns attached message/rfc822 parts and attachments
// with an .eml filename. Forwarded abuse reports usually carry the
// offending message this way.
func (m *Message) EMLAttachments() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.ContentType == "message/rfc822" || strings.HasSuffix(strings.ToLower(a.Filename), ".eml") {
			out = append(out, a)
		}
	}
	return out
}

// Parse parses a raw email.
func Parse(raw []byte) (*Message, error) {
	msg, err := netmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	m := &Message{
		Headers: make(map[string][]string),
	}
	for key, values := range msg.Header {
		m.Headers[strings.ToLower(key)] = values
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		m.RawHeader = string(raw[:idx])
	} else if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		m.RawHeader = string(raw[:idx])
	} else {
		m.RawHeader = string(raw)
	}

	m.From = addressText(m.Headers, "from")
	m.To = addressText(m.Headers, "to")
	m.Cc = addressText(m.Headers, "cc")
	m.Bcc = addressText(m.Headers, "bcc")
	m.Subject = decodeWords(firstHeader(m.Headers, "subject"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if boundary := params["boundary"]; boundary != "" {
			walkMultipart(m, msg.Body, boundary)
		}
	} else {
		body, err := io.ReadAll(msg.Body)
		if err == nil {
			assignBody(m, mediaType, decodeBody(body, msg.Header.Get("Content-Transfer-Encoding")))
		}
	}

	m.Text = normalizeText(m.Text)
	return m, nil
}

func walkMultipart(m *Message, body io.Reader, boundary string) {
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/plain"
		}
		mediaType, params, _ := mime.ParseMediaType(contentType)

		partBody, err := io.ReadAll(part)
		if err != nil {
			continue
		}
		decoded := decodeBody(partBody, part.Header.Get("Content-Transfer-Encoding"))

		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				walkMultipart(m, bytes.NewReader(decoded), nested)
			}
			continue
		}

		filename := part.FileName()
		disposition := part.Header.Get("Content-Disposition")
		if filename != "" || strings.HasPrefix(disposition, "attachment") || mediaType == "message/rfc822" {
			m.Attachments = append(m.Attachments, Attachment{
				Filename:    decodeWords(filename),
				ContentType: mediaType,
				Body:        decoded,
			})
			continue
		}

		assignBody(m, mediaType, decoded)
	}
}

func assignBody(m *Message, mediaType string, body []byte) {
	switch mediaType {
	case "text/plain":
		if m.Text == "" {
			m.Text = string(body)
		}
	case "text/html":
		if m.HTML == "" {
			m.HTML = string(body)
		}
	}
}

func decodeBody(body []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := bytes.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, body)
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(decoded, cleaned)
		if err == nil {
			return decoded[:n]
		}
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err == nil {
			return decoded
		}
	}
	return body
}

func decodeWords(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func firstHeader(headers map[string][]string, key string) string {
	if values := headers[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// addressText renders an address header as one `"Name" <addr>` line per
// mailbox, the shape the analysis prompt expects.
func addressText(headers map[string][]string, key string) string {
	raw := firstHeader(headers, key)
	if raw == "" {
		return ""
	}
	addrs, err := netmail.ParseAddressList(raw)
	if err != nil {
		return decodeWords(raw)
	}
	var lines []string
	for _, a := range addrs {
		lines = append(lines, fmt.Sprintf("%q <%s>", a.Name, a.Address))
	}
	return strings.Join(lines, "\n")
}

// normalizeText collapses runs of blank lines and newlines into single
// spaces to keep the model input compact.
func normalizeText(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
