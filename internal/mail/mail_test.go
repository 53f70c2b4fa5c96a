package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleEML = "From: \"Trade Republic\" <information7@mail7.rzhlzl.com>\r\n" +
	"To: victim@example.org\r\n" +
	"Subject: Verify your account\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please verify at https://saewar.com/De56Mgw1A today.\r\n"

func multipartEML() string {
	return strings.Join([]string{
		"From: attacker@phish.example",
		"To: victim@example.org",
		"Subject: =?utf-8?q?Unusual_activity?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See the attached invoice.",
		"--outer",
		"Content-Type: text/html; charset=utf-8",
		"",
		`<html><body><a href="https://evil.example/login">Log in</a>` +
			`<a href="https://evil.example/login">Log in</a>` +
			`<a href="mailto:a@b.c">write us</a></body></html>`,
		"--outer",
		"Content-Type: message/rfc822",
		`Content-Disposition: attachment; filename="sample.eml"`,
		"",
		simpleEML,
		"--outer--",
		"",
	}, "\r\n")
}

func TestParseSimpleMessage(t *testing.T) {
	m, err := Parse([]byte(simpleEML))
	require.NoError(t, err)

	assert.Equal(t, `"Trade Republic" <information7@mail7.rzhlzl.com>`, m.From)
	assert.Equal(t, "Verify your account", m.Subject)
	assert.Contains(t, m.Text, "https://saewar.com/De56Mgw1A")
	assert.Equal(t, "information7@mail7.rzhlzl.com", m.SenderAddress())
}

func TestParseMultipartWithAttachment(t *testing.T) {
	m, err := Parse([]byte(multipartEML()))
	require.NoError(t, err)

	assert.Equal(t, "Unusual activity", m.Subject)
	assert.Equal(t, "See the attached invoice.", m.Text)
	assert.Contains(t, m.HTML, "evil.example")

	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "sample.eml", m.Attachments[0].Filename)

	emls := m.EMLAttachments()
	require.Len(t, emls, 1)
	inner, err := Parse(emls[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "information7@mail7.rzhlzl.com", inner.SenderAddress())
}

func TestParseBase64Body(t *testing.T) {
	eml := "From: a@b.c\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gd29ybGQ=\r\n"

	m, err := Parse([]byte(eml))
	require.NoError(t, err)
	assert.Equal(t, "hello world", m.Text)
}

func TestExtractLinks(t *testing.T) {
	t.Run("html links deduplicated", func(t *testing.T) {
		m := &Message{HTML: `<a href="https://evil.example/a">x</a><a href="https://evil.example/a">y</a><a href="https://evil.example/b">z</a>`}
		links := ExtractLinks(m)
		require.Len(t, links, 2)
		assert.Equal(t, "https://evil.example/a", links[0].Href)
		assert.Equal(t, "https://evil.example/b", links[1].Href)
	})

	t.Run("non-http schemes skipped", func(t *testing.T) {
		m := &Message{HTML: `<a href="mailto:a@b.c">mail</a><a href="javascript:alert(1)">js</a>`}
		assert.Empty(t, ExtractLinks(m))
	})

	t.Run("text fallback", func(t *testing.T) {
		m := &Message{Text: "visit https://saewar.com/De56Mgw1A. now"}
		links := ExtractLinks(m)
		require.Len(t, links, 1)
		assert.Equal(t, "https://saewar.com/De56Mgw1A", links[0].Href)
	})
}

func TestAnalyzeHeaders(t *testing.T) {
	headers := map[string][]string{
		"received": {
			"from mail7.rzhlzl.com (mail7.rzhlzl.com [34.102.117.75]) by mx.example.org with ESMTPS id x1; Mon, 2 Jun 2025 10:00:00 +0000",
			"from localhost (localhost [127.0.0.1]) by mail7.rzhlzl.com with ESMTP id y2",
			"from client.lan (unknown [192.168.1.50]) by localhost with SMTP",
		},
		"authentication-results": {"mx.example.org; spf=pass smtp.mailfrom=mail7.rzhlzl.com; dkim=none"},
		"received-spf":           {"pass (mx.example.org: domain of information7@mail7.rzhlzl.com designates 34.102.117.75 as permitted sender)"},
		"x-dmarc-policy":         {"none"},
		"return-path":            {"<information7@mail7.rzhlzl.com>"},
		"reply-to":               {"support@other.example"},
	}

	a := AnalyzeHeaders(headers)

	require.Len(t, a.Routing.Hops, 3)
	assert.Equal(t, "34.102.117.75", a.Routing.Hops[0].FromIP)
	assert.Equal(t, "ESMTPS", a.Routing.Hops[0].WithProto)
	assert.Equal(t, "mx.example.org", a.Routing.Hops[0].ByHost)

	// Private and loopback hops are skipped when picking the origin.
	assert.Equal(t, "34.102.117.75", a.Routing.OriginatingIP)
	assert.Equal(t, "mail7.rzhlzl.com", a.Routing.OriginatingServer)

	assert.Contains(t, a.Authentication.Results, "spf=pass")
	assert.Equal(t, "none", a.Authentication.DMARC.Policy)
	assert.Equal(t, "information7@mail7.rzhlzl.com", a.Authentication.ReturnPath)
	assert.Equal(t, "support@other.example", a.Authentication.ReplyTo)
}

func TestAnalyzeHeadersPrivateOnlyFallback(t *testing.T) {
	headers := map[string][]string{
		"received": {
			"from internal.lan (internal.lan [10.0.0.5]) by mx.corp.example with ESMTP",
		},
	}
	a := AnalyzeHeaders(headers)
	assert.Equal(t, "10.0.0.5", a.Routing.OriginatingIP)
}
