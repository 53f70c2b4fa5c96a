package mail

import "encoding/json"

// Data is the kind-specific submission payload for email submissions,
// persisted as the submission's data and rendered into the analysis
// prompt.
type Data struct {
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
	Subject string `json:"subject"`
	Text    string `json:"text"`

	Headers *HeaderAnalysis `json:"headers,omitempty"`

	// Whois is the enrichment result for the originating IP.
	Whois json.RawMessage `json:"whois,omitempty"`

	Links []Link `json:"links,omitempty"`
}

// AnalysisData assembles the persisted payload from a parsed message.
func (m *Message) AnalysisData(headers *HeaderAnalysis) *Data {
	return &Data{
		From:    m.From,
		To:      m.To,
		Cc:      m.Cc,
		Bcc:     m.Bcc,
		Subject: m.Subject,
		Text:    m.Text,
		Headers: headers,
		Links:   ExtractLinks(m),
	}
}
