package mail

import (
	"net"
	"regexp"
	"strings"
)

// ReceivedHop is one parsed Received header.
type ReceivedHop struct {
	FromHost  string `json:"fromHost,omitempty"`
	FromIP    string `json:"fromIp,omitempty"`
	ByHost    string `json:"byHost,omitempty"`
	WithProto string `json:"withProto,omitempty"`
}

// DMARCInfo carries the receiving server's DMARC evaluation headers.
type DMARCInfo struct {
	Policy string `json:"policy,omitempty"`
	Info   string `json:"info,omitempty"`
}

// Authentication summarizes SPF/DKIM/DMARC/ARC signals from the header
// block.
type Authentication struct {
	Results       string    `json:"results,omitempty"` // Authentication-Results
	ReceivedSPF   string    `json:"receivedSpf,omitempty"`
	DKIMSignature string    `json:"dkimSignature,omitempty"`
	DMARC         DMARCInfo `json:"dmarc"`
	ARC           string    `json:"arc,omitempty"`
	ReturnPath    string    `json:"returnPath,omitempty"`
	ReplyTo       string    `json:"replyTo,omitempty"`
}

// Routing is the Received chain plus the inferred origin.
type Routing struct {
	Hops []ReceivedHop `json:"hops,omitempty"`

	// OriginatingIP is the first public client IP in the chain, walking
	// from the submitting client towards the receiving server.
	OriginatingIP     string `json:"originatingIp,omitempty"`
	OriginatingServer string `json:"originatingServer,omitempty"`
}

// HeaderAnalysis is the authentication and routing summary fed to the
// analysis prompt and used to locate the sending server's network.
type HeaderAnalysis struct {
	Authentication Authentication `json:"authentication"`
	Routing        Routing        `json:"routing"`
}

var (
	receivedFromRe = regexp.MustCompile(`(?i)\bfrom\s+(\S+)`)
	receivedByRe   = regexp.MustCompile(`(?i)\bby\s+(\S+)`)
	receivedWithRe = regexp.MustCompile(`(?i)\bwith\s+([^\s;]+)`)
	receivedIPRe   = regexp.MustCompile(`\[([0-9a-fA-F:.]+)\]`)
)

// AnalyzeHeaders extracts authentication and routing signals from the
// parsed headers.
func AnalyzeHeaders(headers map[string][]string) *HeaderAnalysis {
	a := &HeaderAnalysis{
		Authentication: Authentication{
			Results:       firstHeader(headers, "authentication-results"),
			ReceivedSPF:   firstHeader(headers, "received-spf"),
			DKIMSignature: firstHeader(headers, "dkim-signature"),
			DMARC: DMARCInfo{
				Policy: firstHeader(headers, "x-dmarc-policy"),
				Info:   firstHeader(headers, "x-dmarc-info"),
			},
			ARC:        firstHeader(headers, "x-arc-info"),
			ReturnPath: strings.Trim(firstHeader(headers, "return-path"), "<>"),
			ReplyTo:    firstHeader(headers, "reply-to"),
		},
	}

	a.Routing.Hops = parseReceived(headers["received"])

	// Received headers are prepended by each relay, so the topmost public
	// client address is the server that handed the message to our side of
	// the chain. Fall back to any hop with an address at all.
	for _, hop := range a.Routing.Hops {
		if hop.FromIP != "" && isPublicIP(hop.FromIP) {
			a.Routing.OriginatingIP = hop.FromIP
			a.Routing.OriginatingServer = hop.FromHost
			break
		}
	}
	if a.Routing.OriginatingIP == "" {
		for i := len(a.Routing.Hops) - 1; i >= 0; i-- {
			if hop := a.Routing.Hops[i]; hop.FromIP != "" {
				a.Routing.OriginatingIP = hop.FromIP
				a.Routing.OriginatingServer = hop.FromHost
				break
			}
		}
	}
	return a
}

func parseReceived(lines []string) []ReceivedHop {
	var hops []ReceivedHop
	for _, line := range lines {
		compact := strings.Join(strings.Fields(line), " ")
		hop := ReceivedHop{}
		if m := receivedFromRe.FindStringSubmatch(compact); m != nil {
			hop.FromHost = m[1]
		}
		if m := receivedByRe.FindStringSubmatch(compact); m != nil {
			hop.ByHost = m[1]
		}
		if m := receivedWithRe.FindStringSubmatch(compact); m != nil {
			hop.WithProto = m[1]
		}
		if m := receivedIPRe.FindStringSubmatch(compact); m != nil {
			if net.ParseIP(m[1]) != nil {
				hop.FromIP = m[1]
			}
		}
		hops = append(hops, hop)
	}
	return hops
}

func isPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}
