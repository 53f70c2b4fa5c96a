package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	a     map[string][]string
	aaaa  map[string][]string
	ns    map[string][]string
	mx    map[string][]string
	cname map[string]string
	txt   map[string][]string
}

func (f *fakeResolver) LookupIP(_ context.Context, network, host string) ([]net.IP, error) {
	var addrs []string
	switch network {
	case "ip4":
		addrs = f.a[host]
	case "ip6":
		addrs = f.aaaa[host]
	}
	if len(addrs) == 0 {
		return nil, errors.New("no such host")
	}
	var ips []net.IP
	for _, addr := range addrs {
		ips = append(ips, net.ParseIP(addr))
	}
	return ips, nil
}

func (f *fakeResolver) LookupNS(_ context.Context, host string) ([]*net.NS, error) {
	hosts := f.ns[host]
	if len(hosts) == 0 {
		return nil, errors.New("no such host")
	}
	var out []*net.NS
	for _, h := range hosts {
		out = append(out, &net.NS{Host: h + "."})
	}
	return out, nil
}

func (f *fakeResolver) LookupMX(_ context.Context, host string) ([]*net.MX, error) {
	hosts := f.mx[host]
	if len(hosts) == 0 {
		return nil, errors.New("no such host")
	}
	var out []*net.MX
	for _, h := range hosts {
		out = append(out, &net.MX{Host: h + "."})
	}
	return out, nil
}

func (f *fakeResolver) LookupCNAME(_ context.Context, host string) (string, error) {
	if c, ok := f.cname[host]; ok {
		return c + ".", nil
	}
	return "", errors.New("no such host")
}

func (f *fakeResolver) LookupTXT(_ context.Context, host string) ([]string, error) {
	if records, ok := f.txt[host]; ok {
		return records, nil
	}
	return nil, errors.New("no such host")
}

func abuseEntity(email, remarks string) map[string]any {
	return map[string]any{
		"handle": "ABUSE-1",
		"roles":  []string{"abuse"},
		"remarks": []map[string]any{
			{"description": []string{remarks}},
		},
		"vcardArray": []any{
			"vcard",
			[]any{
				[]any{"fn", map[string]any{}, "text", "Abuse Desk"},
				[]any{"email", map[string]any{}, "text", email},
			},
		},
	}
}

func newRDAPServer(t *testing.T, ipAbuse map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/domain/", func(w http.ResponseWriter, r *http.Request) {
		domain := r.URL.Path[len("/domain/"):]
		if domain == "unknown.test" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ldhName": domain,
			"status":  []string{"active"},
			"events": []map[string]any{
				{"eventAction": "registration", "eventDate": "2025-01-01T00:00:00Z"},
			},
			"nameservers": []map[string]any{
				{"ldhName": "ns1.dnshost.test"},
			},
			"entities": []map[string]any{
				{
					"handle": "REG-42",
					"roles":  []string{"registrar"},
					"publicIds": []map[string]any{
						{"type": "IANA Registrar ID", "identifier": "42"},
					},
					"entities": []any{abuseEntity("abuse@registrar-"+domain, "registrar abuse desk")},
				},
			},
		})
	})

	mux.HandleFunc("/ip/", func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Path[len("/ip/"):]
		email, ok := ipAbuse[ip]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"handle":       "NET-" + ip,
			"name":         "EXAMPLE-NET",
			"country":      "DE",
			"startAddress": ip,
			"remarks": []map[string]any{
				{"description": []string{"network level remark"}},
			},
			"entities": []any{abuseEntity(email, "send complaints here")},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, resolver Resolver, ipAbuse map[string]string) *Service {
	t.Helper()
	srv := newRDAPServer(t, ipAbuse)
	rdap := NewRDAPClient(srv.Client())
	rdap.DomainBase = srv.URL
	rdap.IPBase = srv.URL
	return NewService(resolver, rdap)
}

func TestLookupIPLiteral(t *testing.T) {
	svc := newService(t, &fakeResolver{}, map[string]string{"34.102.117.75": "abuse@cloud.example"})

	info, err := svc.Lookup(context.Background(), "34.102.117.75")
	require.NoError(t, err)

	require.Len(t, info.IPRDAPs, 1)
	rec := info.IPRDAPs[0]
	assert.Equal(t, "34.102.117.75", rec.IP)
	require.NotNil(t, rec.Abuse)
	assert.Equal(t, "abuse@cloud.example", rec.Abuse.Email())
	// Ancestor remarks are carried into the contact.
	assert.Contains(t, rec.Abuse.Remarks, "network level remark")
	assert.Contains(t, rec.Abuse.Remarks, "send complaints here")
	assert.Nil(t, info.RDAP)
	assert.Nil(t, info.RootInfo)
}

func TestLookupDomain(t *testing.T) {
	resolver := &fakeResolver{
		a:  map[string][]string{"saewar.com": {"192.0.2.10", "192.0.2.11"}},
		ns: map[string][]string{"saewar.com": {"ns1.dnshost.test"}},
	}
	// Both addresses belong to the same operator: one record survives.
	svc := newService(t, resolver, map[string]string{
		"192.0.2.10": "abuse@hosting.example",
		"192.0.2.11": "abuse@hosting.example",
	})

	info, err := svc.Lookup(context.Background(), "https://saewar.com/De56Mgw1A")
	require.NoError(t, err)

	require.NotNil(t, info.RDAP)
	assert.Equal(t, "saewar.com", info.RDAP.Domain)
	require.NotNil(t, info.RDAP.Registrar)
	assert.Equal(t, "REG-42", info.RDAP.Registrar.Handle)

	registrarAbuse := info.RegistrarAbuse()
	require.NotNil(t, registrarAbuse)
	assert.Equal(t, "abuse@registrar-saewar.com", registrarAbuse.Email())

	assert.Equal(t, []string{"192.0.2.10", "192.0.2.11"}, info.DNS.A)
	assert.Empty(t, info.DNS.MX, "failed record types resolve to empty")

	require.Len(t, info.IPRDAPs, 1)
	assert.Equal(t, "abuse@hosting.example", info.IPRDAPs[0].Abuse.Email())

	require.Len(t, info.NameserverInfo, 1)
	assert.Equal(t, "dnshost.test", info.NameserverInfo[0].Domain)
}

func TestLookupSubdomainRecursesToApex(t *testing.T) {
	resolver := &fakeResolver{
		a: map[string][]string{
			"login.saewar.com": {"192.0.2.10"},
			"saewar.com":       {"192.0.2.20"},
		},
	}
	svc := newService(t, resolver, map[string]string{
		"192.0.2.10": "abuse@hosting.example",
		"192.0.2.20": "abuse@hosting.example",
	})

	info, err := svc.Lookup(context.Background(), "login.saewar.com")
	require.NoError(t, err)

	require.NotNil(t, info.RootInfo)
	assert.Equal(t, "saewar.com", info.RootInfo.RDAP.Domain)
	assert.Nil(t, info.RootInfo.RootInfo, "apex does not recurse further")
}

func TestLookupNothingResolves(t *testing.T) {
	svc := newService(t, &fakeResolver{}, nil)

	_, err := svc.Lookup(context.Background(), "unknown.test")
	var lookupErr *LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Equal(t, "unknown.test", lookupErr.Host)
}

func TestIPRecordDedupKey(t *testing.T) {
	tests := []struct {
		name string
		rec  IPRecord
		want string
	}{
		{
			name: "abuse email preferred",
			rec: IPRecord{
				Entity: Entity{Handle: "NET-1"},
				Abuse:  &AbuseContact{VCard: VCard{"email": "abuse@example.net"}},
			},
			want: "abuse@example.net",
		},
		{
			name: "handle fallback without abuse contact",
			rec:  IPRecord{Entity: Entity{Handle: "NET-1"}},
			want: "NET-1",
		},
		{
			name: "handle fallback when contact has no email",
			rec: IPRecord{
				Entity: Entity{Handle: "NET-2"},
				Abuse:  &AbuseContact{VCard: VCard{"fn": "NOC"}},
			},
			want: "NET-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.DedupKey())
		})
	}
}

func TestParseVCardRepeatedProperties(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`"vcard"`),
		json.RawMessage(`[
			["fn", {}, "text", "Abuse Desk"],
			["email", {}, "text", "first@example.net"],
			["email", {}, "text", "second@example.net"]
		]`),
	}

	card := parseVCard(raw)
	require.NotNil(t, card)
	assert.Equal(t, "Abuse Desk", card.FN())
	assert.Equal(t, "first@example.net", card.Email())

	values, ok := card["email"].([]any)
	require.True(t, ok, "repeated property should collect into a list")
	assert.Len(t, values, 2)
}

func TestDomainEndpointSelection(t *testing.T) {
	c := NewRDAPClient(http.DefaultClient)
	tests := []struct {
		domain string
		want   string
	}{
		{"example.com", "https://rdap.verisign.com/com/v1"},
		{"example.net", "https://rdap.verisign.com/net/v1"},
		{"example.dev", "https://rdap.org"},
		{"nodot", "https://rdap.org"},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			assert.Equal(t, tt.want, c.domainEndpoint(tt.domain))
		})
	}
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "saewar.com", Hostname("https://saewar.com/De56Mgw1A"))
	assert.Equal(t, "saewar.com", Hostname("saewar.com"))
	assert.Equal(t, "34.102.117.75", Hostname("34.102.117.75"))
}

func ExampleRegistrableDomain() {
	fmt.Println(RegistrableDomain("login.saewar.com"))
	// Output: saewar.com
}
