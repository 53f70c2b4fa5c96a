package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/phishing-support/pipeline/internal/pkg/httpretry"
)

// Link is one RDAP link object.
type Link struct {
	Value string `json:"value,omitempty"`
	Rel   string `json:"rel,omitempty"`
	Type  string `json:"type,omitempty"`
	Href  string `json:"href,omitempty"`
}

// PublicID is one RDAP public identifier (e.g. IANA registrar id).
type PublicID struct {
	Type       string `json:"type,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// VCard is a flattened jCard: property name to value. Repeated properties
// collect into arrays.
type VCard map[string]any

// Email returns the vcard email property as a single string.
func (v VCard) Email() string {
	return vcardString(v["email"])
}

// FN returns the formatted-name property.
func (v VCard) FN() string {
	return vcardString(v["fn"])
}

func vcardString(value any) string {
	switch t := value.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s := vcardString(item); s != "" {
				return s
			}
		}
	}
	return ""
}

// Entity is a simplified RDAP entity: remarks collapsed to one string,
// vcardArray flattened, children simplified recursively.
type Entity struct {
	Remarks   string     `json:"remarks"`
	Handle    string     `json:"handle,omitempty"`
	Roles     []string   `json:"roles"`
	Links     []Link     `json:"links,omitempty"`
	PublicIDs []PublicID `json:"publicIds,omitempty"`
	Entities  []Entity   `json:"entities,omitempty"`
	VCard     VCard      `json:"vcard,omitempty"`
}

// HasRole reports whether the entity carries the given RDAP role.
func (e *Entity) HasRole(role string) bool {
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AbuseContact is the flattened vcard of an abuse-role entity, with the
// remarks of every ancestor prepended as context (network operators often
// put the actual reporting address in a parent's remarks).
type AbuseContact struct {
	VCard   `json:"vcard,omitempty"`
	Remarks string `json:"remarks"`
}

// DomainRecord is a simplified RDAP domain response.
type DomainRecord struct {
	Domain      string            `json:"domain"`
	Status      []string          `json:"status"`
	Events      map[string]string `json:"events"`
	Nameservers []string          `json:"nameservers"`
	SecureDNS   json.RawMessage   `json:"secureDNS,omitempty"`
	Registrar   *Entity           `json:"registrar,omitempty"`
}

// CIDR is one network prefix of an IP RDAP record.
type CIDR struct {
	V4Prefix string `json:"v4prefix,omitempty"`
	V6Prefix string `json:"v6prefix,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// IPRecord is a simplified RDAP IP-network response.
type IPRecord struct {
	Entity

	StartAddress string            `json:"startAddress,omitempty"`
	EndAddress   string            `json:"endAddress,omitempty"`
	IPVersion    string            `json:"ipVersion,omitempty"`
	Name         string            `json:"name,omitempty"`
	Type         string            `json:"type,omitempty"`
	Country      string            `json:"country,omitempty"`
	ParentHandle string            `json:"parentHandle,omitempty"`
	CIDRs        []CIDR            `json:"cidrs,omitempty"`
	Status       []string          `json:"status"`
	Events       map[string]string `json:"events"`
	Port43       string            `json:"port43,omitempty"`
	IP           string            `json:"ip"`
	Abuse        *AbuseContact     `json:"abuse,omitempty"`
}

// DedupKey identifies the responsible operator: the abuse email when one
// exists, the network handle otherwise. Multiple addresses in one network
// share the key.
func (r *IPRecord) DedupKey() string {
	if r.Abuse != nil {
		if email := r.Abuse.Email(); email != "" {
			return email
		}
	}
	return r.Handle
}

// RDAPClient queries RDAP registries over HTTP.
type RDAPClient struct {
	client httpretry.HTTPDoer

	// DomainBase overrides per-TLD endpoint selection, IPBase the IP
	// registry endpoint. Tests point these at a local server.
	DomainBase string
	IPBase     string
}

// NewRDAPClient creates an RDAP client on top of a retrying HTTP client.
func NewRDAPClient(client httpretry.HTTPDoer) *RDAPClient {
	return &RDAPClient{client: client}
}

// rdapEndpoints maps TLDs with known registry servers; everything else
// goes through the rdap.org redirector.
var rdapEndpoints = map[string]string{
	"com": "https://rdap.verisign.com/com/v1",
	"net": "https://rdap.verisign.com/net/v1",
}

const (
	rdapFallback = "https://rdap.org"
	ripeRDAP     = "https://rdap.db.ripe.net"
)

func (c *RDAPClient) domainEndpoint(domain string) string {
	if c.DomainBase != "" {
		return c.DomainBase
	}
	if idx := strings.LastIndex(domain, "."); idx >= 0 {
		if base, ok := rdapEndpoints[strings.ToLower(domain[idx+1:])]; ok {
			return base
		}
	}
	return rdapFallback
}

func (c *RDAPClient) ipEndpoint() string {
	if c.IPBase != "" {
		return c.IPBase
	}
	return ripeRDAP
}

func (c *RDAPClient) get(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rdap+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rdap %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Domain queries the RDAP domain record. A registry that does not know the
// domain yields (nil, nil); only transport-level failure is an error.
func (c *RDAPClient) Domain(ctx context.Context, domain string) (*DomainRecord, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/domain/%s", c.domainEndpoint(domain), domain))
	if err != nil {
		return nil, err
	}

	var raw rawDomain
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("rdap domain %s: %w", domain, err)
	}
	return simplifyDomain(&raw, domain), nil
}

// IP queries the RDAP record of the network containing ip.
func (c *RDAPClient) IP(ctx context.Context, ip string) (*IPRecord, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/ip/%s", c.ipEndpoint(), ip))
	if err != nil {
		return nil, err
	}

	var raw rawIP
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("rdap ip %s: %w", ip, err)
	}
	return simplifyIP(&raw, ip), nil
}

// raw wire shapes

type rawRemark struct {
	Description []string `json:"description"`
}

type rawEvent struct {
	EventAction string `json:"eventAction"`
	EventDate   string `json:"eventDate"`
}

type rawEntity struct {
	Handle     string            `json:"handle"`
	Roles      []string          `json:"roles"`
	Remarks    []rawRemark       `json:"remarks"`
	Links      []Link            `json:"links"`
	PublicIDs  []PublicID        `json:"publicIds"`
	Entities   []rawEntity       `json:"entities"`
	VCardArray []json.RawMessage `json:"vcardArray"`
}

type rawNameserver struct {
	LDHName string `json:"ldhName"`
}

type rawDomain struct {
	LDHName     string          `json:"ldhName"`
	Status      []string        `json:"status"`
	Events      []rawEvent      `json:"events"`
	Nameservers []rawNameserver `json:"nameservers"`
	SecureDNS   json.RawMessage `json:"secureDNS"`
	Entities    []rawEntity     `json:"entities"`
}

type rawIP struct {
	rawEntity

	StartAddress string     `json:"startAddress"`
	EndAddress   string     `json:"endAddress"`
	IPVersion    string     `json:"ipVersion"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Country      string     `json:"country"`
	ParentHandle string     `json:"parentHandle"`
	CIDRs        []CIDR     `json:"cidr0_cidrs"`
	Status       []string   `json:"status"`
	Events       []rawEvent `json:"events"`
	Port43       string     `json:"port43"`
}

func simplifyEvents(events []rawEvent) map[string]string {
	out := make(map[string]string, len(events))
	for _, ev := range events {
		if ev.EventAction != "" && ev.EventDate != "" {
			out[ev.EventAction] = ev.EventDate
		}
	}
	return out
}

func simplifyEntity(raw *rawEntity) Entity {
	var remarks []string
	for _, remark := range raw.Remarks {
		remarks = append(remarks, remark.Description...)
	}

	e := Entity{
		Remarks:   strings.ReplaceAll(strings.Join(remarks, "\n"), "\r", ""),
		Handle:    raw.Handle,
		Roles:     raw.Roles,
		Links:     raw.Links,
		PublicIDs: raw.PublicIDs,
		VCard:     parseVCard(raw.VCardArray),
	}
	if e.Roles == nil {
		e.Roles = []string{}
	}
	for i := range raw.Entities {
		e.Entities = append(e.Entities, simplifyEntity(&raw.Entities[i]))
	}
	return e
}

// parseVCard flattens an RDAP jCard ["vcard", [[name, params, type,
// value], ...]] into name→value.
func parseVCard(arr []json.RawMessage) VCard {
	if len(arr) != 2 {
		return nil
	}
	var kind string
	if err := json.Unmarshal(arr[0], &kind); err != nil || kind != "vcard" {
		return nil
	}
	var entries [][]json.RawMessage
	if err := json.Unmarshal(arr[1], &entries); err != nil {
		return nil
	}

	card := make(VCard)
	for _, entry := range entries {
		if len(entry) < 4 {
			continue
		}
		var name string
		if err := json.Unmarshal(entry[0], &name); err != nil || name == "" {
			continue
		}
		var value any
		if err := json.Unmarshal(entry[3], &value); err != nil {
			continue
		}
		switch existing := card[name].(type) {
		case nil:
			card[name] = value
		case []any:
			card[name] = append(existing, value)
		default:
			card[name] = []any{existing, value}
		}
	}
	return card
}

func simplifyDomain(raw *rawDomain, domain string) *DomainRecord {
	rec := &DomainRecord{
		Domain:    raw.LDHName,
		Status:    raw.Status,
		Events:    simplifyEvents(raw.Events),
		SecureDNS: raw.SecureDNS,
	}
	if rec.Domain == "" {
		rec.Domain = domain
	}
	if rec.Status == nil {
		rec.Status = []string{}
	}
	for _, ns := range raw.Nameservers {
		if ns.LDHName != "" {
			rec.Nameservers = append(rec.Nameservers, ns.LDHName)
		}
	}
	for i := range raw.Entities {
		if hasRole(raw.Entities[i].Roles, "registrar") {
			registrar := simplifyEntity(&raw.Entities[i])
			rec.Registrar = &registrar
			break
		}
	}
	return rec
}

func simplifyIP(raw *rawIP, ip string) *IPRecord {
	rec := &IPRecord{
		Entity:       simplifyEntity(&raw.rawEntity),
		StartAddress: raw.StartAddress,
		EndAddress:   raw.EndAddress,
		IPVersion:    raw.IPVersion,
		Name:         raw.Name,
		Type:         raw.Type,
		Country:      raw.Country,
		ParentHandle: raw.ParentHandle,
		CIDRs:        raw.CIDRs,
		Status:       raw.Status,
		Events:       simplifyEvents(raw.Events),
		Port43:       raw.Port43,
		IP:           ip,
	}
	if rec.Status == nil {
		rec.Status = []string{}
	}
	rec.Abuse = findAbuseContact(&rec.Entity, "")
	return rec
}

// findAbuseContact walks the entity tree depth-first for the first entity
// with the abuse role, carrying ancestor remarks down as context.
func findAbuseContact(entity *Entity, inherited string) *AbuseContact {
	if entity.HasRole("abuse") {
		return &AbuseContact{
			VCard:   entity.VCard,
			Remarks: inherited + entity.Remarks,
		}
	}
	for i := range entity.Entities {
		if found := findAbuseContact(&entity.Entities[i], inherited+entity.Remarks); found != nil {
			return found
		}
	}
	return nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
