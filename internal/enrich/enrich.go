// Package enrich resolves who is responsible for a host or address: DNS
// records, registry (RDAP) data for the domain and its nameservers, and
// the abuse contacts of the IP networks serving it.
package enrich

import (
	"context"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

// Info is the full enrichment result for one host or address.
type Info struct {
	RDAP           *DomainRecord   `json:"rdap,omitempty"`
	DNS            *RecordSet      `json:"dns,omitempty"`
	NameserverInfo []*DomainRecord `json:"nameserver_info,omitempty"`
	IPRDAPs        []*IPRecord     `json:"ip_rdaps"`

	// RootInfo carries the registrable domain's own enrichment when the
	// queried host is a subdomain. The apex holds the registrar record
	// that a subdomain lookup misses.
	RootInfo *Info `json:"root_info,omitempty"`
}

// RegistrarAbuse returns the registrar abuse contact of the domain record,
// if any.
func (i *Info) RegistrarAbuse() *AbuseContact {
	if i == nil || i.RDAP == nil || i.RDAP.Registrar == nil {
		return nil
	}
	return findAbuseContact(i.RDAP.Registrar, "")
}

// Service performs enrichment lookups.
type Service struct {
	resolver Resolver
	rdap     *RDAPClient
}

// NewService creates the enrichment service.
func NewService(resolver Resolver, rdap *RDAPClient) *Service {
	return &Service{resolver: resolver, rdap: rdap}
}

// Hostname extracts the host from a URL, or returns the input unchanged
// when it is already a bare host or address.
func Hostname(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return target
}

// RegistrableDomain returns the public-suffix apex of host, or "" for IP
// addresses and unlistable hosts.
func RegistrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return ""
	}
	apex, err := publicsuffix.EffectiveTLDPlusOne(strings.TrimSuffix(host, "."))
	if err != nil {
		return ""
	}
	return apex
}

// Lookup enriches a URL, hostname, or IP address literal.
//
// Address literals yield only the network's RDAP record. Hostnames get
// concurrent DNS and domain-RDAP lookups, best-effort RDAP for each
// nameserver domain, and one IP-RDAP record per distinct responsible
// network across all resolved addresses. Sub-lookups fail soft; an error
// is returned only when nothing could be resolved at all.
func (s *Service) Lookup(ctx context.Context, target string) (*Info, error) {
	host := Hostname(target)

	if net.ParseIP(host) != nil {
		rec, err := s.rdap.IP(ctx, host)
		if err != nil {
			return nil, err
		}
		return &Info{IPRDAPs: []*IPRecord{rec}}, nil
	}

	info := &Info{IPRDAPs: []*IPRecord{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec, err := s.rdap.Domain(gctx, host)
		if err != nil {
			logger.Debug("rdap domain lookup failed", "host", host, "error", err.Error())
			return nil
		}
		info.RDAP = rec
		return nil
	})
	g.Go(func() error {
		info.DNS = QueryDNS(gctx, s.resolver, host)
		return nil
	})
	if apex := RegistrableDomain(host); apex != "" && apex != host {
		g.Go(func() error {
			root, err := s.Lookup(gctx, apex)
			if err != nil {
				logger.Debug("apex enrichment failed", "host", host, "apex", apex, "error", err.Error())
				return nil
			}
			info.RootInfo = root
			return nil
		})
	}
	g.Wait()

	s.lookupNameservers(ctx, info)
	s.lookupNetworks(ctx, info)

	if info.RDAP == nil && info.RootInfo == nil && len(info.IPRDAPs) == 0 && emptyRecordSet(info.DNS) {
		return info, &LookupError{Host: host}
	}
	return info, nil
}

// LookupError reports that no source returned anything for a host.
type LookupError struct {
	Host string
}

func (e *LookupError) Error() string {
	return "enrich: no data resolved for " + e.Host
}

func emptyRecordSet(rs *RecordSet) bool {
	if rs == nil {
		return true
	}
	return len(rs.A) == 0 && len(rs.AAAA) == 0 && len(rs.NS) == 0 &&
		len(rs.MX) == 0 && len(rs.CNAME) == 0 && len(rs.TXT) == 0
}

// lookupNameservers queries RDAP for each distinct nameserver apex domain,
// best effort.
func (s *Service) lookupNameservers(ctx context.Context, info *Info) {
	var hosts []string
	if info.DNS != nil {
		hosts = append(hosts, info.DNS.NS...)
	}
	if info.RDAP != nil {
		hosts = append(hosts, info.RDAP.Nameservers...)
	}

	seen := make(map[string]bool)
	var domains []string
	for _, ns := range hosts {
		apex := RegistrableDomain(strings.ToLower(ns))
		if apex == "" || seen[apex] {
			continue
		}
		seen[apex] = true
		domains = append(domains, apex)
	}
	if len(domains) == 0 {
		return
	}

	results := make([]*DomainRecord, len(domains))
	g, gctx := errgroup.WithContext(ctx)
	for i, domain := range domains {
		i, domain := i, domain
		g.Go(func() error {
			rec, err := s.rdap.Domain(gctx, domain)
			if err != nil {
				logger.Debug("nameserver rdap lookup failed", "domain", domain, "error", err.Error())
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	g.Wait()

	for _, rec := range results {
		if rec != nil {
			info.NameserverInfo = append(info.NameserverInfo, rec)
		}
	}
}

// lookupNetworks queries IP-RDAP for every resolved address and keeps one
// record per responsible network, keyed by abuse email (or handle).
// Multiple addresses inside one operator's network would otherwise produce
// identical abuse contacts.
func (s *Service) lookupNetworks(ctx context.Context, info *Info) {
	if info.DNS == nil {
		return
	}
	addrs := append(append([]string{}, info.DNS.A...), info.DNS.AAAA...)
	if len(addrs) == 0 {
		return
	}

	results := make([]*IPRecord, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			rec, err := s.rdap.IP(gctx, addr)
			if err != nil {
				logger.Debug("ip rdap lookup failed", "ip", addr, "error", err.Error())
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	g.Wait()

	seen := make(map[string]bool)
	for _, rec := range results {
		if rec == nil {
			continue
		}
		key := rec.DedupKey()
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true
		info.IPRDAPs = append(info.IPRDAPs, rec)
	}
}
