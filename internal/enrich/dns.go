package enrich

import (
	"context"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Resolver is the subset of net.Resolver the enrichment service uses.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupNS(ctx context.Context, host string) ([]*net.NS, error)
	LookupMX(ctx context.Context, host string) ([]*net.MX, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupTXT(ctx context.Context, host string) ([]string, error)
}

// RecordSet holds one host's DNS records by type.
type RecordSet struct {
	A     []string `json:"A"`
	AAAA  []string `json:"AAAA"`
	NS    []string `json:"NS"`
	MX    []string `json:"MX"`
	CNAME []string `json:"CNAME"`
	TXT   []string `json:"TXT"`
}

// QueryDNS resolves all record types concurrently. A record type that
// fails to resolve (NXDOMAIN, timeout, no records) yields an empty slice;
// a host with no records at all is still a valid, empty result.
func QueryDNS(ctx context.Context, resolver Resolver, host string) *RecordSet {
	rs := &RecordSet{
		A:     []string{},
		AAAA:  []string{},
		NS:    []string{},
		MX:    []string{},
		CNAME: []string{},
		TXT:   []string{},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ips, err := resolver.LookupIP(ctx, "ip4", host); err == nil {
			for _, ip := range ips {
				rs.A = append(rs.A, ip.String())
			}
		}
		return nil
	})
	g.Go(func() error {
		if ips, err := resolver.LookupIP(ctx, "ip6", host); err == nil {
			for _, ip := range ips {
				rs.AAAA = append(rs.AAAA, ip.String())
			}
		}
		return nil
	})
	g.Go(func() error {
		if records, err := resolver.LookupNS(ctx, host); err == nil {
			for _, ns := range records {
				rs.NS = append(rs.NS, strings.TrimSuffix(ns.Host, "."))
			}
		}
		return nil
	})
	g.Go(func() error {
		if records, err := resolver.LookupMX(ctx, host); err == nil {
			for _, mx := range records {
				rs.MX = append(rs.MX, strings.TrimSuffix(mx.Host, "."))
			}
		}
		return nil
	})
	g.Go(func() error {
		if cname, err := resolver.LookupCNAME(ctx, host); err == nil {
			cname = strings.TrimSuffix(cname, ".")
			if cname != "" && cname != host {
				rs.CNAME = append(rs.CNAME, cname)
			}
		}
		return nil
	})
	g.Go(func() error {
		if records, err := resolver.LookupTXT(ctx, host); err == nil {
			rs.TXT = append(rs.TXT, records...)
		}
		return nil
	})

	g.Wait()
	return rs
}
