package transport

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// relaySRVService is the SRV service label relay operators publish.
const relaySRVService = "_stewardrelay._tcp."

// DiscoverRelays resolves relay endpoints advertised for a domain via
// DNS SRV records at _stewardrelay._tcp.<domain>. Discovered endpoints
// come back enabled but untrusted; trust is the operator's decision.
func DiscoverRelays(domain, resolverAddr string) ([]interfaces.RelayEndpoint, error) {
	if resolverAddr == "" {
		resolverAddr = "127.0.0.53:53"
	}

	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{
		Name:   dns.Fqdn(relaySRVService + domain),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s failed: %w", domain, err)
	}

	endpoints := make([]interfaces.RelayEndpoint, 0, len(in.Answer))
	for _, ans := range in.Answer {
		srv, ok := ans.(*dns.SRV)
		if !ok {
			continue
		}
		endpoints = append(endpoints, interfaces.RelayEndpoint{
			URL:     fmt.Sprintf("https://%s:%d", strings.TrimSuffix(srv.Target, "."), srv.Port),
			Enabled: true,
			Trusted: false,
		})
	}

	return endpoints, nil
}
