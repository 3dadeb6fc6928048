package spoke

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// HubResolver discovers hub API endpoints through DNS SRV records, allowing
// a spoke to fail over between hub replicas without redeployment. When no
// SRV domain is configured the resolver just returns the static hub URL.
type HubResolver struct {
	staticURL string
	srvDomain string
	dnsServer string
	scheme    string
}

// NewHubResolver creates a resolver. srvDomain may be empty, in which case
// Resolve always returns the static URL alone.
func NewHubResolver(staticURL, srvDomain, dnsServer string) *HubResolver {
	if dnsServer == "" {
		dnsServer = "127.0.0.53:53"
	}
	scheme := "https"
	if strings.HasPrefix(staticURL, "http://") {
		scheme = "http"
	}
	return &HubResolver{
		staticURL: staticURL,
		srvDomain: srvDomain,
		dnsServer: dnsServer,
		scheme:    scheme,
	}
}

// Resolve returns candidate hub base URLs in priority order, the static URL
// first and SRV-discovered replicas after it. SRV lookup failures are not
// fatal; the static URL always remains usable.
func (r *HubResolver) Resolve() []string {
	urls := []string{r.staticURL}
	if r.srvDomain == "" {
		return urls
	}

	targets, err := r.resolveSRV(r.srvDomain)
	if err != nil {
		return urls
	}
	for _, target := range targets {
		if target != r.staticURL {
			urls = append(urls, target)
		}
	}
	return urls
}

// resolveSRV queries SRV records for the hub service domain, ordered by
// record priority.
func (r *HubResolver) resolveSRV(domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(domain),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	client := new(dns.Client)
	in, _, err := client.Exchange(msg, r.dnsServer)
	if err != nil {
		return nil, err
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	targets := make([]string, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		targets = append(targets, fmt.Sprintf("%s://%s:%d", r.scheme, host, srv.Port))
	}
	return targets, nil
}
