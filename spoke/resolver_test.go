package spoke

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeDNS serves the given SRV records for the domain over UDP on a
// loopback port and returns the resolver address.
func startFakeDNS(t *testing.T, domain string, records []*dns.SRV) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(dns.Fqdn(domain), func(w dns.ResponseWriter, req *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(req)
		for _, record := range records {
			reply.Answer = append(reply.Answer, record)
		}
		w.WriteMsg(reply)
	})

	srv := &dns.Server{PacketConn: conn, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return conn.LocalAddr().String()
}

func srvRecord(domain string, priority, weight, port uint16, target string) *dns.SRV {
	return &dns.SRV{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(domain),
			Rrtype: dns.TypeSRV,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		Priority: priority,
		Weight:   weight,
		Port:     port,
		Target:   dns.Fqdn(target),
	}
}

func TestHubResolver_StaticOnlyWithoutSRVDomain(t *testing.T) {
	r := NewHubResolver("https://hub.example", "", "")
	assert.Equal(t, []string{"https://hub.example"}, r.Resolve())
}

func TestHubResolver_SRVOrdering(t *testing.T) {
	domain := "_federation._tcp.hub.test"
	dnsAddr := startFakeDNS(t, domain, []*dns.SRV{
		srvRecord(domain, 20, 10, 8443, "hub-c.example"),
		srvRecord(domain, 10, 5, 8443, "hub-b.example"),
		srvRecord(domain, 10, 50, 8443, "hub-a.example"),
	})

	r := NewHubResolver("https://hub.example", domain, dnsAddr)

	// Static URL first, then replicas by priority ascending and weight
	// descending within a priority.
	assert.Equal(t, []string{
		"https://hub.example",
		"https://hub-a.example:8443",
		"https://hub-b.example:8443",
		"https://hub-c.example:8443",
	}, r.Resolve())
}

func TestHubResolver_SchemeFollowsStaticURL(t *testing.T) {
	domain := "_federation._tcp.hub.test"
	dnsAddr := startFakeDNS(t, domain, []*dns.SRV{
		srvRecord(domain, 10, 10, 8080, "hub-b.example"),
	})

	r := NewHubResolver("http://hub.example:8080", domain, dnsAddr)
	assert.Equal(t, []string{
		"http://hub.example:8080",
		"http://hub-b.example:8080",
	}, r.Resolve())
}

func TestHubResolver_LookupFailureKeepsStaticURL(t *testing.T) {
	// Nothing listens on port 1; the SRV query fails and the static URL
	// remains the sole candidate.
	r := NewHubResolver("https://hub.example", "_federation._tcp.hub.test", "127.0.0.1:1")
	assert.Equal(t, []string{"https://hub.example"}, r.Resolve())
}
