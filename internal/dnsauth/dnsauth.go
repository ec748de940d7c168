// Package dnsauth implements C5: a single-socket authoritative UDP
// resolver for the configured apex and its session subdomains, with
// records drawn from C1's KV store.
package dnsauth

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/wisbric/inspector/internal/bus"
	"github.com/wisbric/inspector/internal/geo"
	"github.com/wisbric/inspector/internal/ingest"
	"github.com/wisbric/inspector/internal/observation"
	"github.com/wisbric/inspector/internal/store"
	"github.com/wisbric/inspector/internal/subdomain"
	"github.com/wisbric/inspector/internal/telemetry"
)

// Authority serves DNS queries for a single configured apex.
type Authority struct {
	apex     string
	serverIP string
	txt      string
	store    *store.Store
	bus      *bus.Bus
	geoTable *geo.Table
	log      *slog.Logger
}

// Options configures an Authority.
type Options struct {
	Apex      string
	ServerIP  string
	TXTRecord string
	Store     *store.Store
	Bus       *bus.Bus
	Geo       *geo.Table
	Logger    *slog.Logger
}

// New constructs an Authority. Apex is normalised to lowercase with a
// trailing dot.
func New(opts Options) *Authority {
	apex := strings.ToLower(opts.Apex)
	if !strings.HasSuffix(apex, ".") {
		apex += "."
	}
	return &Authority{
		apex:     apex,
		serverIP: opts.ServerIP,
		txt:      opts.TXTRecord,
		store:    opts.Store,
		bus:      opts.Bus,
		geoTable: opts.Geo,
		log:      opts.Logger,
	}
}

// ListenAndServe binds addr and serves until a read from the socket fails,
// returning that error. The socket is not exposed to the caller, so there
// is no way to stop it from outside.
func (a *Authority) ListenAndServe(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("dnsauth: listen %s: %w", addr, err)
	}
	defer conn.Close()

	buf := make([]byte, 512)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		go a.handleDatagram(conn, peer, msg)
	}
}

func (a *Authority) handleDatagram(conn net.PacketConn, peer net.Addr, raw []byte) {
	var req dns.Msg
	if err := req.Unpack(raw); err != nil {
		return
	}
	if len(req.Question) == 0 {
		return
	}
	q := req.Question[0]
	qname := strings.ToLower(q.Name)

	resp := new(dns.Msg)
	resp.SetReply(&req)
	resp.Authoritative = true
	resp.RecursionAvailable = true

	tenant, within := subdomain.FromFQDN(qname, a.apex)
	if !within {
		resp.Rcode = dns.RcodeNameError
		a.send(conn, peer, resp)
		telemetry.DNSQueriesTotal.WithLabelValues(dns.TypeToString[q.Qtype], "NXDOMAIN").Inc()
		return
	}

	a.answer(resp, q, qname)
	a.send(conn, peer, resp)
	telemetry.DNSQueriesTotal.WithLabelValues(dns.TypeToString[q.Qtype], dns.RcodeToString[resp.Rcode]).Inc()

	if tenant != "" {
		a.logQuery(peer, tenant, q, qname, resp)
	}
}

func (a *Authority) answer(resp *dns.Msg, q dns.Question, qname string) {
	switch q.Qtype {
	case dns.TypeA:
		a.answerA(resp, q, qname)
	case dns.TypeAAAA:
		a.answerAAAA(resp, q, qname)
	case dns.TypeCNAME:
		a.answerCNAME(resp, q, qname)
	case dns.TypeTXT:
		a.answerTXT(resp, q, qname)
	case dns.TypeMX:
		resp.Answer = append(resp.Answer, &dns.MX{
			Hdr:        dns.RR_Header{Name: q.Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 300},
			Preference: 10,
			Mx:         a.apex,
		})
	default:
		resp.Rcode = dns.RcodeNameError
	}
}

func (a *Authority) overrideValues(qtype, qname string) ([]string, bool) {
	raw, err := a.store.Get(fmt.Sprintf("dns:%s:%s", qtype, qname))
	if err != nil {
		return nil, false
	}
	return strings.Split(string(raw), "%"), true
}

func pickRandom(values []string) string {
	if len(values) == 1 {
		return values[0]
	}
	return values[rand.Intn(len(values))]
}

func (a *Authority) answerA(resp *dns.Msg, q dns.Question, qname string) {
	if values, ok := a.overrideValues("A", qname); ok {
		if ip := net.ParseIP(pickRandom(values)).To4(); ip != nil {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1},
				A:   ip,
			})
			return
		}
	}
	if ip := net.ParseIP(a.serverIP).To4(); ip != nil {
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1},
			A:   ip,
		})
	}
}

func (a *Authority) answerAAAA(resp *dns.Msg, q dns.Question, qname string) {
	if values, ok := a.overrideValues("AAAA", qname); ok {
		if ip := net.ParseIP(pickRandom(values)).To16(); ip != nil {
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 1},
				AAAA: ip,
			})
			return
		}
	}
	if ip := net.ParseIP(a.serverIP); ip != nil && ip.To4() == nil {
		resp.Answer = append(resp.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 1},
			AAAA: ip,
		})
	}
}

func (a *Authority) answerCNAME(resp *dns.Msg, q dns.Question, qname string) {
	target := a.apex
	if values, ok := a.overrideValues("CNAME", qname); ok {
		target = pickRandom(values)
		if !strings.HasSuffix(target, ".") {
			target += "."
		}
	}
	resp.Answer = append(resp.Answer, &dns.CNAME{
		Hdr:    dns.RR_Header{Name: q.Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 1},
		Target: target,
	})
}

func (a *Authority) answerTXT(resp *dns.Msg, q dns.Question, qname string) {
	values := []string{a.txt}
	if override, ok := a.overrideValues("TXT", qname); ok {
		values = override
	}
	for _, v := range values {
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 1},
			Txt: []string{v},
		})
	}
}

func (a *Authority) send(conn net.PacketConn, peer net.Addr, resp *dns.Msg) {
	out, err := resp.Pack()
	if err != nil {
		a.log.Warn("dnsauth: pack reply failed", "error", err)
		return
	}
	if _, err := conn.WriteTo(out, peer); err != nil {
		a.log.Warn("dnsauth: write reply failed", "error", err)
	}
}

func (a *Authority) logQuery(peer net.Addr, tenant string, q dns.Question, qname string, resp *dns.Msg) {
	host, _, _ := net.SplitHostPort(peer.String())
	obs := observation.New(observation.TypeDNS, tenant, host)
	obs.Country = a.geoTable.Lookup(net.ParseIP(host))
	obs.QueryType = dns.TypeToString[q.Qtype]
	obs.Domain = qname
	obs.Reply = prettyPrint(resp)

	ingest.Capture(a.store, a.bus, a.log, obs)
}

// prettyPrint renders a dig-style textual presentation of resp, used for
// the dns observation's reply field.
func prettyPrint(resp *dns.Msg) string {
	var b strings.Builder
	fmt.Fprintf(&b, ";; ->>HEADER<<- opcode: %s, status: %s, id: %d\n",
		dns.OpcodeToString[resp.Opcode], dns.RcodeToString[resp.Rcode], resp.Id)
	fmt.Fprintf(&b, ";; flags:%s; QUERY: %d, ANSWER: %d, AUTHORITY: %d, ADDITIONAL: %d\n\n",
		msgFlags(resp), len(resp.Question), len(resp.Answer), len(resp.Ns), len(resp.Extra))

	if len(resp.Question) > 0 {
		b.WriteString(";; QUESTION SECTION:\n")
		for _, q := range resp.Question {
			fmt.Fprintf(&b, ";%s\t\t%s\t%s\n", q.Name, dns.ClassToString[q.Qclass], dns.TypeToString[q.Qtype])
		}
		b.WriteString("\n")
	}
	if len(resp.Answer) > 0 {
		b.WriteString(";; ANSWER SECTION:\n")
		for _, rr := range resp.Answer {
			b.WriteString(rr.String())
			b.WriteString("\n")
		}
	}
	return b.String()
}

func msgFlags(m *dns.Msg) string {
	var flags []string
	if m.Response {
		flags = append(flags, "qr")
	}
	if m.Authoritative {
		flags = append(flags, "aa")
	}
	if m.RecursionDesired {
		flags = append(flags, "rd")
	}
	if m.RecursionAvailable {
		flags = append(flags, "ra")
	}
	if len(flags) == 0 {
		return ""
	}
	return " " + strings.Join(flags, " ")
}
