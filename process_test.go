package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// mockResponseWriter captures the written DNS message for inspection. The
// message is copied because the proxy recycles responses through a pool.
type mockResponseWriter struct {
	written *dns.Msg
}

func (m *mockResponseWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
}
func (m *mockResponseWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
}
func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	m.written = msg.Copy()
	return nil
}
func (m *mockResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (m *mockResponseWriter) Close() error              { return nil }
func (m *mockResponseWriter) TsigStatus() error         { return nil }
func (m *mockResponseWriter) TsigTimersOnly(bool)       {}
func (m *mockResponseWriter) Hijack()                   {}

func newTestProxy(t *testing.T, up *Upstream, opts ...func(*Proxy)) *Proxy {
	t.Helper()
	acl, err := newClientACL(nil)
	if err != nil {
		t.Fatalf("newClientACL: %v", err)
	}
	p := newProxy(newDNSCache(100), up, newLimiterManager(&RateLimitConfig{}), acl, newStats())
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func serve(p *Proxy, req *dns.Msg) *mockResponseWriter {
	w := &mockResponseWriter{}
	reqCtx := &RequestContext{ClientIP: net.IPv4(127, 0, 0, 1), Protocol: "UDP"}
	p.processDNSRequest(context.Background(), w, req, reqCtx)
	return w
}

func TestProxyForwardsAndCaches(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 120)
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil))

	req := testQuery("cached.example.com", dns.TypeA)
	req.Id = 0x1001

	w := serve(proxy, req)
	if w.written == nil {
		t.Fatal("expected a response")
	}
	if w.written.Id != 0x1001 {
		t.Errorf("Id = %#x, want 0x1001", w.written.Id)
	}
	if w.written.Rcode != dns.RcodeSuccess || len(w.written.Answer) != 1 {
		t.Fatalf("rcode=%d answers=%d, want NOERROR with 1 answer", w.written.Rcode, len(w.written.Answer))
	}

	// Identical question with a fresh transaction ID must come from cache.
	req2 := testQuery("cached.example.com", dns.TypeA)
	req2.Id = 0x2002

	w2 := serve(proxy, req2)
	if w2.written == nil || w2.written.Id != 0x2002 {
		t.Fatal("expected cached response echoing new transaction ID")
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("upstream saw %d requests, want 1 (second served from cache)", got)
	}
	if hits := proxy.stats.CacheHits.Load(); hits != 1 {
		t.Errorf("CacheHits = %d, want 1", hits)
	}
}

func TestProxyCacheHitEchoesClientQuestion(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 120)
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil))

	if w := serve(proxy, testQuery("mixed.example.com", dns.TypeA)); w.written == nil {
		t.Fatal("expected a response")
	}

	// 0x20-style resolvers randomize question casing and verify the echo,
	// so a hit must carry this client's question, not the one that warmed
	// the cache.
	req := testQuery("MiXeD.eXaMpLe.CoM", dns.TypeA)
	req.Id = 0x4004

	w := serve(proxy, req)
	if w.written == nil {
		t.Fatal("expected a cached response")
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("upstream saw %d requests, want 1 (second served from cache)", got)
	}
	if got := w.written.Question[0].Name; got != "MiXeD.eXaMpLe.CoM." {
		t.Errorf("echoed question = %q, want the client's casing %q", got, "MiXeD.eXaMpLe.CoM.")
	}
	if w.written.Id != 0x4004 {
		t.Errorf("Id = %#x, want 0x4004", w.written.Id)
	}
}

func TestProxyRecoversFromSingleUpstreamTimeout(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First request stalls past the per-attempt timeout; the retry
		// gets a normal answer.
		if requests.Add(1) == 1 {
			time.Sleep(500 * time.Millisecond)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req := new(dns.Msg)
		if err := req.Unpack(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, _ := dns.NewRR(req.Question[0].Name + " 120 IN A 192.0.2.7")
		resp.Answer = append(resp.Answer, rr)
		packed, _ := resp.Pack()
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}))
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL, Timeout: "150ms"}, nil))

	w := serve(proxy, testQuery("slow-once.example.com", dns.TypeA))
	if w.written == nil {
		t.Fatal("expected a response from the retry")
	}
	if w.written.Rcode != dns.RcodeSuccess || len(w.written.Answer) != 1 {
		t.Fatalf("rcode=%s answers=%d, want NOERROR with 1 answer",
			dns.RcodeToString[w.written.Rcode], len(w.written.Answer))
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2 (one timeout, one retry)", got)
	}
}

func TestProxyZeroTTLAnswerNotCached(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 0)
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil))

	for i := 0; i < 2; i++ {
		w := serve(proxy, testQuery("nodata-ttl.example.com", dns.TypeAAAA))
		if w.written == nil {
			t.Fatal("expected a response")
		}
	}
	// TTL-0 answers must not enter the cache, so both queries go upstream.
	if got := requests.Load(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2 (zero-TTL answers uncacheable)", got)
	}
}

func TestProxyEmptyAnswerBecomesNXDomain(t *testing.T) {
	var requests atomic.Int64
	srv := newEmptyAnswerServer(&requests, dns.RcodeSuccess)
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil))

	w := serve(proxy, testQuery("empty.example.com", dns.TypeA))
	if w.written == nil {
		t.Fatal("expected a response")
	}
	if w.written.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %s, want NXDOMAIN for NOERROR/no-answers", dns.RcodeToString[w.written.Rcode])
	}

	serve(proxy, testQuery("empty.example.com", dns.TypeA))
	if got := requests.Load(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2 (synthesized NXDOMAIN not cached)", got)
	}
}

func TestProxyNXDomainPassthroughNotCached(t *testing.T) {
	var requests atomic.Int64
	srv := newEmptyAnswerServer(&requests, dns.RcodeNameError)
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil))

	for i := 0; i < 2; i++ {
		w := serve(proxy, testQuery("missing.example.com", dns.TypeA))
		if w.written == nil {
			t.Fatal("expected a response")
		}
		if w.written.Rcode != dns.RcodeNameError {
			t.Errorf("Rcode = %s, want NXDOMAIN", dns.RcodeToString[w.written.Rcode])
		}
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("upstream saw %d requests, want 2 (NXDOMAIN not cached)", got)
	}
	if proxy.cache.Len() != 0 {
		t.Errorf("cache Len() = %d, want 0", proxy.cache.Len())
	}
}

func TestProxyServfailWhenCircuitOpen(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 60)
	defer srv.Close()

	breaker := newCircuitBreaker(1, time.Minute)
	p, _ := breaker.Allow()
	breaker.RecordFailure(p)

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL}, breaker))

	req := testQuery("blocked.example.com", dns.TypeA)
	req.Id = 0x3003

	w := serve(proxy, req)
	if w.written == nil {
		t.Fatal("expected a SERVFAIL response")
	}
	if w.written.Rcode != dns.RcodeServerFailure {
		t.Errorf("Rcode = %s, want SERVFAIL", dns.RcodeToString[w.written.Rcode])
	}
	if w.written.Id != 0x3003 {
		t.Errorf("Id = %#x, want 0x3003", w.written.Id)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("upstream saw %d requests while breaker open, want 0", got)
	}
	if denied := proxy.stats.BreakerDenied.Load(); denied != 1 {
		t.Errorf("BreakerDenied = %d, want 1", denied)
	}
}

func TestProxyRefusedWhenRateLimited(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 60)
	defer srv.Close()

	limiter := newLimiterManager(&RateLimitConfig{Enabled: true, ClientQPS: 1, ClientBurst: 1})
	up := newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil)
	acl, _ := newClientACL(nil)
	proxy := newProxy(newDNSCache(100), up, limiter, acl, newStats())

	first := serve(proxy, testQuery("limit0.example.com", dns.TypeA))
	if first.written == nil || first.written.Rcode != dns.RcodeSuccess {
		t.Fatal("first query should pass the limiter")
	}

	second := serve(proxy, testQuery("limit1.example.com", dns.TypeA))
	if second.written == nil {
		t.Fatal("rate-limited query should still get a response")
	}
	if second.written.Rcode != dns.RcodeRefused {
		t.Errorf("Rcode = %s, want REFUSED", dns.RcodeToString[second.written.Rcode])
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("upstream saw %d requests, want 1", got)
	}
}

func TestProxyDropsDisallowedClient(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 60)
	defer srv.Close()

	acl, err := newClientACL([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("newClientACL: %v", err)
	}
	up := newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil)
	proxy := newProxy(newDNSCache(100), up, newLimiterManager(&RateLimitConfig{}), acl, newStats())

	w := serve(proxy, testQuery("hidden.example.com", dns.TypeA))
	if w.written != nil {
		t.Error("disallowed client must not receive a response")
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("upstream saw %d requests, want 0", got)
	}
}

func TestProxyRejectsMalformedAndUnsupported(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 60)
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL}, nil))

	two := testQuery("a.example.com", dns.TypeA)
	two.Question = append(two.Question, dns.Question{Name: "b.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET})

	w := serve(proxy, two)
	if w.written == nil || w.written.Rcode != dns.RcodeFormatError {
		t.Errorf("multi-question query: got %v, want FORMERR", w.written)
	}

	status := testQuery("c.example.com", dns.TypeA)
	status.Opcode = dns.OpcodeStatus

	w = serve(proxy, status)
	if w.written == nil || w.written.Rcode != dns.RcodeNotImplemented {
		t.Errorf("STATUS opcode: got %v, want NOTIMP", w.written)
	}

	if got := requests.Load(); got != 0 {
		t.Errorf("upstream saw %d requests for rejected queries, want 0", got)
	}
}

func TestProxyJSONUpstreamUnknownTypeNotImp(t *testing.T) {
	var requests atomic.Int64
	srv := newWireDoHServer(t, &requests, 60)
	defer srv.Close()

	proxy := newTestProxy(t, newTestUpstream(t, UpstreamConfig{URL: srv.URL, Format: FormatJSON}, nil))

	req := new(dns.Msg)
	req.SetQuestion("weird.example.com.", 999)

	w := serve(proxy, req)
	if w.written == nil || w.written.Rcode != dns.RcodeNotImplemented {
		t.Errorf("unknown qtype over JSON upstream: got %v, want NOTIMP", w.written)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("upstream saw %d requests, want 0", got)
	}
}

// newEmptyAnswerServer answers every wire query with the given rcode and no
// answer records.
func newEmptyAnswerServer(requests *atomic.Int64, rcode int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		body, _ := io.ReadAll(r.Body)
		req := new(dns.Msg)
		_ = req.Unpack(body)
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Rcode = rcode
		packed, _ := resp.Pack()
		_, _ = w.Write(packed)
	}))
}
