/*
File: upstream.go
Version: 1.3.0
Description: DoH upstream client. Translates DNS queries into RFC 8484 wire-format
             or JSON-API exchanges over HTTPS/HTTP3, with bootstrap IP resolution
             and circuit breaker gating. One retry on timeout, nothing else.
*/

package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	bootstrapRefresh = 10 * time.Minute
	retryBackoff     = 50 * time.Millisecond
	maxDoHBody       = 65535
)

// Upstream exchange formats.
const (
	FormatWire = "wire"
	FormatJSON = "json"
)

// Sentinel errors surfaced to the proxy layer. All of them map to SERVFAIL
// on the client side; they differ in what the breaker and logs see.
var (
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamTransport = errors.New("upstream transport error")
	ErrUpstreamProtocol  = errors.New("upstream protocol error")
)

// Global TLS session cache to enable session resumption (fast handshakes).
var globalSessionCache = tls.NewLRUClientSessionCache(2048)

type Upstream struct {
	Scheme      string // "https", "h3", or "http" (plain, lab setups only)
	Host        string
	Port        string
	Path        string
	BootstrapIP string

	Format string // "wire" (RFC 8484) or "json"
	Method string // "GET" or "POST"; JSON is always GET

	timeout   time.Duration
	breaker   *CircuitBreaker
	bootstrap []string

	resolvedIPs     []net.IP
	resolvedIPsLock sync.RWMutex

	httpClient *http.Client
}

func (u *Upstream) String() string {
	s := fmt.Sprintf("%s://%s:%s%s", u.Scheme, u.Host, u.Port, u.Path)
	if u.BootstrapIP != "" {
		s += "#" + u.BootstrapIP
	}
	return s
}

func newUpstream(cfg *UpstreamConfig, breaker *CircuitBreaker) (*Upstream, error) {
	raw := cfg.URL
	bootstrap := ""
	if i := strings.Index(raw, "#"); i >= 0 {
		bootstrap = raw[i+1:]
		raw = raw[:i]
	}

	uURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", cfg.URL, err)
	}

	scheme := strings.ToLower(uURL.Scheme)
	switch scheme {
	case "https", "h3", "http":
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q", uURL.Scheme)
	}

	port := uURL.Port()
	if port == "" {
		if scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}

	path := uURL.Path
	if path == "" {
		path = "/dns-query"
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = FormatWire
	}
	if format != FormatWire && format != FormatJSON {
		return nil, fmt.Errorf("unsupported upstream format %q", cfg.Format)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = "POST"
	}
	if method != "GET" && method != "POST" {
		return nil, fmt.Errorf("unsupported DoH method %q", cfg.Method)
	}
	if format == FormatJSON {
		// The JSON API is query-string only.
		method = "GET"
	}

	timeout := 5 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream timeout %q: %w", cfg.Timeout, err)
		}
		timeout = d
	}

	up := &Upstream{
		Scheme:      scheme,
		Host:        uURL.Hostname(),
		Port:        port,
		Path:        path,
		BootstrapIP: bootstrap,
		Format:      format,
		Method:      method,
		timeout:     timeout,
		breaker:     breaker,
		bootstrap:   cfg.Bootstrap,
	}

	if scheme == "h3" {
		up.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http3.RoundTripper{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: cfg.Insecure,
					ClientSessionCache: globalSessionCache,
				},
				QuicConfig: &quic.Config{
					KeepAlivePeriod: 30 * time.Second,
					MaxIdleTimeout:  60 * time.Second,
				},
			},
		}
	} else {
		dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		up.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				// Swap the hostname for a bootstrap-resolved IP at dial time so
				// the hot path never touches the system resolver. SNI and cert
				// validation still use the original hostname.
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					if ip := up.pickIP(); ip != nil {
						if _, p, err := net.SplitHostPort(addr); err == nil {
							addr = net.JoinHostPort(ip.String(), p)
						}
					}
					return dialer.DialContext(ctx, network, addr)
				},
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: cfg.Insecure,
					ClientSessionCache: globalSessionCache,
				},
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        1000,
				MaxIdleConnsPerHost: 256,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return up, nil
}

func (u *Upstream) endpointURL() string {
	proto := "https"
	if u.Scheme == "http" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s%s", proto, net.JoinHostPort(u.Host, u.Port), u.Path)
}

// --- Bootstrap DNS logic ---

// pickIP returns a random resolved IP, or nil when the hostname should be
// dialed directly.
func (u *Upstream) pickIP() net.IP {
	u.resolvedIPsLock.RLock()
	ips := u.resolvedIPs
	u.resolvedIPsLock.RUnlock()

	if len(ips) == 0 {
		return nil
	}
	return ips[rand.Intn(len(ips))]
}

func (u *Upstream) setIPs(ips []net.IP) {
	u.resolvedIPsLock.Lock()
	u.resolvedIPs = ips
	u.resolvedIPsLock.Unlock()
}

func (u *Upstream) refreshIPs() {
	// Explicit pin wins.
	if u.BootstrapIP != "" {
		if ip := net.ParseIP(u.BootstrapIP); ip != nil {
			u.setIPs([]net.IP{ip})
		} else {
			LogWarn("[BOOTSTRAP] Invalid bootstrap IP pin %q ignored", u.BootstrapIP)
		}
		return
	}

	// Host is already an IP: nothing to resolve.
	if ip := net.ParseIP(u.Host); ip != nil {
		u.setIPs([]net.IP{ip})
		return
	}

	if len(u.bootstrap) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ips, err := resolveWithBootstrap(ctx, u.Host, u.bootstrap)
	if err != nil {
		LogWarn("[BOOTSTRAP] Failed to resolve %s: %v", u.Host, err)
		return
	}

	u.setIPs(ips)
	LogDebug("[BOOTSTRAP] Refreshed %s -> %v", u.Host, ips)
}

// startBootstrapRefresher resolves the upstream hostname once immediately and
// then on a jittered ticker until ctx is cancelled.
func (u *Upstream) startBootstrapRefresher(ctx context.Context) {
	// Needless when the host is a literal IP and nothing is pinned.
	if u.BootstrapIP == "" && net.ParseIP(u.Host) != nil {
		u.refreshIPs()
		return
	}

	go u.refreshIPs()

	go func() {
		jitter := time.Duration(rand.Int63n(60)) * time.Second
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(bootstrapRefresh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				u.refreshIPs()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// resolveWithBootstrap races plain-DNS A/AAAA lookups against every bootstrap
// server; the first answer wins and cancels the rest.
func resolveWithBootstrap(ctx context.Context, hostname string, servers []string) ([]net.IP, error) {
	if len(servers) == 0 {
		return nil, errors.New("no bootstrap servers configured")
	}

	type result struct {
		ips []net.IP
		err error
	}
	resultCh := make(chan result, len(servers))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, server := range servers {
		go func(server string) {
			if ctx.Err() != nil {
				return
			}

			c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}

			var ips []net.IP
			var lastErr error
			for _, qType := range []uint16{dns.TypeA, dns.TypeAAAA} {
				msg := getMsg()
				msg.SetQuestion(dns.Fqdn(hostname), qType)

				r, _, err := c.ExchangeContext(ctx, msg, server)
				putMsg(msg)
				if err != nil {
					lastErr = err
					continue
				}
				for _, ans := range r.Answer {
					switch rec := ans.(type) {
					case *dns.A:
						ips = append(ips, rec.A)
					case *dns.AAAA:
						ips = append(ips, rec.AAAA)
					}
				}
			}

			if len(ips) > 0 {
				select {
				case resultCh <- result{ips: ips}:
					cancel()
				case <-ctx.Done():
				}
				return
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no addresses from %s", server)
			}
			select {
			case resultCh <- result{err: lastErr}:
			case <-ctx.Done():
			}
		}(server)
	}

	var lastErr error
	for i := 0; i < len(servers); i++ {
		select {
		case res := <-resultCh:
			if len(res.ips) > 0 {
				return res.ips, nil
			}
			lastErr = res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all bootstrap servers failed: %w", lastErr)
	}
	return nil, errors.New("no addresses from any bootstrap server")
}

// --- Exchange ---

// Resolve sends the query upstream through the circuit breaker. Any decoded
// DNS response, NXDOMAIN included, is a breaker success; timeouts, transport
// errors and garbage bodies are failures. A denied permit short-circuits
// before any network I/O.
func (u *Upstream) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	permit, ok := u.breaker.Allow()
	if !ok {
		return nil, ErrCircuitOpen
	}

	start := time.Now()

	resp, err := u.doExchange(ctx, req)

	// One retry, timeout only. Transport refusals and protocol garbage fail
	// fast, and a cancelled client context means nobody is waiting.
	if err != nil && isTimeout(err) && ctx.Err() == nil {
		LogDebug("[UPSTREAM] Retrying %s after timeout: %v", u.String(), err)
		time.Sleep(retryBackoff)
		resp, err = u.doExchange(ctx, req)
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// Client gave up; not the upstream's fault.
			return nil, classifyExchangeError(err)
		}
		u.breaker.RecordFailure(permit)
		return nil, classifyExchangeError(err)
	}

	u.breaker.RecordSuccess(permit)
	if IsDebugEnabled() {
		LogDebug("[UPSTREAM] %s answered %s in %v (rcode=%s)",
			u.String(), questionName(req), time.Since(start), dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

// resolveBudget is the wall-clock allowance for one full resolution: two
// attempts bounded by the per-attempt timeout, plus the pause between them.
// Callers bounding Resolve with a shorter deadline starve the retry.
func (u *Upstream) resolveBudget() time.Duration {
	return 2*u.timeout + retryBackoff
}

func (u *Upstream) doExchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if u.Format == FormatJSON {
		return u.exchangeJSON(ctx, req)
	}
	return u.exchangeWire(ctx, req)
}

func classifyExchangeError(err error) error {
	switch {
	case errors.Is(err, ErrUpstreamProtocol):
		return err
	case isTimeout(err):
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamTransport, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// exchangeWire performs an RFC 8484 exchange: the packed query travels as a
// POST body or a base64url "dns" query parameter.
func (u *Upstream) exchangeWire(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	buf := bufPool.Get().([]byte)

	packed, err := req.PackBuffer(buf[:0])
	if err != nil {
		bufPool.Put(buf)
		return nil, fmt.Errorf("%w: pack: %v", ErrUpstreamProtocol, err)
	}
	defer bufPool.Put(packed)

	var hReq *http.Request
	if u.Method == "GET" {
		payload := base64.RawURLEncoding.EncodeToString(packed)
		hReq, err = http.NewRequestWithContext(ctx, "GET", u.endpointURL()+"?dns="+payload, nil)
	} else {
		hReq, err = http.NewRequestWithContext(ctx, "POST", u.endpointURL(), bytes.NewReader(packed))
		if err == nil {
			hReq.Header.Set("Content-Type", "application/dns-message")
		}
	}
	if err != nil {
		return nil, err
	}
	hReq.Header.Set("Accept", "application/dns-message")

	hResp, err := u.httpClient.Do(hReq)
	if err != nil {
		return nil, err
	}
	defer hResp.Body.Close()

	if hResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamProtocol, hResp.StatusCode)
	}

	body, err := readLimitedBody(hResp.Body)
	if err != nil {
		return nil, err
	}
	defer bufPool.Put(body.buf)

	if len(body.data) < dnsHeaderSize {
		return nil, fmt.Errorf("%w: short response (%d bytes)", ErrUpstreamProtocol, len(body.data))
	}

	resp := getMsg()
	if err := resp.Unpack(body.data); err != nil {
		putMsg(resp)
		return nil, fmt.Errorf("%w: unpack: %v", ErrUpstreamProtocol, err)
	}
	return resp, nil
}

// jsonAnswer is one record in a JSON DoH response.
type jsonAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

type jsonResponse struct {
	Status    int          `json:"Status"`
	Truncated bool         `json:"TC"`
	Answer    []jsonAnswer `json:"Answer"`
}

// exchangeJSON performs a JSON-API exchange (Google/Cloudflare style):
// GET ?name=&type= with an application/dns-json body coming back.
func (u *Upstream) exchangeJSON(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	q := req.Question[0]

	params := url.Values{}
	params.Set("name", strings.TrimSuffix(q.Name, "."))
	params.Set("type", dns.TypeToString[q.Qtype])

	hReq, err := http.NewRequestWithContext(ctx, "GET", u.endpointURL()+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	hReq.Header.Set("Accept", "application/dns-json")

	hResp, err := u.httpClient.Do(hReq)
	if err != nil {
		return nil, err
	}
	defer hResp.Body.Close()

	if hResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamProtocol, hResp.StatusCode)
	}

	var payload jsonResponse
	dec := json.NewDecoder(io.LimitReader(hResp.Body, maxDoHBody))
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstreamProtocol, err)
	}

	resp := getMsg()
	resp.SetReply(req)
	resp.Rcode = payload.Status
	resp.Truncated = payload.Truncated
	resp.RecursionAvailable = true

	for _, ans := range payload.Answer {
		typeStr, ok := dns.TypeToString[ans.Type]
		if !ok {
			LogDebug("[UPSTREAM] Skipping answer with unknown type %d for %s", ans.Type, ans.Name)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", dns.Fqdn(ans.Name), ans.TTL, typeStr, ans.Data))
		if err != nil {
			LogDebug("[UPSTREAM] Skipping unparsable answer %q %s: %v", ans.Name, typeStr, err)
			continue
		}
		resp.Answer = append(resp.Answer, rr)
	}

	return resp, nil
}

// limitedBody pairs the read data with its pooled backing buffer so callers
// can return the buffer after unpacking.
type limitedBody struct {
	buf  []byte
	data []byte
}

func readLimitedBody(r io.Reader) (limitedBody, error) {
	// Read one byte past the legal maximum so a body of exactly maxDoHBody
	// bytes is distinguishable from an oversized one.
	limited := io.LimitReader(r, maxDoHBody+1)

	buf := bufPool.Get().([]byte)
	target := buf[:cap(buf)]
	if len(target) < 4096 {
		target = make([]byte, 4096)
		buf = target
	}

	read := 0
	for {
		if read == len(target) {
			if len(target) > maxDoHBody {
				bufPool.Put(buf)
				return limitedBody{}, fmt.Errorf("%w: response too large", ErrUpstreamProtocol)
			}
			newCap := len(target) * 2
			if newCap > maxDoHBody+1 {
				newCap = maxDoHBody + 1
			}
			grown := make([]byte, newCap)
			copy(grown, target)
			target = grown
			buf = grown
		}

		n, err := limited.Read(target[read:])
		read += n
		if err != nil {
			if err == io.EOF {
				break
			}
			bufPool.Put(buf)
			return limitedBody{}, err
		}
	}

	if read > maxDoHBody {
		bufPool.Put(buf)
		return limitedBody{}, fmt.Errorf("%w: response too large", ErrUpstreamProtocol)
	}

	return limitedBody{buf: buf, data: target[:read]}, nil
}
