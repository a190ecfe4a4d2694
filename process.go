/*
File: process.go
Version: 1.4.0
Description: Core processing logic for DNS requests: ACL and rate-limit gates,
             cache lookup, coalesced upstream forwarding, and response policy
             (NXDOMAIN synthesis, SERVFAIL mapping, transaction ID restore).
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

type queryResult struct {
	msg *dns.Msg
	rtt time.Duration
}

// Proxy wires the cache, upstream client, limiter and ACL together. One
// instance serves all listeners.
type Proxy struct {
	cache    *DNSCache
	upstream *Upstream
	limiter  *LimiterManager
	acl      *ClientACL
	stats    *Stats

	// Coalesces concurrent identical queries into one upstream call.
	group singleflight.Group
}

func newProxy(cache *DNSCache, upstream *Upstream, limiter *LimiterManager, acl *ClientACL, stats *Stats) *Proxy {
	return &Proxy{
		cache:    cache,
		upstream: upstream,
		limiter:  limiter,
		acl:      acl,
		stats:    stats,
	}
}

func (p *Proxy) processDNSRequest(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, reqCtx *RequestContext) {
	defer func() {
		if rec := recover(); rec != nil {
			LogError("Panic in processDNSRequest: %v\nStack: %s", rec, debug.Stack())
			dns.HandleFailed(w, r)
		}
	}()

	start := time.Now()
	p.stats.Queries.Add(1)

	clientIP := reqCtx.ClientIP

	// --- ACL GATE ---
	// Unknown clients get nothing back, not even a refusal.
	if !p.acl.Allowed(clientIP) {
		p.stats.Dropped.Add(1)
		LogDebug("[ACL] Dropped query from %s (not in allowed ranges)", clientIP)
		return
	}

	// --- RATE LIMIT GATE ---
	if !p.limiter.Allow(clientIP) {
		p.stats.Refused.Add(1)
		resp := newReply(r, dns.RcodeRefused)
		w.WriteMsg(resp)
		putMsg(resp)
		return
	}

	originalID := r.Id

	// --- QUERY VALIDATION ---
	if err := validateQuery(r); err != nil {
		rcode := dns.RcodeFormatError
		if errors.Is(err, errUnsupportedOp) {
			rcode = dns.RcodeNotImplemented
			p.stats.NotImp.Add(1)
		} else {
			p.stats.FormErr.Add(1)
		}
		LogDebug("[PROCESS] Rejecting query from %s: %v (%s)", clientIP, err, dns.RcodeToString[rcode])
		resp := newReply(r, rcode)
		w.WriteMsg(resp)
		putMsg(resp)
		return
	}

	q := r.Question[0]
	reqCtx.QueryName = q.Name

	// Query types with no textual presentation cannot cross a JSON upstream.
	if p.upstream.Format == FormatJSON && !typeHasTextForm(q.Qtype) {
		p.stats.NotImp.Add(1)
		LogDebug("[PROCESS] Type %d has no JSON form, answering NOTIMP for %s", q.Qtype, q.Name)
		resp := newReply(r, dns.RcodeNotImplemented)
		w.WriteMsg(resp)
		putMsg(resp)
		return
	}

	cacheKey := cacheKeyFor(q)

	// --- CACHE CHECK ---
	if p.cache != nil {
		if cached, remainingTTL := p.cache.Get(cacheKey, originalID); cached != nil {
			p.stats.CacheHits.Add(1)
			// The stored copy carries whatever casing warmed the cache;
			// the client must see its own question echoed verbatim.
			cached.Question = append(cached.Question[:0], r.Question...)
			w.WriteMsg(cached)
			if IsInfoEnabled() {
				logRequest(originalID, reqCtx, q, fmt.Sprintf("CACHE_HIT (TTL:%ds)", remainingTTL), 0, time.Since(start))
			}
			putMsg(cached)
			return
		}
		p.stats.CacheMisses.Add(1)
	}

	// --- UPSTREAM FORWARDING ---

	msg := r.Copy()
	// Randomize the QID for the upstream query; the client's ID is restored
	// on the way back.
	msg.Id = dns.Id()

	ch := p.group.DoChan(cacheKey, func() (interface{}, error) {
		p.stats.UpstreamCalls.Add(1)

		uCtx, cancel := context.WithTimeout(context.Background(), p.upstream.resolveBudget())
		defer cancel()

		fwdStart := time.Now()
		resp, err := p.upstream.Resolve(uCtx, msg)
		if err != nil {
			return nil, err
		}
		return queryResult{msg: resp, rtt: time.Since(fwdStart)}, nil
	})

	var result singleflight.Result
	select {
	case <-ctx.Done():
		LogDebug("[PROCESS] Query %s cancelled while waiting for upstream", q.Name)
		return
	case res := <-ch:
		result = res
	}

	if result.Err != nil {
		p.handleUpstreamError(w, r, reqCtx, q, result.Err, start)
		return
	}

	qr := result.Val.(queryResult)
	resp := qr.msg
	if result.Shared {
		resp = resp.Copy()
	}

	cleanResponse(resp)
	applyTTLClamping(resp)

	// A NOERROR answer with an empty answer section means the name exists
	// with no records of this type; legacy clients handle NXDOMAIN better.
	// Neither shape is cached.
	if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) == 0 {
		resp.Rcode = dns.RcodeNameError
	}

	status := dns.RcodeToString[resp.Rcode]
	switch resp.Rcode {
	case dns.RcodeNameError:
		p.stats.NXDomain.Add(1)
	case dns.RcodeServerFailure:
		p.stats.ServFail.Add(1)
	}

	if p.cache != nil {
		p.cache.Put(cacheKey, resp)
	}

	finalizeResponse(resp, originalID)
	w.WriteMsg(resp)

	if result.Shared {
		status += " (COALESCED)"
	}
	if IsInfoEnabled() {
		logRequest(originalID, reqCtx, q, status, qr.rtt, time.Since(start))
	}
	putMsg(resp)
}

// handleUpstreamError maps resolver failures onto SERVFAIL. Breaker denials
// never reach the network; everything else already failed there.
func (p *Proxy) handleUpstreamError(w dns.ResponseWriter, r *dns.Msg, reqCtx *RequestContext, q dns.Question, err error, start time.Time) {
	var status string
	switch {
	case errors.Is(err, ErrCircuitOpen):
		p.stats.BreakerDenied.Add(1)
		status = "SERVFAIL (CIRCUIT_OPEN)"
		LogWarn("[PROCESS] Circuit open, failing %s from %s without upstream attempt", q.Name, reqCtx.ClientIP)
	case errors.Is(err, ErrUpstreamTimeout):
		p.stats.UpstreamErrors.Add(1)
		status = "SERVFAIL (TIMEOUT)"
		LogWarn("[PROCESS] Upstream timeout for %s from %s", q.Name, reqCtx.ClientIP)
	default:
		p.stats.UpstreamErrors.Add(1)
		status = "SERVFAIL"
		LogError("[PROCESS] Error resolving %s from %s: %v", q.Name, reqCtx.ClientIP, err)
	}

	p.stats.ServFail.Add(1)

	if config != nil && config.Server.DropOnFailure {
		LogDebug("[PROCESS] Dropping query %s due to failure (drop_on_failure=true)", q.Name)
		return
	}

	resp := newReply(r, dns.RcodeServerFailure)
	w.WriteMsg(resp)
	putMsg(resp)

	if IsInfoEnabled() {
		logRequest(r.Id, reqCtx, q, status, 0, time.Since(start))
	}
}

func logRequest(clientQID uint16, reqCtx *RequestContext, q dns.Question, status string, upstreamRTT, duration time.Duration) {
	rttStr := "-"
	if upstreamRTT > 0 {
		rttStr = upstreamRTT.String()
	}
	LogInfo("[QRY] QID:%d | Client:%s | Proto:%s | Query:%s (%s) | Status:%s | RTT:%s | Total:%v",
		clientQID, reqCtx.ClientIP, reqCtx.Protocol, q.Name, dns.TypeToString[q.Qtype], status, rttStr, duration)
}
