/*
File: response.go
Version: 1.1.0
Description: Handles DNS response manipulation before caching and delivery:
             answer minimization and TTL clamping.
*/

package main

import (
	"fmt"

	"github.com/miekg/dns"
)

// cleanResponse strips authority/additional sections and DNSSEC answer
// records when minimization is enabled. Clients behind this proxy only ever
// asked for plain answers.
func cleanResponse(msg *dns.Msg) {
	if msg == nil || config == nil {
		return
	}
	if !config.Server.Response.Minimization {
		return
	}

	nsCount := len(msg.Ns)
	extraCount := len(msg.Extra)

	msg.Ns = nil
	msg.Extra = nil

	removed := 0
	if len(msg.Answer) > 0 {
		n := 0
		for _, rr := range msg.Answer {
			switch rr.Header().Rrtype {
			case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM, dns.TypeDS, dns.TypeDNSKEY, dns.TypeDLV:
				removed++
			default:
				msg.Answer[n] = rr
				n++
			}
		}
		msg.Answer = msg.Answer[:n]
	}

	if IsDebugEnabled() && (nsCount > 0 || extraCount > 0 || removed > 0) {
		LogDebug("[RESPONSE] Minimization: Stripped %d Authority, %d Additional, %d DNSSEC Answer records",
			nsCount, extraCount, removed)
	}
}

// applyTTLClamping bounds every record TTL into [cache.min_ttl, cache.max_ttl].
// It runs before the cache write so the clamped values drive expiry too.
func applyTTLClamping(msg *dns.Msg) {
	if msg == nil || config == nil {
		return
	}

	minTTL := uint32(config.Cache.MinTTL)
	maxTTL := uint32(config.Cache.MaxTTL)
	if minTTL == 0 && maxTTL == 0 {
		return
	}

	clamped := 0
	clampTTLs := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}

			newTTL := rr.Header().Ttl
			if minTTL > 0 && newTTL < minTTL {
				newTTL = minTTL
			}
			if maxTTL > 0 && newTTL > maxTTL {
				newTTL = maxTTL
			}
			if newTTL != rr.Header().Ttl {
				rr.Header().Ttl = newTTL
				clamped++
			}
		}
	}

	clampTTLs(msg.Answer)
	clampTTLs(msg.Ns)
	clampTTLs(msg.Extra)

	if clamped > 0 && IsDebugEnabled() {
		qInfo := "unknown"
		if len(msg.Question) > 0 {
			qInfo = fmt.Sprintf("%s (%s)", msg.Question[0].Name, dns.TypeToString[msg.Question[0].Qtype])
		}
		LogDebug("[TTL-CLAMP] Query: %s | Answers: %d | Clamped: %d", qInfo, len(msg.Answer), clamped)
	}
}
