/*
File: codec.go
Version: 1.0.0
Description: Wire-format helpers layered on miekg/dns: query validation, cache key
             derivation, and response construction with the proxy's flag policy.
*/

package main

import (
	"errors"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const dnsHeaderSize = 12

var (
	errMalformedQuery = errors.New("malformed query")
	errUnsupportedOp  = errors.New("unsupported operation")
)

// validateQuery enforces the shape this proxy is willing to forward:
// a standard query carrying exactly one question. The listener already
// dropped anything below the minimum header size.
func validateQuery(r *dns.Msg) error {
	if r.Response {
		return errMalformedQuery
	}
	if r.Opcode != dns.OpcodeQuery {
		return errUnsupportedOp
	}
	if len(r.Question) != 1 {
		return errMalformedQuery
	}
	return nil
}

// cacheKeyFor builds the canonical cache key for a question.
// Name comparison is case-insensitive per RFC 1035, so the key is lowercased.
func cacheKeyFor(q dns.Question) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(q.Name))
	sb.WriteString("|")
	sb.WriteString(strconv.Itoa(int(q.Qtype)))
	sb.WriteString("|")
	sb.WriteString(strconv.Itoa(int(q.Qclass)))
	return sb.String()
}

// newReply builds an empty response to r with the proxy's flag policy:
// QR=1, RA=1 (we forward on the client's behalf), AA=0 (we are not
// authoritative for anything), and the given response code.
func newReply(r *dns.Msg, rcode int) *dns.Msg {
	m := getMsg()
	m.SetReply(r)
	m.RecursionAvailable = true
	m.Authoritative = false
	m.Rcode = rcode
	return m
}

// finalizeResponse normalizes an upstream-built message before it is
// returned to the client: the original transaction ID is restored and
// the flag policy above is re-applied regardless of what upstream set.
func finalizeResponse(msg *dns.Msg, originalID uint16) {
	msg.Id = originalID
	msg.Response = true
	msg.RecursionAvailable = true
	msg.Authoritative = false
}

// ageTTLs decrements every record's TTL by the elapsed cache residency,
// flooring at zero, so clients observe correctly aging TTLs on hits.
func ageTTLs(msg *dns.Msg, elapsed uint32) {
	age := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			if rr.Header().Ttl > elapsed {
				rr.Header().Ttl -= elapsed
			} else {
				rr.Header().Ttl = 0
			}
		}
	}
	age(msg.Answer)
	age(msg.Ns)
	age(msg.Extra)
}

// typeHasTextForm reports whether a question type can be expressed in the
// JSON upstream form, which identifies types by their mnemonic.
func typeHasTextForm(qtype uint16) bool {
	_, ok := dns.TypeToString[qtype]
	return ok
}
