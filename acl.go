/*
File: acl.go
Version: 1.0.0
Description: Client access control. Source addresses are matched against allowed
             CIDR ranges with a path-compressed radix trie (cidranger); queries
             from outside the allowed ranges are dropped without a response.
*/

package main

import (
	"fmt"
	"net"

	"github.com/yl2chen/cidranger"
)

type ClientACL struct {
	ranger  cidranger.Ranger
	enabled bool
}

// newClientACL builds the allow trie from the configured CIDR list. An empty
// list means the ACL is disabled and every client is accepted.
func newClientACL(allow []string) (*ClientACL, error) {
	acl := &ClientACL{}
	if len(allow) == 0 {
		return acl, nil
	}

	acl.ranger = cidranger.NewPCTrieRanger()
	for _, raw := range allow {
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			// Accept bare addresses as /32 (or /128) for convenience.
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid ACL entry %q: %w", raw, err)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		if err := acl.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("invalid ACL entry %q: %w", raw, err)
		}
	}
	acl.enabled = true
	LogInfo("[ACL] Loaded %d allowed client ranges", len(allow))
	return acl, nil
}

// Allowed reports whether the client address may be served.
func (a *ClientACL) Allowed(ip net.IP) bool {
	if !a.enabled || ip == nil {
		return true
	}
	ok, err := a.ranger.Contains(ip)
	if err != nil {
		return false
	}
	return ok
}
