/*
File: utils.go
Description: Common utility functions for network address handling.
*/

package main

import (
	"net"

	"github.com/miekg/dns"
)

func getIPFromAddr(addr net.Addr) net.IP {
	if addr == nil {
		return nil
	}
	switch v := addr.(type) {
	case *net.UDPAddr:
		return v.IP
	case *net.TCPAddr:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.ParseIP(addr.String())
		}
		return net.ParseIP(host)
	}
}

// questionName returns the query name for logging, or "-" when absent.
func questionName(msg *dns.Msg) string {
	if msg == nil || len(msg.Question) == 0 {
		return "-"
	}
	return msg.Question[0].Name
}
