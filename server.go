/*
File: server.go
Version: 1.2.0
Description: Implements the UDP and TCP protocol listeners. Datagrams that do
             not parse as DNS (including anything shorter than a 12-byte
             header) are discarded by the server layer without a response.
*/

package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	MaxDNSBodySize       = 65535
	DefaultServerTimeout = 5 * time.Second
)

// ServerShutdowner interface for graceful shutdown.
type ServerShutdowner interface {
	Shutdown(ctx context.Context) error
	String() string
}

// DNSServerWrapper wraps dns.Server to implement ServerShutdowner.
type DNSServerWrapper struct {
	*dns.Server
}

func (w *DNSServerWrapper) Shutdown(ctx context.Context) error {
	return w.Server.ShutdownContext(ctx)
}

func (w *DNSServerWrapper) String() string {
	return fmt.Sprintf("Protocol: DNS/%s | Addr: %s", strings.ToUpper(w.Net), w.Addr)
}

// startServers brings up one dns.Server per configured listener address/port
// and network, all sharing the same proxy.
func startServers(proxy *Proxy, wg *sync.WaitGroup) []ServerShutdowner {
	var servers []ServerShutdowner

	for _, l := range config.Server.Listeners {
		var nets []string
		switch l.Protocol {
		case "udp":
			nets = []string{"udp"}
		case "tcp":
			nets = []string{"tcp"}
		case "dns":
			nets = []string{"udp", "tcp"}
		}

		for _, address := range l.Address {
			for _, port := range l.Port {
				addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))

				for _, network := range nets {
					servers = append(servers, startListener(proxy, wg, addr, network))
				}
			}
		}
	}

	return servers
}

func startListener(proxy *Proxy, wg *sync.WaitGroup, addr, network string) ServerShutdowner {
	server := &dns.Server{Addr: addr, Net: network, UDPSize: MaxDNSBodySize}
	wrapper := &DNSServerWrapper{server}
	proto := strings.ToUpper(network)

	server.Handler = dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), getTimeout())
		defer cancel()

		reqCtx := getReqCtx()
		defer putReqCtx(reqCtx)
		reqCtx.ClientIP = getIPFromAddr(w.RemoteAddr())
		reqCtx.Protocol = proto

		proxy.processDNSRequest(ctx, w, r, reqCtx)
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		LogInfo("Starting Server [%s]", wrapper.String())
		if err := server.ListenAndServe(); err != nil {
			LogError("Server [%s] stopped: %v", wrapper.String(), err)
		}
	}()

	return wrapper
}

func getTimeout() time.Duration {
	if config == nil || config.Server.Timeout == "" {
		return DefaultServerTimeout
	}
	d, err := time.ParseDuration(config.Server.Timeout)
	if err != nil {
		return DefaultServerTimeout
	}
	return d
}
