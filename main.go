/*
File: main.go
Version: 1.3.0
Description: Entry point for the dohproxy application. Initializes globals,
             parses flags, wires the components together and runs the servers
             until a shutdown signal arrives.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
)

// --- Globals & Pools ---

// Buffer pool sized to the max DNS message over TCP so packing large
// responses never reallocates.
var bufPool = sync.Pool{
	New: func() any {
		return make([]byte, 65535)
	},
}

var msgPool = sync.Pool{
	New: func() any {
		return new(dns.Msg)
	},
}

func getMsg() *dns.Msg {
	m := msgPool.Get().(*dns.Msg)
	m.MsgHdr = dns.MsgHdr{}
	m.Compress = false
	m.Question = m.Question[:0]
	m.Answer = m.Answer[:0]
	m.Ns = m.Ns[:0]
	m.Extra = m.Extra[:0]
	return m
}

func putMsg(m *dns.Msg) {
	if m == nil {
		return
	}
	msgPool.Put(m)
}

// Global configuration instance
var config *Config

// Shutdown coordination
var (
	shutdownContext context.Context
	shutdownCancel  context.CancelFunc
	shutdownWg      sync.WaitGroup
)

// --- Flags ---

var (
	configFile = flag.String("config", "", "Path to configuration file (YAML)")
)

// --- Main ---

func main() {
	flag.Usage = func() {
		const usage = `DNS to DNS-over-HTTPS Proxy

Usage: %s -config <config.yaml>
`
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *configFile == "" {
		log.Fatal("Error: -config flag is required.")
	}

	if err := LoadConfig(*configFile); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	LogInfo("Configuration loaded successfully from %s", *configFile)

	shutdownContext, shutdownCancel = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Component wiring ---

	breaker := newCircuitBreaker(uint32(config.Upstream.Breaker.Threshold), config.Upstream.Breaker.parsedCooldown)

	upstream, err := newUpstream(&config.Upstream, breaker)
	if err != nil {
		LogFatal("Failed to configure upstream: %v", err)
	}
	upstream.startBootstrapRefresher(shutdownContext)

	var cache *DNSCache
	if config.Cache.Enabled {
		LogInfo("Caching: Enabled (Size: %d)", config.Cache.Size)
		cache = newDNSCache(config.Cache.Size)
	} else {
		LogInfo("Caching: Disabled")
	}

	acl, err := newClientACL(config.ACL.Allow)
	if err != nil {
		LogFatal("Failed to configure ACL: %v", err)
	}

	limiter := newLimiterManager(&config.RateLimit)
	stats := newStats()

	proxy := newProxy(cache, upstream, limiter, acl, stats)

	startBackgroundTasks(cache, limiter, stats, breaker)

	// --- Servers ---

	serverWg := &sync.WaitGroup{}
	servers := startServers(proxy, serverWg)

	sig := <-sigChan
	LogInfo("Received signal: %v - initiating graceful shutdown...", sig)

	gracefulShutdown(servers)

	serverWg.Wait()
	LogInfo("All servers stopped")

	shutdownCancel()
	shutdownWg.Wait()
	LogInfo("All background tasks stopped")

	LogInfo("Shutdown complete")
	ShutdownLogger()
}

// startBackgroundTasks starts all background maintenance routines.
func startBackgroundTasks(cache *DNSCache, limiter *LimiterManager, stats *Stats, breaker *CircuitBreaker) {
	if config.RateLimit.Enabled {
		shutdownWg.Add(1)
		go func() {
			defer shutdownWg.Done()
			limiter.StartCleanupRoutine(shutdownContext)
		}()
	}

	if cache != nil {
		shutdownWg.Add(1)
		go func() {
			defer shutdownWg.Done()
			cache.maintainCache(shutdownContext)
		}()
	}

	if config.Stats.parsedInterval > 0 && cache != nil {
		shutdownWg.Add(1)
		go func() {
			defer shutdownWg.Done()
			stats.StartReporter(shutdownContext, config.Stats.parsedInterval, cache, breaker)
		}()
	}
}

// gracefulShutdown stops all listeners concurrently, bounded by a timeout.
func gracefulShutdown(servers []ServerShutdowner) {
	LogInfo("Stopping all listeners...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		wg.Add(1)
		go func(server ServerShutdowner) {
			defer wg.Done()
			if err := server.Shutdown(ctx); err != nil {
				LogError("Error shutting down server [%s]: %v", server.String(), err)
			} else {
				LogInfo("Server [%s] shut down successfully", server.String())
			}
		}(srv)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		LogInfo("All servers shut down gracefully")
	case <-ctx.Done():
		LogInfo("Shutdown timeout reached - forcing exit")
	}
}
