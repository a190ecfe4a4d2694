/*
File: breaker.go
Version: 1.1.0
Description: Circuit breaker guarding the upstream DoH endpoint. Lock-free state
             tracking via atomics; the half-open probe slot is claimed by CAS so
             at most one query is ever on probation at a time.
*/

package main

import (
	"sync/atomic"
	"time"
)

const (
	defaultCBFailureThreshold = 5
	defaultCBCooldown         = 60 * time.Second
)

// Breaker states as reported by State().
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Permit is the token returned by Allow. It must be handed back through
// RecordSuccess or RecordFailure so a half-open probe slot is released.
type Permit struct {
	probe bool
}

type CircuitBreaker struct {
	threshold uint32
	cooldown  time.Duration

	failures  atomic.Uint32
	open      atomic.Bool
	nextProbe atomic.Int64 // unix nanos; earliest half-open transition while open
	probing   atomic.Bool  // half-open trial token
}

func newCircuitBreaker(threshold uint32, cooldown time.Duration) *CircuitBreaker {
	if threshold == 0 {
		threshold = defaultCBFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCBCooldown
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a new upstream call may proceed. While open and
// before the cooldown elapses it denies immediately, with no network
// attempt. Once the cooldown has passed, exactly one caller wins the
// probe token; everyone else is still denied until the probe resolves.
func (cb *CircuitBreaker) Allow() (Permit, bool) {
	if !cb.open.Load() {
		return Permit{}, true
	}

	if time.Now().UnixNano() < cb.nextProbe.Load() {
		return Permit{}, false
	}

	if cb.probing.CompareAndSwap(false, true) {
		LogDebug("[CIRCUIT] Entering HALF-OPEN state (probing upstream)")
		return Permit{probe: true}, true
	}
	return Permit{}, false
}

// RecordSuccess resets the consecutive failure count and, for a probe
// permit, closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(p Permit) {
	cb.failures.Store(0)

	if p.probe {
		cb.open.Store(false)
		cb.probing.Store(false)
		LogInfo("[CIRCUIT] Upstream recovered (Circuit CLOSED)")
		return
	}

	if cb.open.Swap(false) {
		LogInfo("[CIRCUIT] Upstream recovered (Circuit CLOSED)")
	}
}

// RecordFailure counts a failed upstream call. A failed probe re-opens
// the circuit and restarts the cooldown; in the closed state the circuit
// opens once the consecutive failure threshold is reached.
func (cb *CircuitBreaker) RecordFailure(p Permit) {
	newFailures := cb.failures.Add(1)

	if p.probe {
		cb.nextProbe.Store(time.Now().Add(cb.cooldown).UnixNano())
		cb.probing.Store(false)
		LogWarn("[CIRCUIT] Probe failed, circuit re-OPENED (backoff %v)", cb.cooldown)
		return
	}

	if newFailures >= cb.threshold {
		cb.nextProbe.Store(time.Now().Add(cb.cooldown).UnixNano())
		if !cb.open.Swap(true) {
			LogWarn("[CIRCUIT] Upstream failed %d times (Threshold: %d). Circuit OPEN. Backoff %v",
				newFailures, cb.threshold, cb.cooldown)
		}
	}
}

// State reports the current breaker state for observability.
func (cb *CircuitBreaker) State() string {
	if !cb.open.Load() {
		return StateClosed
	}
	if cb.probing.Load() || time.Now().UnixNano() >= cb.nextProbe.Load() {
		return StateHalfOpen
	}
	return StateOpen
}

// Failures reports the current consecutive failure count.
func (cb *CircuitBreaker) Failures() uint32 {
	return cb.failures.Load()
}
