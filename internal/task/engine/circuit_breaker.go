package engine

import (
	"sync"
	"time"
)

// circuit is a consecutive-failure breaker in front of the agent backend.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// While open, drains stop issuing create calls and leave tasks queued.
type circuit struct {
	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuitCfg holds effective settings after applying defaults.
type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	if cfg.CircuitTripFailures < 0 {
		return circuitCfg{enabled: false}
	}
	cfg = cfg.withDefaults()
	return circuitCfg{
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
		enabled:    true,
	}
}

// resetIfStaleLocked forgets failures when the last one was long ago.
func (c *circuit) resetIfStaleLocked(now time.Time, cc circuitCfg) {
	if !c.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(c.lastFailure) > cc.resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

func (c *circuit) isOpen(now time.Time, cfg Config) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStaleLocked(now, cc)
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record returns true when this failure tripped (or re-tripped) the circuit.
func (c *circuit) record(now time.Time, cfg Config, err error) bool {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStaleLocked(now, cc)

	if err == nil {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return false
	}

	c.fails++
	c.lastFailure = now
	if c.fails < cc.trip {
		return false
	}

	// Exponential cooldown after tripping.
	d := cc.baseDelay
	for i := 0; i < c.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	c.openUntil = now.Add(d)
	return true
}

func (c *circuit) snapshot(now time.Time) (fails int, open bool, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	open = !c.openUntil.IsZero() && now.Before(c.openUntil)
	if open {
		until = c.openUntil
	}
	return c.fails, open, until
}

func (c *circuit) reset() {
	c.mu.Lock()
	c.fails = 0
	c.openUntil = time.Time{}
	c.lastFailure = time.Time{}
	c.mu.Unlock()
}
