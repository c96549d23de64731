package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Gate names one boolean switch shared by the loops.
type Gate string

const (
	GateAutonomous   Gate = "autonomous"
	GateBaseline     Gate = "baseline"
	GateAggressive   Gate = "aggressive"
	GateAutoSave     Gate = "auto_save"
	GateSecurityScan Gate = "security_scan"
)

// KnownGates lists every gate in display order.
var KnownGates = []Gate{GateAutonomous, GateBaseline, GateAggressive, GateAutoSave, GateSecurityScan}

// ParseGate accepts the gate names case-insensitively, with '-' or '_'.
func ParseGate(s string) (Gate, error) {
	g := Gate(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, k := range KnownGates {
		if g == k {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown gate %q", s)
}

// Gates holds the shared flags. Every change wakes the loops waiting on
// Watch so they can re-check their gates right away.
type Gates struct {
	mu      sync.Mutex
	flags   map[Gate]bool
	changed chan struct{}
}

func NewGates() *Gates {
	return &Gates{flags: map[Gate]bool{}, changed: make(chan struct{})}
}

// Set updates g and returns its previous value.
func (g *Gates) Set(name Gate, v bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.flags[name]
	if prev == v {
		return prev
	}
	g.flags[name] = v
	close(g.changed)
	g.changed = make(chan struct{})
	return prev
}

func (g *Gates) Get(name Gate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags[name]
}

// All reports whether every named gate is open. No names means open.
func (g *Gates) All(names ...Gate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range names {
		if !g.flags[n] {
			return false
		}
	}
	return true
}

// Watch returns a channel closed on the next change.
func (g *Gates) Watch() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// Snapshot returns every known gate plus any other flag ever set.
func (g *Gates) Snapshot() map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]bool, len(g.flags)+len(KnownGates))
	for _, k := range KnownGates {
		out[string(k)] = false
	}
	for k, v := range g.flags {
		out[string(k)] = v
	}
	return out
}

func gateNames(gs []Gate) []string {
	out := make([]string, 0, len(gs))
	for _, g := range gs {
		out = append(out, string(g))
	}
	sort.Strings(out)
	return out
}
