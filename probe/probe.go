// Package probe defines the liveness and backpressure signals consumed by the
// resource-management core. Probes are polled at decision points, never
// pushed: the sync coordinator asks "is the device online" before flushing,
// and the prefetch scheduler asks "how much memory pressure" before starting
// speculative work.
package probe

import (
	"runtime"
	"sync/atomic"
)

// Online reports device connectivity.
type Online interface {
	Online() bool
}

// MemoryPressure reports how much of a memory budget is in use, as a ratio
// in [0, 1]. Values above a scheduler's configured threshold halt
// speculative work.
type MemoryPressure interface {
	PressureRatio() float64
}

// OnlineFunc adapts a function to the Online interface.
type OnlineFunc func() bool

func (f OnlineFunc) Online() bool { return f() }

// PressureFunc adapts a function to the MemoryPressure interface.
type PressureFunc func() float64

func (f PressureFunc) PressureRatio() float64 { return f() }

// AlwaysOnline is an Online probe for environments without a connectivity
// signal.
var AlwaysOnline = OnlineFunc(func() bool { return true })

// NoPressure is a MemoryPressure probe that never applies backpressure.
var NoPressure = PressureFunc(func() float64 { return 0 })

// SwitchableOnline is an Online probe whose state can be toggled by the
// caller, typically driven by a platform connectivity listener.
type SwitchableOnline struct {
	offline atomic.Bool
}

// NewSwitchableOnline creates a probe that starts in the given state.
func NewSwitchableOnline(online bool) *SwitchableOnline {
	s := &SwitchableOnline{}
	s.offline.Store(!online)
	return s
}

// Online implements the Online interface.
func (s *SwitchableOnline) Online() bool { return !s.offline.Load() }

// Set updates the connectivity state.
func (s *SwitchableOnline) Set(online bool) { s.offline.Store(!online) }

// HeapPressure is a MemoryPressure probe backed by the Go runtime's heap
// statistics, measured against a fixed budget in bytes.
type HeapPressure struct {
	budget uint64
}

// NewHeapPressure creates a heap-based pressure probe. budget must be
// positive.
func NewHeapPressure(budget uint64) *HeapPressure {
	return &HeapPressure{budget: budget}
}

// PressureRatio implements the MemoryPressure interface. Reading runtime
// MemStats is cheap enough to do per decision point.
func (h *HeapPressure) PressureRatio() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(h.budget)
}
