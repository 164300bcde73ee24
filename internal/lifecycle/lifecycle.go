package lifecycle

import "sync/atomic"

// Phase is the process lifecycle stage reported by /health.
type Phase int32

const (
	// PhaseStarting covers config load and backend wiring.
	PhaseStarting Phase = iota
	PhaseReady
	// PhaseDraining is entered on SIGTERM/SIGINT; in-flight queries finish, new ones are refused.
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseReady:
		return "ready"
	case PhaseDraining:
		return "shutting-down"
	}
	return "unknown"
}

var phase atomic.Int32

// Current returns the current phase.
func Current() Phase {
	return Phase(phase.Load())
}

// MarkReady moves Starting to Ready. It never leaves Draining.
func MarkReady() {
	phase.CompareAndSwap(int32(PhaseStarting), int32(PhaseReady))
}

// SetShuttingDown enters Draining when v is true; false returns to Ready.
func SetShuttingDown(v bool) {
	if v {
		phase.Store(int32(PhaseDraining))
		return
	}
	phase.Store(int32(PhaseReady))
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return Current() == PhaseDraining
}

// reset returns to Starting. Tests only.
func reset() {
	phase.Store(int32(PhaseStarting))
}
