package reconcile

import "sync/atomic"

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Checks            uint64
	Rewinds           uint64
	ForcedRewinds     uint64
	Corrections       uint64
	CorrectionsUsed   uint64
	StaleDrops        uint64
	UnresolvedDrops   uint64
	Deferred          uint64
	InvalidTargets    uint64
	SnapshotsProduced uint64
	QueueFull         uint64
	InputsConsumed    uint64
	InputsRepeated    uint64
}

// counters are written by the physics goroutine and may be read from any other.
type counters struct {
	checks            atomic.Uint64
	rewinds           atomic.Uint64
	forcedRewinds     atomic.Uint64
	corrections       atomic.Uint64
	correctionsUsed   atomic.Uint64
	staleDrops        atomic.Uint64
	unresolvedDrops   atomic.Uint64
	deferred          atomic.Uint64
	invalidTargets    atomic.Uint64
	snapshotsProduced atomic.Uint64
	queueFull         atomic.Uint64
	inputsConsumed    atomic.Uint64
	inputsRepeated    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Checks:            c.checks.Load(),
		Rewinds:           c.rewinds.Load(),
		ForcedRewinds:     c.forcedRewinds.Load(),
		Corrections:       c.corrections.Load(),
		CorrectionsUsed:   c.correctionsUsed.Load(),
		StaleDrops:        c.staleDrops.Load(),
		UnresolvedDrops:   c.unresolvedDrops.Load(),
		Deferred:          c.deferred.Load(),
		InvalidTargets:    c.invalidTargets.Load(),
		SnapshotsProduced: c.snapshotsProduced.Load(),
		QueueFull:         c.queueFull.Load(),
		InputsConsumed:    c.inputsConsumed.Load(),
		InputsRepeated:    c.inputsRepeated.Load(),
	}
}
