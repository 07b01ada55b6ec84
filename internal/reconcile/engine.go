package reconcile

import (
	"errors"
	"fmt"
	"io"
	"log"

	"netphys.dev/internal/diag"
	"netphys.dev/internal/input"
	"netphys.dev/internal/physics"
)

type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// ErrPassInFlight is returned when a reconciliation pass is started while
// another one is still resimulating.
var ErrPassInFlight = errors.New("reconcile: pass already in flight")

const maxDeferred = 4096

type Options struct {
	Role       Role
	Tolerances physics.Tolerances
	Input      input.Config

	InboundCapacity   int
	OutboundCapacity  int
	RequestCapacity   int
	ControlCapacity   int
	ConnInputCapacity int

	ForcedResim ForcedResim

	// Inputs receives the command consumed for every connection each forward
	// tick on the server.
	Inputs InputHandler

	Logger *log.Logger
	Sink   diag.Sink
}

func (o *Options) normalize() {
	if o.Role == 0 {
		o.Role = RoleClient
	}
	if o.InboundCapacity <= 0 {
		o.InboundCapacity = 256
	}
	if o.OutboundCapacity <= 0 {
		o.OutboundCapacity = 256
	}
	if o.RequestCapacity <= 0 {
		o.RequestCapacity = 64
	}
	if o.ControlCapacity <= 0 {
		o.ControlCapacity = 64
	}
	if o.ConnInputCapacity <= 0 {
		o.ConnInputCapacity = 256
	}
	if o.Input.MaxBufferedCmds <= 0 {
		o.Input.MaxBufferedCmds = 64
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	o.Sink = diag.Or(o.Sink)
}

// Engine is the physics-thread half of reconciliation for one solver. All
// methods except the queue accessors, Connect, Disconnect and Stats must be
// called from the solver's lifecycle hooks on the physics goroutine.
type Engine struct {
	solver physics.Solver
	opts   Options
	log    *log.Logger
	sink   diag.Sink

	inbound  *Queue[physics.Snapshot]
	outbound *Queue[physics.Snapshot]
	requests *Queue[physics.Request]
	control  *Queue[connOp]

	proposers   []RewindProposer
	corrections correctionBatch
	deferred    []physics.NetState

	resimStartFrame int64
	resimEndFrame   int64

	tracked  []physics.BodyID
	conns    map[string]*connState
	connKeys []string

	stats counters
}

// NewEngine builds the engine owned by solver. The engine lives exactly as
// long as the solver that drives its hooks.
func NewEngine(solver physics.Solver, opts Options) *Engine {
	opts.normalize()
	e := &Engine{
		solver:          solver,
		opts:            opts,
		log:             opts.Logger,
		sink:            opts.Sink,
		inbound:         NewQueue[physics.Snapshot](opts.InboundCapacity),
		outbound:        NewQueue[physics.Snapshot](opts.OutboundCapacity),
		requests:        NewQueue[physics.Request](opts.RequestCapacity),
		control:         NewQueue[connOp](opts.ControlCapacity),
		resimStartFrame: physics.NoFrame,
		resimEndFrame:   physics.NoFrame,
		conns:           make(map[string]*connState),
	}
	if opts.ForcedResim.Enabled() {
		e.log.Printf("forced resimulation enabled every=%d rewind=%d: network state will be ignored", opts.ForcedResim.Every, opts.ForcedResim.Rewind)
	}
	return e
}

func (e *Engine) Role() Role { return e.opts.Role }

// Inbound carries client-side snapshots (already in local frames) from the
// game goroutine to the divergence check.
func (e *Engine) Inbound() *Queue[physics.Snapshot] { return e.inbound }

// Outbound carries server snapshots from the physics goroutine to the game
// goroutine.
func (e *Engine) Outbound() *Queue[physics.Snapshot] { return e.outbound }

// Requests carries the set of bodies the server should sample.
func (e *Engine) Requests() *Queue[physics.Request] { return e.requests }

func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// RegisterProposer adds a subsystem that may demand rewinds. Call before the
// solver starts ticking.
func (e *Engine) RegisterProposer(p RewindProposer) {
	if p != nil {
		e.proposers = append(e.proposers, p)
	}
}

// Resimulating reports whether a reconciliation pass is in flight.
func (e *Engine) Resimulating() bool { return e.resimEndFrame != physics.NoFrame }

// ResimRange returns the frames of the pass in flight.
func (e *Engine) ResimRange() (start, end int64) { return e.resimStartFrame, e.resimEndFrame }

// CheckForDivergence runs once per forward tick after lastCompletedStep has
// been simulated. It returns the frame the solver must rewind to, if any.
func (e *Engine) CheckForDivergence(lastCompletedStep int64) (int64, bool) {
	if e.Resimulating() {
		return physics.NoFrame, false
	}
	e.stats.checks.Add(1)
	e.corrections.reset()

	rewindTo := physics.NoFrame
	forced := e.opts.ForcedResim.Enabled()
	if forced {
		e.discardNetworkState()
		if f, ok := e.opts.ForcedResim.ProposeRewindFrame(lastCompletedStep); ok {
			rewindTo = f
		}
	} else {
		rewindTo = e.compareReceived(lastCompletedStep)
	}

	for _, p := range e.proposers {
		if f, ok := p.ProposeRewindFrame(lastCompletedStep); ok {
			rewindTo = minFrame(rewindTo, f)
		}
	}

	if rewindTo == physics.NoFrame {
		return physics.NoFrame, false
	}
	if !(rewindTo > physics.NoFrame && rewindTo < lastCompletedStep-1) {
		e.stats.invalidTargets.Add(1)
		e.log.Printf("rewind target not actionable target=%d last=%d corrections=%d", rewindTo, lastCompletedStep, e.corrections.size())
		e.sink.Record(diag.Event{Kind: diag.KindInvalidRewind, Frame: rewindTo, Value: float64(lastCompletedStep)})
		return physics.NoFrame, false
	}

	if err := e.beginPass(rewindTo, lastCompletedStep); err != nil {
		// Unreachable: the Resimulating guard above returns first.
		e.log.Printf("begin pass: %v", err)
		return physics.NoFrame, false
	}
	if forced {
		e.stats.forcedRewinds.Add(1)
		e.sink.Record(diag.Event{Kind: diag.KindResimForced, Frame: rewindTo, Value: float64(lastCompletedStep - rewindTo + 1)})
	}
	return rewindTo, true
}

// compareReceived drains the inbound queue, compares every state with the
// solver's history and records corrections. It returns the earliest diverged
// frame or physics.NoFrame.
func (e *Engine) compareReceived(lastCompletedStep int64) int64 {
	pending := e.deferred
	e.deferred = nil
	e.inbound.Drain(func(s physics.Snapshot) {
		pending = append(pending, s.Objects...)
	})
	if len(pending) == 0 {
		return physics.NoFrame
	}

	rewindTo := physics.NoFrame
	retention := physics.RetentionStart(e.solver)
	for _, st := range pending {
		if st.Frame < retention {
			e.stats.staleDrops.Add(1)
			e.log.Printf("stale state object=%d frame=%d retention=%d", st.Object, st.Frame, retention)
			e.sink.Record(diag.Event{Kind: diag.KindStaleData, Frame: st.Frame, Object: uint32(st.Object), Value: float64(retention)})
			continue
		}
		if st.Frame > lastCompletedStep {
			// Not simulated locally yet; compare once it is.
			if len(e.deferred) < maxDeferred {
				e.deferred = append(e.deferred, st)
				e.stats.deferred.Add(1)
			}
			continue
		}
		if _, ok := e.solver.Resolve(st.Object); !ok {
			e.stats.unresolvedDrops.Add(1)
			e.sink.Record(diag.Event{Kind: diag.KindUnresolved, Frame: st.Frame, Object: uint32(st.Object)})
			continue
		}
		local, ok := e.solver.PastSample(st.Object, st.Frame)
		if !ok {
			e.stats.staleDrops.Add(1)
			e.sink.Record(diag.Event{Kind: diag.KindStaleData, Frame: st.Frame, Object: uint32(st.Object), Detail: "no history"})
			continue
		}
		m := e.opts.Tolerances.Compare(local, st.Sample)
		if !m.Any() {
			continue
		}
		e.corrections.add(Correction{State: st, Mismatch: m})
		e.stats.corrections.Add(1)
		e.sink.Record(diag.Event{
			Kind:   diag.KindCorrection,
			Frame:  st.Frame,
			Object: uint32(st.Object),
			Value:  physics.PositionError(local, st.Sample),
			Detail: m.String(),
		})
		rewindTo = minFrame(rewindTo, st.Frame)
	}
	return rewindTo
}

func (e *Engine) discardNetworkState() {
	e.deferred = e.deferred[:0]
	e.inbound.Drain(func(physics.Snapshot) {})
}

func (e *Engine) beginPass(rewindTo, lastCompletedStep int64) error {
	if e.Resimulating() {
		return ErrPassInFlight
	}
	e.corrections.seal()
	e.resimStartFrame = rewindTo
	e.resimEndFrame = lastCompletedStep
	e.stats.rewinds.Add(1)
	e.log.Printf("rewind frame=%d last=%d corrections=%d", rewindTo, lastCompletedStep, e.corrections.size())
	e.sink.Record(diag.Event{Kind: diag.KindRewind, Frame: rewindTo, Value: float64(lastCompletedStep - rewindTo + 1)})
	return nil
}

// OnResimFrameBegin applies every pending correction due at or before step.
func (e *Engine) OnResimFrameBegin(step int64, first bool) {
	if !e.Resimulating() {
		return
	}
	if first && step != e.resimStartFrame {
		e.log.Printf("resim started at frame=%d, expected %d", step, e.resimStartFrame)
	}
	e.corrections.due(step, func(c Correction) {
		body, ok := e.solver.Resolve(c.State.Object)
		if !ok {
			return
		}
		body.SetSample(c.State.Sample)
		e.stats.correctionsUsed.Add(1)
	})
}

// OnResimFrameEnd closes the pass once its last frame has been resimulated.
func (e *Engine) OnResimFrameEnd(step int64) {
	if e.resimEndFrame != physics.NoFrame && step == e.resimEndFrame {
		if n := e.corrections.pending(); n > 0 {
			e.log.Printf("resim ended frame=%d with %d unapplied corrections", step, n)
		}
		e.resimStartFrame = physics.NoFrame
		e.resimEndFrame = physics.NoFrame
	}
}

func minFrame(a, b int64) int64 {
	if a == physics.NoFrame || b < a {
		return b
	}
	return a
}
