// Package sim is a small rigid-body solver with a rolling history. It drives
// the reconciliation engine's lifecycle hooks the way a production solver
// would and is used by the binaries and by end-to-end tests.
package sim

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"

	"netphys.dev/internal/physics"
	"netphys.dev/internal/reconcile"
)

type Config struct {
	TickRateHz     int
	FramesRetained int64
	Gravity        mgl64.Vec3
	// SleepSpeed is the speed under which a grounded body goes to sleep.
	SleepSpeed float64
}

func (c *Config) normalize() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 60
	}
	if c.FramesRetained < 4 {
		c.FramesRetained = 4
	}
	if c.SleepSpeed <= 0 {
		c.SleepSpeed = 0.05
	}
}

// DriveFunc applies the local input for step. It runs on every simulated
// frame except the first frame of a resimulation, whose restored state already
// contains that frame's input. resim is true while replaying.
type DriveFunc func(w *World, step int64, resim bool)

type body struct {
	id physics.BodyID
	s  physics.Sample
}

func (b *body) ID() physics.BodyID         { return b.id }
func (b *body) Sample() physics.Sample     { return b.s }
func (b *body) SetSample(s physics.Sample) { b.s = s }

type frameRecord struct {
	frame   int64
	samples map[physics.BodyID]physics.Sample
}

// World owns bodies and their history. Everything except Frame, Stats and Do
// must run on the physics goroutine.
type World struct {
	cfg Config
	dt  float64
	log *log.Logger

	engine *reconcile.Engine
	drive  DriveFunc

	bodies map[physics.BodyID]*body
	order  []physics.BodyID

	frame   int64
	history []frameRecord

	pub  atomic.Int64
	do   chan func(*World)
	stop chan struct{}

	rollbacks   atomic.Uint64
	resimFrames atomic.Uint64
}

func New(cfg Config, logger *log.Logger) *World {
	cfg.normalize()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &World{
		cfg:     cfg,
		dt:      1 / float64(cfg.TickRateHz),
		log:     logger,
		bodies:  make(map[physics.BodyID]*body),
		history: make([]frameRecord, cfg.FramesRetained+1),
		do:      make(chan func(*World), 64),
		stop:    make(chan struct{}),
	}
	for i := range w.history {
		w.history[i].frame = physics.NoFrame
	}
	return w
}

// Attach wires the engine whose hooks the world invokes. The engine must have
// been built with this world as its solver.
func (w *World) Attach(e *reconcile.Engine) { w.engine = e }

func (w *World) SetDrive(fn DriveFunc) { w.drive = fn }

func (w *World) Engine() *reconcile.Engine { return w.engine }

func (w *World) TickRateHz() int { return w.cfg.TickRateHz }

func (w *World) Dt() float64 { return w.dt }

// CurrentFrame is the next frame to be simulated.
func (w *World) CurrentFrame() int64 { return w.frame }

func (w *World) FramesRetained() int64 { return w.cfg.FramesRetained }

// Frame is CurrentFrame readable from any goroutine.
func (w *World) Frame() int64 { return w.pub.Load() }

func (w *World) PastSample(id physics.BodyID, frame int64) (physics.Sample, bool) {
	if frame < physics.RetentionStart(w) || frame >= w.frame {
		return physics.Sample{}, false
	}
	rec := &w.history[frame%int64(len(w.history))]
	if rec.frame != frame {
		return physics.Sample{}, false
	}
	s, ok := rec.samples[id]
	return s, ok
}

func (w *World) Resolve(id physics.BodyID) (physics.Body, bool) {
	b, ok := w.bodies[id]
	if !ok {
		return nil, false
	}
	return b, true
}

func (w *World) Spawn(id physics.BodyID, s physics.Sample) error {
	if _, exists := w.bodies[id]; exists {
		return fmt.Errorf("body %d already exists", id)
	}
	if s.Rotation == (mgl64.Quat{}) {
		s.Rotation = mgl64.QuatIdent()
	}
	w.bodies[id] = &body{id: id, s: s}
	w.order = append(w.order, id)
	sort.Slice(w.order, func(i, j int) bool { return w.order[i] < w.order[j] })
	return nil
}

func (w *World) Remove(id physics.BodyID) {
	if _, ok := w.bodies[id]; !ok {
		return
	}
	delete(w.bodies, id)
	for i, v := range w.order {
		if v == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Bodies returns the live body ids in ascending order.
func (w *World) Bodies() []physics.BodyID { return append([]physics.BodyID(nil), w.order...) }

// Sample returns the live sample of a body.
func (w *World) Sample(id physics.BodyID) (physics.Sample, bool) {
	b, ok := w.bodies[id]
	if !ok {
		return physics.Sample{}, false
	}
	return b.s, true
}

// Push adds an instantaneous velocity change to a body and wakes it.
func (w *World) Push(id physics.BodyID, dv mgl64.Vec3) {
	b, ok := w.bodies[id]
	if !ok || dv == (mgl64.Vec3{}) {
		return
	}
	b.s.LinearVelocity = b.s.LinearVelocity.Add(dv)
	if b.s.State == physics.Sleeping {
		b.s.State = physics.Dynamic
	}
}

type Stats struct {
	Frame       int64
	Rollbacks   uint64
	ResimFrames uint64
}

func (w *World) Stats() Stats {
	return Stats{Frame: w.pub.Load(), Rollbacks: w.rollbacks.Load(), ResimFrames: w.resimFrames.Load()}
}
