package sim

import (
	"context"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"netphys.dev/internal/physics"
)

// Run ticks the world at TickRateHz until ctx is done or Stop is called.
// Functions passed to Do run between ticks on the physics goroutine.
func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []func(*World)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case fn := <-w.do:
			pending = append(pending, fn)
		case <-ticker.C:
			for _, fn := range pending {
				fn(w)
			}
			pending = pending[:0]
			w.Tick()
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// Do schedules fn to run on the physics goroutine before the next tick. It
// reports false if the inbox is full.
func (w *World) Do(fn func(*World)) bool {
	select {
	case w.do <- fn:
		return true
	default:
		return false
	}
}

// Tick simulates the current frame, then asks the engine whether the frame
// just completed diverged and resimulates if it did.
func (w *World) Tick() {
	step := w.frame
	if w.drive != nil {
		w.drive(w, step, false)
	}
	if w.engine != nil {
		w.engine.OnForwardFrameBegin(step)
	}
	w.record(step)
	w.integrate()
	w.frame++
	w.pub.Store(w.frame)

	if w.engine == nil {
		return
	}
	if to, ok := w.engine.CheckForDivergence(step); ok {
		w.rollback(to, step)
	}
}

// rollback restores the recorded state of frame to and replays every frame up
// to and including last. The record of a frame already holds that frame's
// input, so drive is skipped on the first replayed frame.
func (w *World) rollback(to, last int64) {
	rec := &w.history[to%int64(len(w.history))]
	if rec.frame != to {
		w.log.Printf("rollback frame=%d not in history", to)
		return
	}
	for id, s := range rec.samples {
		if b, ok := w.bodies[id]; ok {
			b.s = s
		}
	}
	w.rollbacks.Add(1)
	w.frame = to
	for step := to; step <= last; step++ {
		first := step == to
		if !first && w.drive != nil {
			w.drive(w, step, true)
		}
		w.engine.OnResimFrameBegin(step, first)
		w.record(step)
		w.integrate()
		w.frame++
		w.engine.OnResimFrameEnd(step)
		w.resimFrames.Add(1)
	}
	w.pub.Store(w.frame)
}

func (w *World) record(frame int64) {
	rec := &w.history[frame%int64(len(w.history))]
	if rec.samples == nil {
		rec.samples = make(map[physics.BodyID]physics.Sample, len(w.bodies))
	} else {
		clear(rec.samples)
	}
	rec.frame = frame
	for id, b := range w.bodies {
		rec.samples[id] = b.s
	}
}

func (w *World) integrate() {
	for _, id := range w.order {
		b := w.bodies[id]
		b.s = w.step(b.s)
	}
}

// step advances one body by dt. Bodies rest on the ground plane y=0.
func (w *World) step(s physics.Sample) physics.Sample {
	switch s.State {
	case physics.Uninitialized, physics.Sleeping:
		return s
	case physics.Dynamic:
		s.LinearVelocity = s.LinearVelocity.Add(w.cfg.Gravity.Mul(w.dt))
	}

	s.Position = s.Position.Add(s.LinearVelocity.Mul(w.dt))
	s.Rotation = integrateRotation(s.Rotation, s.AngularVelocity, w.dt)

	if s.State != physics.Dynamic {
		return s
	}
	if s.Position.Y() <= 0 {
		s.Position[1] = 0
		if s.LinearVelocity.Y() < 0 {
			s.LinearVelocity[1] = 0
		}
		// Ground friction.
		s.LinearVelocity = s.LinearVelocity.Mul(0.9)
		s.AngularVelocity = s.AngularVelocity.Mul(0.9)
		if s.LinearVelocity.Len() < w.cfg.SleepSpeed && s.AngularVelocity.Len() < w.cfg.SleepSpeed {
			s.LinearVelocity = mgl64.Vec3{}
			s.AngularVelocity = mgl64.Vec3{}
			s.State = physics.Sleeping
		}
	}
	return s
}

func integrateRotation(q mgl64.Quat, omega mgl64.Vec3, dt float64) mgl64.Quat {
	angle := omega.Len() * dt
	if angle == 0 || math.IsNaN(angle) {
		return q
	}
	dq := mgl64.QuatRotate(angle, omega.Normalize())
	return dq.Mul(q).Normalize()
}
