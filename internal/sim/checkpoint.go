package sim

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"netphys.dev/internal/persistence/snapshot"
	"netphys.dev/internal/physics"
)

// Checkpoint captures the live bodies and the next frame to simulate.
func (w *World) Checkpoint() snapshot.CheckpointV1 {
	cp := snapshot.CheckpointV1{
		Header:     snapshot.Header{Version: snapshot.Version, Frame: w.frame},
		TickRateHz: w.cfg.TickRateHz,
		Bodies:     make([]snapshot.BodyV1, 0, len(w.order)),
	}
	for _, id := range w.order {
		s := w.bodies[id].s
		cp.Bodies = append(cp.Bodies, snapshot.BodyV1{
			ID:              uint32(id),
			State:           uint8(s.State),
			Position:        s.Position,
			Rotation:        [4]float64{s.Rotation.W, s.Rotation.V[0], s.Rotation.V[1], s.Rotation.V[2]},
			LinearVelocity:  s.LinearVelocity,
			AngularVelocity: s.AngularVelocity,
		})
	}
	return cp
}

// Restore replaces every body with the checkpoint's and resumes at its frame.
// History is discarded. It must run before the world starts ticking.
func (w *World) Restore(cp snapshot.CheckpointV1) error {
	if cp.TickRateHz != 0 && cp.TickRateHz != w.cfg.TickRateHz {
		return fmt.Errorf("checkpoint tick rate %d does not match world %d", cp.TickRateHz, w.cfg.TickRateHz)
	}
	if cp.Header.Frame < 0 {
		return fmt.Errorf("checkpoint frame %d", cp.Header.Frame)
	}
	w.bodies = make(map[physics.BodyID]*body, len(cp.Bodies))
	w.order = w.order[:0]
	for _, b := range cp.Bodies {
		s := physics.Sample{
			State:           physics.ObjectState(b.State),
			Position:        b.Position,
			Rotation:        mgl64.Quat{W: b.Rotation[0], V: mgl64.Vec3{b.Rotation[1], b.Rotation[2], b.Rotation[3]}},
			LinearVelocity:  b.LinearVelocity,
			AngularVelocity: b.AngularVelocity,
		}
		if err := w.Spawn(physics.BodyID(b.ID), s); err != nil {
			return err
		}
	}
	for i := range w.history {
		w.history[i].frame = physics.NoFrame
	}
	w.frame = cp.Header.Frame
	w.pub.Store(w.frame)
	return nil
}
