package sim

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/vmihailenco/msgpack/v5"

	"netphys.dev/internal/physics"
	"netphys.dev/internal/reconcile"
)

// Control is the input payload the demo binaries exchange: a thrust applied
// to one body for one frame.
type Control struct {
	Body   uint32     `msgpack:"b"`
	Thrust [3]float64 `msgpack:"t"`
}

func EncodeControl(c Control) ([]byte, error) {
	b, err := msgpack.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode control: %w", err)
	}
	return b, nil
}

func DecodeControl(b []byte) (Control, error) {
	var c Control
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return Control{}, fmt.Errorf("decode control: %w", err)
	}
	return c, nil
}

// ApplyControl pushes the controlled body by thrust*dt. Empty payloads are
// ignored.
func (w *World) ApplyControl(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	c, err := DecodeControl(payload)
	if err != nil {
		return err
	}
	w.Push(physics.BodyID(c.Body), mgl64.Vec3(c.Thrust).Mul(w.dt))
	return nil
}

// InputHandler applies connection inputs on the server. A command that is not
// fresh is the last one repeated and is applied again.
func (w *World) InputHandler() reconcile.InputHandler {
	return reconcile.InputHandlerFunc(func(conn string, step int64, cmd []byte, fresh bool) {
		if err := w.ApplyControl(cmd); err != nil {
			w.log.Printf("input conn=%s step=%d: %v", conn, step, err)
		}
	})
}

// InputLog keeps the local inputs of the most recent frames so a
// resimulation replays exactly what was applied the first time.
type InputLog struct {
	frames   []int64
	payloads [][]byte
}

func NewInputLog(size int) *InputLog {
	if size < 1 {
		size = 1
	}
	l := &InputLog{frames: make([]int64, size), payloads: make([][]byte, size)}
	for i := range l.frames {
		l.frames[i] = physics.NoFrame
	}
	return l
}

func (l *InputLog) Put(frame int64, payload []byte) {
	i := frame % int64(len(l.frames))
	l.frames[i] = frame
	l.payloads[i] = payload
}

func (l *InputLog) At(frame int64) ([]byte, bool) {
	if frame < 0 {
		return nil, false
	}
	i := frame % int64(len(l.frames))
	if l.frames[i] != frame {
		return nil, false
	}
	return l.payloads[i], true
}
