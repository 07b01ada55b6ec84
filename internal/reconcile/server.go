package reconcile

import (
	"sort"
	"sync/atomic"

	"netphys.dev/internal/diag"
	"netphys.dev/internal/input"
	"netphys.dev/internal/physics"
)

// InputHandler applies a connection's input for one server step. fresh is false
// when the channel had nothing new and cmd is the last command repeated (nil
// if the connection has not delivered anything yet).
type InputHandler interface {
	ApplyInput(conn string, step int64, cmd []byte, fresh bool)
}

type InputHandlerFunc func(conn string, step int64, cmd []byte, fresh bool)

func (f InputHandlerFunc) ApplyInput(conn string, step int64, cmd []byte, fresh bool) {
	f(conn, step, cmd, fresh)
}

type connOpKind uint8

const (
	connAdd connOpKind = iota + 1
	connRemove
)

type connOp struct {
	kind connOpKind
	id   string
	conn *Conn
}

type connState struct {
	ch   *input.Channel
	conn *Conn
	last []byte
}

// Conn is the network-side handle of one connected client. PushInput may be
// called from any goroutine.
type Conn struct {
	id     string
	in     *Queue[input.Cmd]
	closed atomic.Bool
}

func (c *Conn) ID() string { return c.id }

// Close marks the connection gone. The physics goroutine drops it at the start
// of its next forward frame; unlike Disconnect this cannot be lost to a full
// control queue.
func (c *Conn) Close() { c.closed.Store(true) }

// PushInput hands a received command to the physics goroutine. It reports
// false when the connection's intake queue is full.
func (c *Conn) PushInput(cmd input.Cmd) bool { return c.in.TrySend(cmd) }

// Connect registers a connection. The physics goroutine picks it up at the
// start of its next forward frame. It returns nil if the control queue is full.
func (e *Engine) Connect(id string) *Conn {
	c := &Conn{id: id, in: NewQueue[input.Cmd](e.opts.ConnInputCapacity)}
	if !e.control.TrySend(connOp{kind: connAdd, id: id, conn: c}) {
		e.stats.queueFull.Add(1)
		e.sink.Record(diag.Event{Kind: diag.KindQueueFull, Conn: id, Detail: "control"})
		return nil
	}
	return c
}

// Disconnect schedules removal of a connection by id. It reports false when
// the control queue is full; callers holding the Conn should use Close.
func (e *Engine) Disconnect(id string) bool {
	if !e.control.TrySend(connOp{kind: connRemove, id: id}) {
		e.stats.queueFull.Add(1)
		e.sink.Record(diag.Event{Kind: diag.KindQueueFull, Conn: id, Detail: "control"})
		return false
	}
	return true
}

// Connections returns the ids of the connections the physics goroutine
// currently serves. Physics goroutine only.
func (e *Engine) Connections() []string {
	return append([]string(nil), e.connKeys...)
}

// Channel returns the input channel of a connection. Physics goroutine only.
func (e *Engine) Channel(id string) (*input.Channel, bool) {
	cs, ok := e.conns[id]
	if !ok {
		return nil, false
	}
	return cs.ch, true
}

// OnForwardFrameBegin runs before the solver integrates step on the server.
// It applies pending connection changes, feeds one input per connection to the
// InputHandler and samples the requested bodies into an outbound snapshot.
func (e *Engine) OnForwardFrameBegin(step int64) {
	e.applyConnOps()
	e.consumeInputs(step)
	if e.opts.Role == RoleServer {
		e.produceSnapshot(step)
	}
}

func (e *Engine) applyConnOps() {
	changed := false
	e.control.Drain(func(op connOp) {
		switch op.kind {
		case connAdd:
			if _, exists := e.conns[op.id]; exists {
				e.log.Printf("connection %s already registered", op.id)
				return
			}
			e.conns[op.id] = &connState{
				ch:   input.NewChannel(op.id, e.opts.Input, e.log, e.sink),
				conn: op.conn,
			}
			changed = true
			e.sink.Record(diag.Event{Kind: diag.KindConnectionOpened, Conn: op.id})
		case connRemove:
			if _, exists := e.conns[op.id]; !exists {
				return
			}
			delete(e.conns, op.id)
			changed = true
			e.sink.Record(diag.Event{Kind: diag.KindConnectionClosed, Conn: op.id})
		}
	})
	for id, cs := range e.conns {
		if cs.conn.closed.Load() {
			delete(e.conns, id)
			changed = true
			e.sink.Record(diag.Event{Kind: diag.KindConnectionClosed, Conn: id})
		}
	}
	if changed {
		e.connKeys = e.connKeys[:0]
		for id := range e.conns {
			e.connKeys = append(e.connKeys, id)
		}
		sort.Strings(e.connKeys)
	}
}

func (e *Engine) consumeInputs(step int64) {
	for _, id := range e.connKeys {
		cs := e.conns[id]
		cs.conn.in.Drain(func(cmd input.Cmd) { cs.ch.Enqueue(cmd) })
		cmd, fresh := cs.ch.ConsumeNextInput(step)
		if fresh {
			cs.last = cmd
			e.stats.inputsConsumed.Add(1)
		} else {
			cmd = cs.last
			e.stats.inputsRepeated.Add(1)
		}
		if e.opts.Inputs != nil {
			e.opts.Inputs.ApplyInput(id, step, cmd, fresh)
		}
	}
}

func (e *Engine) produceSnapshot(step int64) {
	e.requests.Drain(func(r physics.Request) {
		e.tracked = append(e.tracked[:0], r.Objects...)
	})
	if len(e.tracked) == 0 && len(e.connKeys) == 0 {
		return
	}

	snap := physics.Snapshot{Objects: make([]physics.NetState, 0, len(e.tracked))}
	for _, id := range e.tracked {
		body, ok := e.solver.Resolve(id)
		if !ok {
			continue
		}
		snap.Objects = append(snap.Objects, physics.NetState{Object: id, Frame: step, Sample: body.Sample()})
	}
	for _, id := range e.connKeys {
		ch := e.conns[id].ch
		if ch.Info().LastLocalFrame == physics.NoFrame {
			continue
		}
		snap.Acks = append(snap.Acks, ch.Ack())
	}

	if !e.outbound.TrySend(snap) {
		e.stats.queueFull.Add(1)
		e.log.Printf("outbound queue full, dropping snapshot frame=%d", step)
		e.sink.Record(diag.Event{Kind: diag.KindQueueFull, Frame: step, Detail: "outbound"})
		return
	}
	e.stats.snapshotsProduced.Add(1)
}
