package manager

import (
	"io"
	"log"

	"netphys.dev/internal/diag"
	"netphys.dev/internal/physics"
	"netphys.dev/internal/reconcile"
)

type Options struct {
	Logger *log.Logger
	Sink   diag.Sink
}

// Manager is the game-goroutine half of reconciliation for one world. It owns
// the registry of replicated states and moves data between them and the
// engine's queues at two points of every game frame: PostReceive and PreSend.
type Manager struct {
	role       reconcile.Role
	engine     *reconcile.Engine
	translator *reconcile.FrameTranslator

	reg    Registry
	byBody map[physics.BodyID]Handle

	lastConfirmedFrame int64
	maxRemoteFrame     int64

	lastFrame int64
	acks      map[string]physics.Ack

	log  *log.Logger
	sink diag.Sink

	stats Stats
}

type Stats struct {
	SnapshotsQueued  uint64
	StatesQueued     uint64
	Untranslated     uint64
	RequestsQueued   uint64
	SnapshotsApplied uint64
	QueueFull        uint64
}

// New builds a manager. translator may be nil on the server.
func New(role reconcile.Role, engine *reconcile.Engine, translator *reconcile.FrameTranslator, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	m := &Manager{
		role:               role,
		engine:             engine,
		translator:         translator,
		byBody:             make(map[physics.BodyID]Handle),
		lastConfirmedFrame: physics.NoFrame,
		maxRemoteFrame:     physics.NoFrame,
		lastFrame:          physics.NoFrame,
		acks:               make(map[string]physics.Ack),
		log:                opts.Logger,
		sink:               diag.Or(opts.Sink),
	}
	if translator != nil && translator.OnChange == nil {
		translator.OnChange = func(prev, next int64) {
			m.log.Printf("frame offset %d -> %d policy=%s", prev, next, translator.Policy())
			m.sink.Record(diag.Event{Kind: diag.KindOffsetChanged, Value: float64(next), Detail: string(translator.Policy())})
		}
	}
	return m
}

// Register tracks a replicated state. The manager never copies or frees st;
// the caller keeps it alive until Unregister.
func (m *Manager) Register(st *physics.NetState) Handle {
	h := m.reg.Register(st)
	if h != NoHandle {
		m.byBody[st.Object] = h
	}
	return h
}

func (m *Manager) Unregister(h Handle) {
	st, ok := m.reg.Get(h)
	if !ok {
		return
	}
	if cur, ok := m.byBody[st.Object]; ok && cur == h {
		delete(m.byBody, st.Object)
	}
	m.reg.Unregister(h)
}

func (m *Manager) Registry() *Registry { return &m.reg }

func (m *Manager) LastConfirmedFrame() int64 { return m.lastConfirmedFrame }

func (m *Manager) Stats() Stats { return m.stats }

// ObserveAck feeds an acknowledgement of the local input stream to the
// translator.
func (m *Manager) ObserveAck(ack physics.Ack) {
	if m.translator == nil {
		return
	}
	m.translator.ObserveAck(ack.InputFrame, ack.ServerFrame)
}

// PostReceive runs after the network has written received states into the
// registered values. localFrame is the physics frame the client is on.
func (m *Manager) PostReceive(localFrame int64) {
	switch m.role {
	case reconcile.RoleServer:
		m.requestTracked()
	default:
		m.forwardReceived(localFrame)
	}
}

func (m *Manager) forwardReceived(localFrame int64) {
	newest := m.lastConfirmedFrame
	m.reg.Each(func(_ Handle, st *physics.NetState) {
		if st.Frame > m.maxRemoteFrame {
			m.maxRemoteFrame = st.Frame
		}
	})
	if m.translator != nil {
		m.translator.ObserveFrames(localFrame, m.maxRemoteFrame)
	}

	var offset int64
	translated := false
	if m.translator != nil {
		offset, translated = m.translator.Offset()
	}

	var objects []physics.NetState
	m.reg.Each(func(_ Handle, st *physics.NetState) {
		if st.Frame == physics.NoFrame {
			return
		}
		if st.Frame <= m.lastConfirmedFrame {
			return
		}
		if !translated {
			m.stats.Untranslated++
			return
		}
		objects = append(objects, physics.NetState{Object: st.Object, Frame: st.Frame + offset, Sample: st.Sample})
		if st.Frame > newest {
			newest = st.Frame
		}
	})
	if len(objects) == 0 {
		return
	}

	snap := physics.Snapshot{LocalFrameOffset: int32(offset), Objects: objects}
	if !m.engine.Inbound().TrySend(snap) {
		m.stats.QueueFull++
		m.log.Printf("inbound queue full, dropping %d states", len(objects))
		m.sink.Record(diag.Event{Kind: diag.KindQueueFull, Frame: localFrame, Detail: "inbound"})
		return
	}
	m.stats.SnapshotsQueued++
	m.stats.StatesQueued += uint64(len(objects))
	m.lastConfirmedFrame = newest
}

func (m *Manager) requestTracked() {
	ids := make([]physics.BodyID, 0, m.reg.Len())
	m.reg.Each(func(_ Handle, st *physics.NetState) { ids = append(ids, st.Object) })
	if !m.engine.Requests().TrySend(physics.Request{Objects: ids}) {
		m.stats.QueueFull++
		m.sink.Record(diag.Event{Kind: diag.KindQueueFull, Detail: "requests"})
		return
	}
	m.stats.RequestsQueued++
}

// PreSend runs before the network ships replicated state. On the server it
// drains the engine's snapshots into the registered values and returns the
// newest one so the transport can broadcast it.
func (m *Manager) PreSend() (physics.Snapshot, bool) {
	if m.role != reconcile.RoleServer {
		return physics.Snapshot{}, false
	}
	var latest physics.Snapshot
	got := false
	m.engine.Outbound().Drain(func(s physics.Snapshot) {
		for _, st := range s.Objects {
			h, ok := m.byBody[st.Object]
			if !ok {
				continue
			}
			if dst, ok := m.reg.Get(h); ok {
				*dst = st
			}
			if st.Frame > m.lastFrame {
				m.lastFrame = st.Frame
			}
		}
		for _, a := range s.Acks {
			m.acks[a.Conn] = a
		}
		m.stats.SnapshotsApplied++
		latest = s
		got = true
	})
	return latest, got
}

// Ack returns the newest acknowledgement produced for conn.
func (m *Manager) Ack(conn string) (physics.Ack, bool) {
	a, ok := m.acks[conn]
	return a, ok
}

// Forget drops ack state for a closed connection.
func (m *Manager) Forget(conn string) { delete(m.acks, conn) }

// LastFrame is the newest server frame written into the registry.
func (m *Manager) LastFrame() int64 { return m.lastFrame }
