package ws

import (
	"context"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"netphys.dev/internal/diag"
	"netphys.dev/internal/input"
	"netphys.dev/internal/physics"
	"netphys.dev/internal/protocol"
	"netphys.dev/internal/reconcile"
)

type ServerOptions struct {
	PhysicsHz     int
	RedundantCmds int
	// RateLimitHz caps INPUT messages per connection; 0 disables the limit.
	RateLimitHz float64
	Burst       int
	// Frame reports the server's current physics frame for WELCOME.
	Frame func() int64

	Logger *log.Logger
	Sink   diag.Sink
}

type ServerStats struct {
	Accepted      uint64
	Rejected      uint64
	RateLimited   uint64
	InputsPushed  uint64
	InputsFull    uint64
	BadFrames     uint64
	StatesSent    uint64
	StatesDropped uint64
}

type session struct {
	id  string
	out chan []byte
}

// Server accepts predicting clients, feeds their input commands to the engine
// and fans authoritative state back out.
type Server struct {
	engine *reconcile.Engine
	opts   ServerOptions
	log    *log.Logger
	sink   diag.Sink

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session

	accepted      atomic.Uint64
	rejected      atomic.Uint64
	rateLimited   atomic.Uint64
	inputsPushed  atomic.Uint64
	inputsFull    atomic.Uint64
	badFrames     atomic.Uint64
	statesSent    atomic.Uint64
	statesDropped atomic.Uint64
}

func NewServer(engine *reconcile.Engine, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.RedundantCmds < 1 {
		opts.RedundantCmds = 1
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	s := &Server{
		engine: engine,
		opts:   opts,
		log:    opts.Logger,
		sink:   diag.Or(opts.Sink),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: make(map[string]*session),
	}
	return s
}

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Accepted:      s.accepted.Load(),
		Rejected:      s.rejected.Load(),
		RateLimited:   s.rateLimited.Load(),
		InputsPushed:  s.inputsPushed.Load(),
		InputsFull:    s.inputsFull.Load(),
		BadFrames:     s.badFrames.Load(),
		StatesSent:    s.statesSent.Load(),
		StatesDropped: s.statesDropped.Load(),
	}
}

// Sessions returns the ids of the connected clients.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, handle := s.handshake(conn)
		if sess == nil {
			s.rejected.Add(1)
			return
		}
		s.accepted.Add(1)
		s.log.Printf("conn open id=%s remote=%s", sess.id, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		var limiter *rate.Limiter
		if s.opts.RateLimitHz > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimitHz), s.opts.Burst)
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if limiter != nil && !limiter.Allow() {
				s.rateLimited.Add(1)
				continue
			}
			var in protocol.InputMsg
			if err := protocol.Decode(msg, protocol.TypeInput, &in); err != nil {
				s.badFrames.Add(1)
				continue
			}
			for _, c := range in.Cmds {
				if handle.PushInput(input.Cmd{Frame: c.Frame, Payload: c.Payload}) {
					s.inputsPushed.Add(1)
				} else {
					s.inputsFull.Add(1)
					s.sink.Record(diag.Event{Kind: diag.KindQueueFull, Frame: c.Frame, Conn: sess.id, Detail: "conn input"})
				}
			}
		}

		// Cleanup.
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		handle.Close()
		s.log.Printf("conn closed id=%s", sess.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (*session, *reconcile.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil
	}

	var hello protocol.HelloMsg
	if err := protocol.Decode(msg, protocol.TypeHello, &hello); err != nil {
		writeError(conn, protocol.CodeBadRequest, "expected HELLO")
		return nil, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		writeError(conn, protocol.CodeVersion, "bad protocol version")
		return nil, nil
	}

	id := uuid.NewString()
	handle := s.engine.Connect(id)
	if handle == nil {
		writeError(conn, protocol.CodeBusy, "server busy")
		return nil, nil
	}

	var frame int64
	if s.opts.Frame != nil {
		frame = s.opts.Frame()
	}
	welcome := protocol.WelcomeMsg{
		ProtocolVersion: protocol.Version,
		ConnID:          id,
		PhysicsHz:       s.opts.PhysicsHz,
		ServerFrame:     frame,
		RedundantCmds:   s.opts.RedundantCmds,
	}
	if err := writeMessage(conn, protocol.TypeWelcome, welcome); err != nil {
		handle.Close()
		return nil, nil
	}

	sess := &session{id: id, out: make(chan []byte, 8)}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, handle
}

// Broadcast sends snap to every session, each with its own acknowledgement.
// Slow sessions lose their oldest pending state rather than blocking.
func (s *Server) Broadcast(frame int64, snap physics.Snapshot) {
	acks := make(map[string]physics.Ack, len(snap.Acks))
	for _, a := range snap.Acks {
		acks[a.Conn] = a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		var ack *physics.Ack
		if a, ok := acks[id]; ok {
			ack = &a
		}
		b, err := protocol.Encode(protocol.TypeState, protocol.StateFromSnapshot(frame, snap.Objects, ack))
		if err != nil {
			s.log.Printf("encode state conn=%s: %v", id, err)
			continue
		}
		if sendLatest(sess.out, b) {
			s.statesSent.Add(1)
		} else {
			s.statesDropped.Add(1)
		}
	}
}

// sendLatest enqueues b, evicting the oldest queued frame when full. It
// reports false if a frame had to be evicted.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}

func writeMessage(conn *websocket.Conn, t protocol.Type, v any) error {
	b, err := protocol.Encode(t, v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func writeError(conn *websocket.Conn, code, message string) {
	if err := writeMessage(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(time.Second))
}
