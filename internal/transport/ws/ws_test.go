package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"netphys.dev/internal/input"
	"netphys.dev/internal/physics"
	"netphys.dev/internal/protocol"
	"netphys.dev/internal/reconcile"
)

type body struct {
	id physics.BodyID
	s  physics.Sample
}

func (b *body) ID() physics.BodyID         { return b.id }
func (b *body) Sample() physics.Sample     { return b.s }
func (b *body) SetSample(s physics.Sample) { b.s = s }

type oneBody struct{ b *body }

func (o oneBody) CurrentFrame() int64                                      { return 0 }
func (o oneBody) FramesRetained() int64                                    { return 0 }
func (o oneBody) PastSample(physics.BodyID, int64) (physics.Sample, bool) { return physics.Sample{}, false }
func (o oneBody) Resolve(id physics.BodyID) (physics.Body, bool) {
	if id != o.b.id {
		return nil, false
	}
	return o.b, true
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServerClient_InputsAndStateWithAck(t *testing.T) {
	var mu sync.Mutex
	var applied []string
	b := &body{id: 3, s: physics.Sample{State: physics.Dynamic, Position: mgl64.Vec3{1, 2, 3}, Rotation: mgl64.QuatIdent()}}
	e := reconcile.NewEngine(oneBody{b}, reconcile.Options{
		Role:  reconcile.RoleServer,
		Input: input.Config{MaxBufferedCmds: 16, InitialFaultLimit: 1},
		Inputs: reconcile.InputHandlerFunc(func(conn string, step int64, cmd []byte, fresh bool) {
			if fresh {
				mu.Lock()
				applied = append(applied, string(cmd))
				mu.Unlock()
			}
		}),
	})
	s := NewServer(e, ServerOptions{PhysicsHz: 60, RedundantCmds: 3, Frame: func() int64 { return 500 }})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(srv), "bot")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	w := c.Welcome()
	if w.ConnID == "" || w.PhysicsHz != 60 || w.ServerFrame != 500 || w.RedundantCmds != 3 {
		t.Fatalf("welcome: %+v", w)
	}

	for f := int64(10); f < 14; f++ {
		if !c.SendInputCmd(f, []byte{byte('a' + f - 10)}) {
			t.Fatalf("send %d failed", f)
		}
	}
	e.Requests().TrySend(physics.Request{Objects: []physics.BodyID{3}})

	// 1+2+3+3 commands with redundancy 3. Wait for all of them so the channel
	// never starves between ticks.
	deadline := time.Now().Add(3 * time.Second)
	for s.Stats().InputsPushed < 9 {
		if time.Now().After(deadline) {
			t.Fatalf("inputs not received: %+v", s.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Drive the physics side until all four commands have been consumed.
	step := int64(500)
	for {
		e.OnForwardFrameBegin(step)
		step++
		mu.Lock()
		n := len(applied)
		mu.Unlock()
		if n >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inputs not consumed, applied=%v stats=%+v", applied, s.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if strings.Join(applied, "") != "abcd" {
		t.Fatalf("applied: %v", applied)
	}
	mu.Unlock()

	var snap physics.Snapshot
	e.Outbound().Drain(func(s physics.Snapshot) { snap = s })
	s.Broadcast(step-1, snap)

	select {
	case st := <-c.States():
		if st.Frame != step-1 || len(st.Objects) != 1 {
			t.Fatalf("state: %+v", st)
		}
		if got := st.Objects[0].NetState().Sample.Position; got != (mgl64.Vec3{1, 2, 3}) {
			t.Fatalf("position: %v", got)
		}
		if st.Ack == nil || st.Ack.InputFrame != 13 {
			t.Fatalf("ack: %+v", st.Ack)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no state received")
	}
}

func TestServer_RejectsBadHello(t *testing.T) {
	e := reconcile.NewEngine(oneBody{&body{id: 1}}, reconcile.Options{Role: reconcile.RoleServer})
	s := NewServer(e, ServerOptions{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := writeMessage(conn, protocol.TypeHello, protocol.HelloMsg{ProtocolVersion: "0.1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var em protocol.ErrorMsg
	if err := protocol.Decode(msg, protocol.TypeError, &em); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if em.Code != protocol.CodeVersion {
		t.Fatalf("code: got %q want %q", em.Code, protocol.CodeVersion)
	}
}

func TestSendLatest(t *testing.T) {
	ch := make(chan []byte, 1)
	if !sendLatest(ch, []byte("a")) {
		t.Fatalf("first send should fit")
	}
	if sendLatest(ch, []byte("b")) {
		t.Fatalf("second send should evict")
	}
	if got := string(<-ch); got != "b" {
		t.Fatalf("got %q want b", got)
	}
}
