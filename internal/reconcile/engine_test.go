package reconcile

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"netphys.dev/internal/diag"
	"netphys.dev/internal/input"
	"netphys.dev/internal/physics"
)

type testBody struct {
	id physics.BodyID
	s  physics.Sample
}

func (b *testBody) ID() physics.BodyID         { return b.id }
func (b *testBody) Sample() physics.Sample     { return b.s }
func (b *testBody) SetSample(s physics.Sample) { b.s = s }

type testSolver struct {
	cur     int64
	kept    int64
	bodies  map[physics.BodyID]*testBody
	history map[int64]map[physics.BodyID]physics.Sample
}

func newTestSolver(cur, kept int64, ids ...physics.BodyID) *testSolver {
	s := &testSolver{
		cur:     cur,
		kept:    kept,
		bodies:  make(map[physics.BodyID]*testBody),
		history: make(map[int64]map[physics.BodyID]physics.Sample),
	}
	for _, id := range ids {
		s.bodies[id] = &testBody{id: id, s: at(0)}
	}
	return s
}

func (s *testSolver) CurrentFrame() int64   { return s.cur }
func (s *testSolver) FramesRetained() int64 { return s.kept }

func (s *testSolver) PastSample(id physics.BodyID, frame int64) (physics.Sample, bool) {
	if frame < physics.RetentionStart(s) {
		return physics.Sample{}, false
	}
	h, ok := s.history[frame]
	if !ok {
		return physics.Sample{}, false
	}
	v, ok := h[id]
	return v, ok
}

func (s *testSolver) Resolve(id physics.BodyID) (physics.Body, bool) {
	b, ok := s.bodies[id]
	if !ok {
		return nil, false
	}
	return b, true
}

func (s *testSolver) record(frame int64, id physics.BodyID, v physics.Sample) {
	if s.history[frame] == nil {
		s.history[frame] = make(map[physics.BodyID]physics.Sample)
	}
	s.history[frame][id] = v
}

// fill records every body at x=0 for frames [from, to].
func (s *testSolver) fill(from, to int64) {
	for f := from; f <= to; f++ {
		for id := range s.bodies {
			s.record(f, id, at(0))
		}
	}
}

func at(x float64) physics.Sample {
	return physics.Sample{
		State:    physics.Dynamic,
		Position: mgl64.Vec3{x, 0, 0},
		Rotation: mgl64.QuatIdent(),
	}
}

func unitTolerances() physics.Tolerances {
	return physics.Tolerances{Position: 1, Rotation: 0.1, LinearVelocity: 1, AngularVelocity: 1}
}

func send(t *testing.T, e *Engine, states ...physics.NetState) {
	t.Helper()
	if !e.Inbound().TrySend(physics.Snapshot{Objects: states}) {
		t.Fatalf("inbound queue full")
	}
}

type recorder struct{ events []diag.Event }

func (r *recorder) Record(ev diag.Event) { r.events = append(r.events, ev) }

func (r *recorder) count(k diag.Kind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func TestCheckForDivergence_PositionMismatchRewinds(t *testing.T) {
	s := newTestSolver(20, 64, 1)
	s.fill(0, 19)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})

	send(t, e, physics.NetState{Object: 1, Frame: 10, Sample: at(5)})
	got, ok := e.CheckForDivergence(19)
	if !ok || got != 10 {
		t.Fatalf("rewind: got (%d,%v) want (10,true)", got, ok)
	}
	if !e.Resimulating() {
		t.Fatalf("expected pass in flight")
	}
	if st := e.Stats(); st.Rewinds != 1 || st.Corrections != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestCheckForDivergence_WithinToleranceNoRewind(t *testing.T) {
	s := newTestSolver(20, 64, 1)
	s.fill(0, 19)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})

	send(t, e, physics.NetState{Object: 1, Frame: 10, Sample: at(1)})
	if got, ok := e.CheckForDivergence(19); ok {
		t.Fatalf("unexpected rewind to %d", got)
	}
}

func TestCheckForDivergence_ProposerMinimumWins(t *testing.T) {
	s := newTestSolver(100, 128, 1)
	s.fill(0, 99)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})
	e.RegisterProposer(ProposerFunc(func(int64) (int64, bool) { return 42, true }))

	send(t, e, physics.NetState{Object: 1, Frame: 50, Sample: at(5)})
	got, ok := e.CheckForDivergence(99)
	if !ok || got != 42 {
		t.Fatalf("rewind: got (%d,%v) want (42,true)", got, ok)
	}
}

func TestCheckForDivergence_ProposerAloneRewinds(t *testing.T) {
	s := newTestSolver(100, 128, 1)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})
	e.RegisterProposer(ProposerFunc(func(last int64) (int64, bool) { return last - 5, true }))
	e.RegisterProposer(ProposerFunc(func(int64) (int64, bool) { return 0, false }))

	got, ok := e.CheckForDivergence(99)
	if !ok || got != 94 {
		t.Fatalf("rewind: got (%d,%v) want (94,true)", got, ok)
	}
}

func TestCheckForDivergence_NoOverlappingPasses(t *testing.T) {
	s := newTestSolver(20, 64, 1)
	s.fill(0, 19)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})

	send(t, e, physics.NetState{Object: 1, Frame: 10, Sample: at(5)})
	if _, ok := e.CheckForDivergence(19); !ok {
		t.Fatalf("expected first rewind")
	}
	send(t, e, physics.NetState{Object: 1, Frame: 8, Sample: at(5)})
	if got, ok := e.CheckForDivergence(19); ok {
		t.Fatalf("second pass started while resimulating: %d", got)
	}
	if err := e.beginPass(5, 19); err != ErrPassInFlight {
		t.Fatalf("beginPass: got %v want ErrPassInFlight", err)
	}
	if e.Inbound().Len() != 1 {
		t.Fatalf("snapshot should wait for the next check, queue len=%d", e.Inbound().Len())
	}
}

func TestCheckForDivergence_InvalidTarget(t *testing.T) {
	s := newTestSolver(20, 64, 1)
	s.fill(0, 19)
	rec := &recorder{}
	e := NewEngine(s, Options{Tolerances: unitTolerances(), Sink: rec})

	// lastCompletedStep-1 is present-adjacent and not actionable.
	send(t, e, physics.NetState{Object: 1, Frame: 18, Sample: at(5)})
	if got, ok := e.CheckForDivergence(19); ok {
		t.Fatalf("unexpected rewind to %d", got)
	}
	if e.Resimulating() {
		t.Fatalf("pass should not start")
	}
	if rec.count(diag.KindInvalidRewind) != 1 {
		t.Fatalf("expected one invalid target event, got %+v", rec.events)
	}

	send(t, e, physics.NetState{Object: 1, Frame: 17, Sample: at(5)})
	if got, ok := e.CheckForDivergence(19); !ok || got != 17 {
		t.Fatalf("rewind: got (%d,%v) want (17,true)", got, ok)
	}
}

func TestCheckForDivergence_StaleAndUnresolvedDropped(t *testing.T) {
	s := newTestSolver(100, 32, 1)
	s.fill(68, 99)
	rec := &recorder{}
	e := NewEngine(s, Options{Tolerances: unitTolerances(), Sink: rec})

	send(t, e,
		physics.NetState{Object: 1, Frame: 10, Sample: at(5)},
		physics.NetState{Object: 7, Frame: 80, Sample: at(5)},
	)
	if got, ok := e.CheckForDivergence(99); ok {
		t.Fatalf("unexpected rewind to %d", got)
	}
	st := e.Stats()
	if st.StaleDrops != 1 || st.UnresolvedDrops != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if rec.count(diag.KindStaleData) != 1 || rec.count(diag.KindUnresolved) != 1 {
		t.Fatalf("events: %+v", rec.events)
	}
}

func TestCheckForDivergence_FutureFramesDeferred(t *testing.T) {
	s := newTestSolver(20, 64, 1)
	s.fill(0, 19)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})

	send(t, e, physics.NetState{Object: 1, Frame: 22, Sample: at(5)})
	if _, ok := e.CheckForDivergence(19); ok {
		t.Fatalf("future frame must not rewind yet")
	}
	if st := e.Stats(); st.Deferred != 1 {
		t.Fatalf("deferred: %+v", st)
	}

	s.cur = 30
	s.fill(20, 29)
	got, ok := e.CheckForDivergence(29)
	if !ok || got != 22 {
		t.Fatalf("rewind: got (%d,%v) want (22,true)", got, ok)
	}
}

func TestCorrections_CompleteAndAppliedInOrder(t *testing.T) {
	s := newTestSolver(40, 64, 1, 2, 3)
	s.fill(0, 39)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})

	// Out of frame order, with one duplicate (1@20) and one in-tolerance body.
	send(t, e,
		physics.NetState{Object: 2, Frame: 25, Sample: at(7)},
		physics.NetState{Object: 1, Frame: 20, Sample: at(3)},
		physics.NetState{Object: 3, Frame: 21, Sample: at(0.5)},
	)
	send(t, e, physics.NetState{Object: 1, Frame: 20, Sample: at(4)})

	got, ok := e.CheckForDivergence(39)
	if !ok || got != 20 {
		t.Fatalf("rewind: got (%d,%v) want (20,true)", got, ok)
	}
	if n := e.corrections.size(); n != 2 {
		t.Fatalf("corrections: got %d want 2", n)
	}
	seen := map[physics.BodyID]int{}
	for _, c := range e.corrections.items {
		seen[c.State.Object]++
	}
	if seen[1] != 1 || seen[2] != 1 || seen[3] != 0 {
		t.Fatalf("correction set: %+v", seen)
	}

	e.OnResimFrameBegin(20, true)
	if x := s.bodies[1].s.Position.X(); x != 4 {
		t.Fatalf("body 1 x=%v want 4 (latest duplicate wins)", x)
	}
	if x := s.bodies[2].s.Position.X(); x != 0 {
		t.Fatalf("body 2 corrected too early: x=%v", x)
	}
	cursor := e.corrections.next
	for step := int64(21); step <= 39; step++ {
		e.OnResimFrameBegin(step, false)
		if e.corrections.next < cursor {
			t.Fatalf("cursor moved backwards at %d", step)
		}
		cursor = e.corrections.next
		e.OnResimFrameEnd(step)
	}
	if x := s.bodies[2].s.Position.X(); x != 7 {
		t.Fatalf("body 2 x=%v want 7", x)
	}
	if e.Resimulating() {
		t.Fatalf("pass should end at lastCompletedStep")
	}
	if st := e.Stats(); st.CorrectionsUsed != 2 {
		t.Fatalf("corrections used: %+v", st)
	}
}

func TestCorrections_OnePerBodyAcrossFrames(t *testing.T) {
	s := newTestSolver(30, 64, 1)
	s.fill(0, 29)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})

	// Frame 32 is deferred, then joins a later snapshot for the same body.
	send(t, e, physics.NetState{Object: 1, Frame: 32, Sample: at(9)})
	if _, ok := e.CheckForDivergence(29); ok {
		t.Fatalf("future frame must not rewind yet")
	}
	s.cur = 40
	s.fill(30, 39)
	send(t, e, physics.NetState{Object: 1, Frame: 26, Sample: at(3)})

	got, ok := e.CheckForDivergence(39)
	if !ok || got != 26 {
		t.Fatalf("rewind: got (%d,%v) want (26,true)", got, ok)
	}
	if n := e.corrections.size(); n != 1 {
		t.Fatalf("corrections: got %d want 1", n)
	}
	if c := e.corrections.items[0]; c.State.Frame != 26 || c.State.Sample.Position.X() != 3 {
		t.Fatalf("kept correction: %+v", c.State)
	}

	for step := int64(26); step <= 39; step++ {
		e.OnResimFrameBegin(step, step == 26)
		e.OnResimFrameEnd(step)
	}
	if x := s.bodies[1].s.Position.X(); x != 3 {
		t.Fatalf("body 1 x=%v want 3", x)
	}
	if st := e.Stats(); st.CorrectionsUsed != 1 {
		t.Fatalf("corrections used: %+v", st)
	}
}

func TestCorrections_ResetBetweenPasses(t *testing.T) {
	s := newTestSolver(40, 64, 1)
	s.fill(0, 39)
	e := NewEngine(s, Options{Tolerances: unitTolerances()})

	send(t, e, physics.NetState{Object: 1, Frame: 30, Sample: at(5)})
	if _, ok := e.CheckForDivergence(39); !ok {
		t.Fatalf("expected rewind")
	}
	for step := int64(30); step <= 39; step++ {
		e.OnResimFrameBegin(step, step == 30)
		e.OnResimFrameEnd(step)
	}
	if _, ok := e.CheckForDivergence(39); ok {
		t.Fatalf("no new data, no rewind")
	}
	if e.corrections.size() != 0 {
		t.Fatalf("stale corrections kept: %d", e.corrections.size())
	}
}

func TestForcedResim(t *testing.T) {
	s := newTestSolver(64, 64, 1)
	s.fill(0, 63)
	rec := &recorder{}
	e := NewEngine(s, Options{Tolerances: unitTolerances(), ForcedResim: ForcedResim{Every: 10, Rewind: 4}, Sink: rec})

	send(t, e, physics.NetState{Object: 1, Frame: 30, Sample: at(5)})
	if _, ok := e.CheckForDivergence(31); ok {
		t.Fatalf("forced mode rewinds only on multiples of Every")
	}
	if e.Inbound().Len() != 0 {
		t.Fatalf("network state should be discarded")
	}
	got, ok := e.CheckForDivergence(40)
	if !ok || got != 36 {
		t.Fatalf("rewind: got (%d,%v) want (36,true)", got, ok)
	}
	if st := e.Stats(); st.ForcedRewinds != 1 || st.Corrections != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if rec.count(diag.KindResimForced) != 1 {
		t.Fatalf("events: %+v", rec.events)
	}
}

func TestServer_ConsumesInputsAndProducesSnapshots(t *testing.T) {
	s := newTestSolver(0, 64, 1, 2)
	type applied struct {
		conn  string
		step  int64
		cmd   string
		fresh bool
	}
	var got []applied
	e := NewEngine(s, Options{
		Role:  RoleServer,
		Input: input.Config{MaxBufferedCmds: 8, InitialFaultLimit: 1},
		Inputs: InputHandlerFunc(func(conn string, step int64, cmd []byte, fresh bool) {
			got = append(got, applied{conn, step, string(cmd), fresh})
		}),
	})

	a := e.Connect("a")
	if a == nil {
		t.Fatalf("connect failed")
	}
	if !e.Requests().TrySend(physics.Request{Objects: []physics.BodyID{1, 2, 9}}) {
		t.Fatalf("request queue full")
	}
	for f := int64(5); f <= 6; f++ {
		a.PushInput(input.Cmd{Frame: f, Payload: []byte{byte('0' + f)}})
	}

	e.OnForwardFrameBegin(100)
	e.OnForwardFrameBegin(101)
	e.OnForwardFrameBegin(102)

	want := []applied{
		{"a", 100, "5", true},
		{"a", 101, "6", true},
		{"a", 102, "6", false},
	}
	if len(got) != len(want) {
		t.Fatalf("applied: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied[%d]: got %+v want %+v", i, got[i], want[i])
		}
	}

	var snaps []physics.Snapshot
	e.Outbound().Drain(func(s physics.Snapshot) { snaps = append(snaps, s) })
	if len(snaps) != 3 {
		t.Fatalf("snapshots: got %d want 3", len(snaps))
	}
	last := snaps[2]
	if len(last.Objects) != 2 {
		t.Fatalf("unresolved body should be skipped: %+v", last.Objects)
	}
	for _, st := range last.Objects {
		if st.Frame != 102 {
			t.Fatalf("snapshot tagged %d want 102", st.Frame)
		}
	}
	if len(last.Acks) != 1 || last.Acks[0] != (physics.Ack{Conn: "a", InputFrame: 6, ServerFrame: 101}) {
		t.Fatalf("acks: %+v", last.Acks)
	}

	e.Disconnect("a")
	e.OnForwardFrameBegin(103)
	if len(e.Connections()) != 0 {
		t.Fatalf("connections: %v", e.Connections())
	}
}

func TestServer_CloseRemovesConnWhenControlQueueFull(t *testing.T) {
	s := newTestSolver(0, 64, 1)
	e := NewEngine(s, Options{Role: RoleServer, ControlCapacity: 1})

	a := e.Connect("a")
	e.OnForwardFrameBegin(1)
	if b := e.Connect("b"); b == nil {
		t.Fatalf("connect b failed")
	}
	if e.Disconnect("a") {
		t.Fatalf("expected a full control queue")
	}
	if st := e.Stats(); st.QueueFull != 1 {
		t.Fatalf("queue full: %+v", st)
	}

	a.Close()
	e.OnForwardFrameBegin(2)
	if got := e.Connections(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("connections: got %v want [b]", got)
	}
	if _, ok := e.Channel("a"); ok {
		t.Fatalf("closed connection still has a channel")
	}
}

func TestServer_OutboundFullCounted(t *testing.T) {
	s := newTestSolver(0, 64, 1)
	e := NewEngine(s, Options{Role: RoleServer, OutboundCapacity: 1})
	e.Requests().TrySend(physics.Request{Objects: []physics.BodyID{1}})
	e.OnForwardFrameBegin(1)
	e.OnForwardFrameBegin(2)
	st := e.Stats()
	if st.SnapshotsProduced != 1 || st.QueueFull != 1 {
		t.Fatalf("stats: %+v", st)
	}
}
