package protocol_test

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"netphys.dev/internal/physics"
	"netphys.dev/internal/protocol"
)

func TestEncodeDecode_Input(t *testing.T) {
	in := protocol.InputMsg{Cmds: []protocol.InputCmd{
		{Frame: 41, Payload: []byte{1}},
		{Frame: 42, Payload: []byte{2, 3}},
	}}
	b, err := protocol.Encode(protocol.TypeInput, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[1] != 0 {
		t.Fatalf("small frame should not be compressed, flags=%d", b[1])
	}
	var out protocol.InputMsg
	if err := protocol.Decode(b, protocol.TypeInput, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Cmds) != 2 || out.Cmds[1].Frame != 42 || string(out.Cmds[1].Payload) != "\x02\x03" {
		t.Fatalf("roundtrip: %+v", out)
	}
}

func TestEncodeDecode_LargeStateIsCompressed(t *testing.T) {
	states := make([]physics.NetState, 200)
	for i := range states {
		states[i] = physics.NetState{
			Object: physics.BodyID(i),
			Frame:  900,
			Sample: physics.Sample{
				State:          physics.Sleeping,
				Position:       mgl64.Vec3{float64(i), 1, 2},
				Rotation:       mgl64.QuatIdent(),
				LinearVelocity: mgl64.Vec3{0, -9.8, 0},
			},
		}
	}
	msg := protocol.StateFromSnapshot(900, states, &physics.Ack{InputFrame: 12, ServerFrame: 899})
	b, err := protocol.Encode(protocol.TypeState, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[1]&1 == 0 {
		t.Fatalf("large state frame should be lz4 compressed")
	}
	var out protocol.StateMsg
	if err := protocol.Decode(b, protocol.TypeState, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Objects) != 200 || out.Ack == nil || out.Ack.InputFrame != 12 {
		t.Fatalf("roundtrip: objects=%d ack=%+v", len(out.Objects), out.Ack)
	}
	got := out.Objects[7].NetState()
	if got.Object != 7 || got.Sample.State != physics.Sleeping || got.Sample.Position.X() != 7 {
		t.Fatalf("object 7: %+v", got)
	}
	if !got.Sample.Rotation.ApproxEqual(mgl64.QuatIdent()) {
		t.Fatalf("rotation: %+v", got.Sample.Rotation)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := protocol.Peek([]byte{4}); !errors.Is(err, protocol.ErrShortFrame) {
		t.Fatalf("short: got %v", err)
	}
	if _, err := protocol.Peek([]byte{99, 0}); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("unknown: got %v", err)
	}
	b, err := protocol.Encode(protocol.TypeHello, protocol.HelloMsg{ProtocolVersion: protocol.Version})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var w protocol.WelcomeMsg
	if err := protocol.Decode(b, protocol.TypeWelcome, &w); !errors.Is(err, protocol.ErrTypeMismatch) {
		t.Fatalf("mismatch: got %v", err)
	}
	if _, err := protocol.Encode(protocol.Type(0), nil); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("encode unknown: got %v", err)
	}
}

func TestIsKnownCode(t *testing.T) {
	for _, c := range []string{"", protocol.CodeBadRequest, protocol.CodeVersion, protocol.CodeRateLimit, protocol.CodeBusy, protocol.CodeInternal} {
		if !protocol.IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if protocol.IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}
