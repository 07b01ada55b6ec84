package protocol

import (
	"github.com/go-gl/mathgl/mgl64"

	"netphys.dev/internal/physics"
)

// HELLO (client -> server)
type HelloMsg struct {
	ProtocolVersion string `msgpack:"v"`
	ClientName      string `msgpack:"name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	ProtocolVersion string `msgpack:"v"`
	ConnID          string `msgpack:"conn"`
	PhysicsHz       int    `msgpack:"hz"`
	ServerFrame     int64  `msgpack:"frame"`
	// RedundantCmds is how many past commands each INPUT should repeat.
	RedundantCmds int `msgpack:"redundant"`
}

// INPUT (client -> server). Cmds holds the newest command and the ones before
// it so a single lost packet costs nothing.
type InputMsg struct {
	Cmds []InputCmd `msgpack:"cmds"`
}

type InputCmd struct {
	Frame   int64  `msgpack:"f"`
	Payload []byte `msgpack:"p,omitempty"`
}

// STATE (server -> client)
type StateMsg struct {
	Frame   int64         `msgpack:"frame"`
	Objects []ObjectState `msgpack:"objs"`
	Ack     *AckState     `msgpack:"ack,omitempty"`
}

type ObjectState struct {
	ID     uint32     `msgpack:"id"`
	Frame  int64      `msgpack:"f"`
	State  uint8      `msgpack:"s"`
	Pos    [3]float64 `msgpack:"p"`
	Rot    [4]float64 `msgpack:"r"`
	LinVel [3]float64 `msgpack:"lv,omitempty"`
	AngVel [3]float64 `msgpack:"av,omitempty"`
}

// AckState tells the receiving connection which of its input frames the
// server consumed last, and on which server frame.
type AckState struct {
	InputFrame  int64 `msgpack:"in"`
	ServerFrame int64 `msgpack:"srv"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"msg,omitempty"`
}

func FromNetState(st physics.NetState) ObjectState {
	s := st.Sample
	return ObjectState{
		ID:     uint32(st.Object),
		Frame:  st.Frame,
		State:  uint8(s.State),
		Pos:    [3]float64(s.Position),
		Rot:    [4]float64{s.Rotation.W, s.Rotation.V[0], s.Rotation.V[1], s.Rotation.V[2]},
		LinVel: [3]float64(s.LinearVelocity),
		AngVel: [3]float64(s.AngularVelocity),
	}
}

func (o ObjectState) NetState() physics.NetState {
	return physics.NetState{
		Object: physics.BodyID(o.ID),
		Frame:  o.Frame,
		Sample: physics.Sample{
			State:           physics.ObjectState(o.State),
			Position:        mgl64.Vec3(o.Pos),
			Rotation:        mgl64.Quat{W: o.Rot[0], V: mgl64.Vec3{o.Rot[1], o.Rot[2], o.Rot[3]}},
			LinearVelocity:  mgl64.Vec3(o.LinVel),
			AngularVelocity: mgl64.Vec3(o.AngVel),
		},
	}
}

// StateFromSnapshot builds the STATE message for one connection. ack may be
// nil when the connection has not had an input consumed yet.
func StateFromSnapshot(frame int64, objects []physics.NetState, ack *physics.Ack) StateMsg {
	m := StateMsg{Frame: frame, Objects: make([]ObjectState, 0, len(objects))}
	for _, st := range objects {
		m.Objects = append(m.Objects, FromNetState(st))
	}
	if ack != nil {
		m.Ack = &AckState{InputFrame: ack.InputFrame, ServerFrame: ack.ServerFrame}
	}
	return m
}
