package physics

// NoFrame marks an absent frame number.
const NoFrame int64 = -1

// BodyID is a weak handle to a simulated body. It must be resolved through the
// Solver before use; a body that has been destroyed no longer resolves.
type BodyID uint32

// NetState is the replicated state of one body at one frame. Frame never
// decreases for a given Object across snapshots from the same producer.
type NetState struct {
	Object BodyID
	Frame  int64
	Sample Sample
}

// Ack tells a client which of its input frames the server consumed last and
// on which server frame that happened.
type Ack struct {
	Conn        string
	InputFrame  int64
	ServerFrame int64
}

// Snapshot is a batch of states crossing the game/physics thread boundary.
// LocalFrameOffset is only meaningful for snapshots built from network data.
// A snapshot is consumed exactly once and never mutated after it is queued.
type Snapshot struct {
	LocalFrameOffset int32
	Objects          []NetState
	Acks             []Ack
}

// Request asks the physics thread to sample the listed bodies on its next tick.
type Request struct {
	Objects []BodyID
}
