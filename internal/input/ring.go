package input

import "netphys.dev/internal/physics"

// Cmd is one serialized input command tagged with the sender's frame.
type Cmd struct {
	Frame   int64
	Payload []byte
}

type slot struct {
	frame   int64
	payload []byte
}

// CmdBuffer is a ring of input blobs keyed by frame. Only the newest
// Capacity() frames up to Head() are addressable; older ones are overwritten.
type CmdBuffer struct {
	slots []slot
	head  int64
}

func NewCmdBuffer(capacity int) *CmdBuffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &CmdBuffer{slots: make([]slot, capacity), head: physics.NoFrame}
	for i := range b.slots {
		b.slots[i].frame = physics.NoFrame
	}
	return b
}

func (b *CmdBuffer) Capacity() int { return len(b.slots) }

// Head is the highest frame ever stored, or physics.NoFrame.
func (b *CmdBuffer) Head() int64 { return b.head }

// Put stores payload at frame. It reports false when frame is negative or
// already outside the retained window.
func (b *CmdBuffer) Put(frame int64, payload []byte) bool {
	if frame < 0 {
		return false
	}
	if b.head != physics.NoFrame && frame <= b.head-int64(len(b.slots)) {
		return false
	}
	s := &b.slots[frame%int64(len(b.slots))]
	s.frame = frame
	s.payload = payload
	if frame > b.head {
		b.head = frame
	}
	return true
}

// Get returns the payload stored for frame. A retained frame that was never
// sent reads as an empty command.
func (b *CmdBuffer) Get(frame int64) ([]byte, bool) {
	if frame < 0 || b.head == physics.NoFrame || frame > b.head || frame <= b.head-int64(len(b.slots)) {
		return nil, false
	}
	s := b.slots[frame%int64(len(b.slots))]
	if s.frame != frame {
		return nil, true
	}
	return s.payload, true
}
