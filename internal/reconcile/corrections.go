package reconcile

import (
	"sort"

	"netphys.dev/internal/physics"
)

// Correction is an authoritative state to force onto a body while resimulating.
type Correction struct {
	State    physics.NetState
	Mismatch physics.Mismatch
}

// correctionBatch holds the corrections of one reconciliation pass in
// non-decreasing frame order. next only moves forward, so every resimulated
// frame scans just the corrections that became due.
type correctionBatch struct {
	items []Correction
	index map[physics.BodyID]int
	next  int
}

func (b *correctionBatch) reset() {
	b.items = b.items[:0]
	b.next = 0
	if b.index == nil {
		b.index = make(map[physics.BodyID]int)
	}
	clear(b.index)
}

// add records c. Each body appears once per pass: the earliest diverged frame
// is kept and, at equal frames, the later state replaces the earlier one.
// Later frames of the same body are resimulated from the kept correction.
func (b *correctionBatch) add(c Correction) bool {
	if b.index == nil {
		b.index = make(map[physics.BodyID]int)
	}
	if i, ok := b.index[c.State.Object]; ok {
		if c.State.Frame <= b.items[i].State.Frame {
			b.items[i] = c
		}
		return false
	}
	b.index[c.State.Object] = len(b.items)
	b.items = append(b.items, c)
	return true
}

// seal orders the batch by frame and rewinds the cursor.
func (b *correctionBatch) seal() {
	sort.SliceStable(b.items, func(i, j int) bool { return b.items[i].State.Frame < b.items[j].State.Frame })
	for i, c := range b.items {
		b.index[c.State.Object] = i
	}
	b.next = 0
}

// due passes every unapplied correction with Frame <= step to fn.
func (b *correctionBatch) due(step int64, fn func(Correction)) int {
	n := 0
	for b.next < len(b.items) && b.items[b.next].State.Frame <= step {
		fn(b.items[b.next])
		b.next++
		n++
	}
	return n
}

func (b *correctionBatch) size() int    { return len(b.items) }
func (b *correctionBatch) pending() int { return len(b.items) - b.next }
