package manager

import "netphys.dev/internal/physics"

// Handle identifies a registered state. Handles are reused after Unregister.
type Handle int

const NoHandle Handle = -1

// Registry is a non-owning set of replicated states keyed by the lowest free
// slot. Game goroutine only.
type Registry struct {
	slots []*physics.NetState
	free  []Handle
	n     int
}

func (r *Registry) Register(st *physics.NetState) Handle {
	if st == nil {
		return NoHandle
	}
	r.n++
	if len(r.free) > 0 {
		// free is kept sorted descending so the lowest slot is last.
		h := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		r.slots[h] = st
		return h
	}
	r.slots = append(r.slots, st)
	return Handle(len(r.slots) - 1)
}

func (r *Registry) Unregister(h Handle) bool {
	if h < 0 || int(h) >= len(r.slots) || r.slots[h] == nil {
		return false
	}
	r.slots[h] = nil
	r.n--
	if int(h) == len(r.slots)-1 {
		r.slots = r.slots[:h]
		// Trailing holes are released with the tail.
		for len(r.slots) > 0 && r.slots[len(r.slots)-1] == nil {
			r.slots = r.slots[:len(r.slots)-1]
		}
		kept := r.free[:0]
		for _, f := range r.free {
			if int(f) < len(r.slots) {
				kept = append(kept, f)
			}
		}
		r.free = kept
		return true
	}
	i := len(r.free)
	for i > 0 && r.free[i-1] < h {
		i--
	}
	r.free = append(r.free, 0)
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = h
	return true
}

func (r *Registry) Get(h Handle) (*physics.NetState, bool) {
	if h < 0 || int(h) >= len(r.slots) || r.slots[h] == nil {
		return nil, false
	}
	return r.slots[h], true
}

func (r *Registry) Len() int { return r.n }

// Each visits registered states in handle order.
func (r *Registry) Each(fn func(Handle, *physics.NetState)) {
	for i, st := range r.slots {
		if st != nil {
			fn(Handle(i), st)
		}
	}
}
