package loop

// Handle identifies one registration in a Handles table. A handle whose slot
// has been released or reused is dead.
type Handle struct {
	idx int
	gen uint32
}

type slot[T any] struct {
	gen   uint32
	alive bool
	val   T
}

// Handles is a liveness table for callback registrations. Removal only
// invalidates the slot, so removing during Each is safe.
type Handles[T any] struct {
	slots []slot[T]
	free  []int
}

func (h *Handles[T]) Add(v T) Handle {
	if n := len(h.free); n > 0 {
		idx := h.free[n-1]
		h.free = h.free[:n-1]
		s := &h.slots[idx]
		if s.gen++; s.gen == 0 {
			s.gen = 1
		}
		s.alive = true
		s.val = v
		return Handle{idx: idx, gen: s.gen}
	}
	h.slots = append(h.slots, slot[T]{gen: 1, alive: true, val: v})
	return Handle{idx: len(h.slots) - 1, gen: 1}
}

func (h *Handles[T]) Alive(hd Handle) bool {
	if hd.idx < 0 || hd.idx >= len(h.slots) {
		return false
	}
	s := h.slots[hd.idx]
	return s.alive && s.gen == hd.gen
}

func (h *Handles[T]) Remove(hd Handle) bool {
	if !h.Alive(hd) {
		return false
	}
	s := &h.slots[hd.idx]
	s.alive = false
	var zero T
	s.val = zero
	h.free = append(h.free, hd.idx)
	return true
}

func (h *Handles[T]) Len() int {
	return len(h.slots) - len(h.free)
}

// Each calls fn for every value live when the pass starts, in slot order.
// Values removed during the pass are skipped, as are values added during it,
// even when they reuse a slot that has not been visited yet.
func (h *Handles[T]) Each(fn func(T)) {
	gens := make([]uint32, len(h.slots))
	for i, s := range h.slots {
		if s.alive {
			gens[i] = s.gen
		}
	}
	for i, gen := range gens {
		s := h.slots[i]
		if gen == 0 || !s.alive || s.gen != gen {
			continue
		}
		fn(s.val)
	}
}
