package rubric

import "sync/atomic"

// Holder is the rubric currently in effect. Runs take the rubric once at
// start, so a reload never changes a run in flight.
type Holder struct {
	p atomic.Pointer[Rubric]
}

// NewHolder creates a holder with an initial rubric.
func NewHolder(r *Rubric) *Holder {
	h := &Holder{}
	h.Store(r)
	return h
}

// Current returns the rubric in effect.
func (h *Holder) Current() *Rubric {
	return h.p.Load()
}

// Store replaces the rubric in effect. A nil rubric is ignored.
func (h *Holder) Store(r *Rubric) {
	if r != nil {
		h.p.Store(r)
	}
}
