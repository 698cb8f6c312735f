package rotation

// ring is a fixed-capacity circular buffer of (t, depth, spread)
// samples. Memory is bounded by construction; the oldest sample is
// overwritten once the buffer is full.
type ring struct {
	t, depth, spread []float64
	head, n          int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{
		t:      make([]float64, capacity),
		depth:  make([]float64, capacity),
		spread: make([]float64, capacity),
	}
}

func (r *ring) push(t, d, s float64) {
	idx := (r.head + r.n) % len(r.t)
	if r.n == len(r.t) {
		idx = r.head
		r.head = (r.head + 1) % len(r.t)
	} else {
		r.n++
	}
	r.t[idx] = t
	r.depth[idx] = d
	r.spread[idx] = s
}

func (r *ring) len() int { return r.n }

func (r *ring) lastT() float64 {
	if r.n == 0 {
		return 0
	}
	return r.t[(r.head+r.n-1)%len(r.t)]
}

// each visits samples oldest first.
func (r *ring) each(fn func(t, depth, spread float64)) {
	for i := 0; i < r.n; i++ {
		idx := (r.head + i) % len(r.t)
		fn(r.t[idx], r.depth[idx], r.spread[idx])
	}
}
