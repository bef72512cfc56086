package publisher

// Throttle forwards a block height only when it is at least MinDistance above the
// last forwarded one. The first height is always forwarded.
type Throttle struct {
	minDistance uint64
	last        uint64
	seen        bool
}

func NewThrottle(minDistance uint64) *Throttle {
	return &Throttle{minDistance: minDistance}
}

// Accept reports whether height should be forwarded and records it if so.
func (t *Throttle) Accept(height uint64) bool {
	if t.seen && height < t.last+t.minDistance {
		return false
	}
	t.last = height
	t.seen = true
	return true
}

// Last returns the last forwarded height.
func (t *Throttle) Last() (uint64, bool) {
	return t.last, t.seen
}
