package bridge

// statusTracker does edge detection over a stream of connectivity
// observations. The first observation sets the baseline and is not an edge.
// Not safe for concurrent use; Session guards it with statusMu.
type statusTracker struct {
	seen bool
	last bool
}

// Observe records connected and reports whether it differs from the
// previous observation.
func (t *statusTracker) Observe(connected bool) bool {
	if !t.seen {
		t.seen = true
		t.last = connected
		return false
	}
	if connected == t.last {
		return false
	}
	t.last = connected
	return true
}

// Set records connected as already reported, so the next Observe of the
// same value is not an edge.
func (t *statusTracker) Set(connected bool) {
	t.seen = true
	t.last = connected
}
