package capture

// Ring keeps the most recent samples of the microphone stream. Positions
// are absolute (samples since Reset) so a recording start survives the
// oldest audio being overwritten.
type Ring struct {
	buf      []float32
	writePos int
	written  int64
}

// NewRing returns a ring holding capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float32, capacity)}
}

func (r *Ring) Write(samples []float32) {
	for _, s := range samples {
		r.buf[r.writePos] = s
		r.writePos = (r.writePos + 1) % len(r.buf)
	}
	r.written += int64(len(samples))
}

// Written is the absolute position of the next sample.
func (r *Ring) Written() int64 { return r.written }

// Oldest is the absolute position of the oldest retained sample.
func (r *Ring) Oldest() int64 {
	if r.written <= int64(len(r.buf)) {
		return 0
	}
	return r.written - int64(len(r.buf))
}

// Len is the number of retained samples.
func (r *Ring) Len() int { return int(r.written - r.Oldest()) }

// From copies everything from absolute position from to the newest
// sample. Positions older than the retained window are clamped.
func (r *Ring) From(from int64) []float32 {
	if oldest := r.Oldest(); from < oldest {
		from = oldest
	}
	if from >= r.written {
		return nil
	}
	n := int(r.written - from)
	out := make([]float32, n)
	start := (r.writePos - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// KeepLast discards all but the newest n samples.
func (r *Ring) KeepLast(n int) {
	tail := r.From(r.written - int64(n))
	r.Reset()
	r.Write(tail)
}

func (r *Ring) Reset() {
	r.writePos = 0
	r.written = 0
}
