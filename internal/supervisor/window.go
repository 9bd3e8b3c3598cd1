package supervisor

import "time"

// RestartWindow remembers the most recent restart times, oldest first.
type RestartWindow struct {
	stamps []time.Time
	size   int
}

// NewRestartWindow returns a window holding at most size timestamps.
func NewRestartWindow(size int) *RestartWindow {
	if size < 1 {
		size = 1
	}
	return &RestartWindow{stamps: make([]time.Time, 0, size), size: size}
}

// Add records t, evicting the oldest entry once the window is full.
func (w *RestartWindow) Add(t time.Time) {
	if len(w.stamps) == w.size {
		copy(w.stamps, w.stamps[1:])
		w.stamps = w.stamps[:w.size-1]
	}
	w.stamps = append(w.stamps, t)
}

// Len reports how many timestamps are held.
func (w *RestartWindow) Len() int { return len(w.stamps) }

// Full reports whether the window holds its capacity.
func (w *RestartWindow) Full() bool { return len(w.stamps) == w.size }

// Oldest returns the earliest held timestamp, or the zero time.
func (w *RestartWindow) Oldest() time.Time {
	if len(w.stamps) == 0 {
		return time.Time{}
	}
	return w.stamps[0]
}

// Storming reports whether every held restart happened within maxInterval
// of now and the window is full.
func (w *RestartWindow) Storming(now time.Time, maxInterval time.Duration) bool {
	return w.Full() && now.Sub(w.Oldest()) < maxInterval
}
