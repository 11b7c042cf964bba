package vad

// Smoother is a moving average over the last N raw frame energies. It damps
// the jitter of fluctuating stationary noise (fans, HVAC) before threshold
// comparison. The zero value is not usable; create one with [NewSmoother].
type Smoother struct {
	window []float64
	next   int
	filled int
}

// NewSmoother returns a Smoother averaging over window values. A window
// smaller than 1 is treated as 1 (no smoothing).
func NewSmoother(window int) *Smoother {
	return &Smoother{window: make([]float64, max(window, 1))}
}

// Push adds e and returns the mean of the most recent values, including e.
// Until the window is full, the mean is taken over the values seen so far.
func (s *Smoother) Push(e float64) float64 {
	s.window[s.next] = e
	s.next = (s.next + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
	}
	if s.filled == 1 {
		return e
	}
	var sum float64
	for _, v := range s.window[:s.filled] {
		sum += v
	}
	return sum / float64(s.filled)
}

// Reset forgets all history.
func (s *Smoother) Reset() {
	clear(s.window)
	s.next, s.filled = 0, 0
}

// Smooth applies a fresh [Smoother] of the given window to energies and
// returns the smoothed series. The input is not modified.
func Smooth(energies []float64, window int) []float64 {
	sm := NewSmoother(window)
	out := make([]float64, len(energies))
	for i, e := range energies {
		out[i] = sm.Push(e)
	}
	return out
}
