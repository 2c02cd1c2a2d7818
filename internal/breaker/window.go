package breaker

import "sync"

// outcome classifies one completed call for the sliding window.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeSlow
)

// window is a fixed-size ring buffer of the last N call outcomes, used to
// evaluate failure-rate and slow-call-rate independently of gobreaker's
// cumulative Counts (spec.md §4.8: N=20 samples, M=10 minimum before the
// rates are meaningful).
type window struct {
	mu      sync.Mutex
	buf     []outcome
	filled  []bool
	next    int
	size    int
	minimum int
}

func newWindow(size, minimum int) *window {
	if size <= 0 {
		size = 20
	}
	if minimum <= 0 {
		minimum = 10
	}
	return &window{
		buf:     make([]outcome, size),
		filled:  make([]bool, size),
		size:    size,
		minimum: minimum,
	}
}

func (w *window) record(o outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.next] = o
	w.filled[w.next] = true
	w.next = (w.next + 1) % w.size
}

// rates returns the failure rate, slow-call rate, and whether enough samples
// have been collected to evaluate them.
func (w *window) rates() (failureRate, slowRate float64, ready bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var n, failed, slow int
	for i, ok := range w.filled {
		if !ok {
			continue
		}
		n++
		switch w.buf[i] {
		case outcomeFailed:
			failed++
		case outcomeSlow:
			slow++
		}
	}
	if n < w.minimum {
		return 0, 0, false
	}
	return float64(failed) / float64(n), float64(slow) / float64(n), true
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.filled {
		w.filled[i] = false
	}
	w.next = 0
}
