// Package replay implements the sliding anti-replay window applied to
// inbound transport counters.
package replay

import (
	"sync"

	"github.com/irctrakz/vpncore/pkg/core"
)

// DefaultWindowSize is the number of counters tracked behind the highest
// accepted one.
const DefaultWindowSize = 2048

const blockBits = 64

// Window tracks which counters in [highest-size+1, highest] were seen.
// Counter 0 is never valid. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	size    uint64
	highest uint64
	bitmap  []uint64
}

// NewWindow returns a window of at least size bits (rounded up to a
// multiple of 64). A non-positive size selects DefaultWindowSize.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	blocks := (size + blockBits - 1) / blockBits
	return &Window{
		size:   uint64(blocks * blockBits),
		bitmap: make([]uint64, blocks),
	}
}

// Size returns the window width in counters.
func (w *Window) Size() int { return int(w.size) }

// Highest returns the highest accepted counter, 0 if none.
func (w *Window) Highest() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highest
}

// Check records counter and reports whether it is fresh.
func (w *Window) Check(counter uint64) bool {
	return w.Validate(counter) == nil
}

// Validate is Check with the rejection reason: core.ErrReplay for a
// duplicate (or counter 0), core.ErrTooOld for one behind the window.
func (w *Window) Validate(counter uint64) error {
	if counter == 0 {
		return core.ErrReplay
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if counter > w.highest {
		w.advance(counter)
		w.set(counter)
		w.highest = counter
		return nil
	}
	if w.highest-counter >= w.size {
		return core.ErrTooOld
	}
	if w.isSet(counter) {
		return core.ErrReplay
	}
	w.set(counter)
	return nil
}

// Reset forgets every counter. Called whenever new session keys are
// installed.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.highest = 0
	for i := range w.bitmap {
		w.bitmap[i] = 0
	}
}

// advance clears the bits of counters (highest, to] that now enter the window.
func (w *Window) advance(to uint64) {
	if to-w.highest >= w.size {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
		return
	}
	// Count steps rather than compare counters: to may be MaxUint64.
	n := to - w.highest
	for i := uint64(0); i < n; i++ {
		c := w.highest + 1 + i
		idx := (c / blockBits) % uint64(len(w.bitmap))
		if c%blockBits == 0 && n-1-i >= blockBits-1 {
			// whole block enters the window at once
			w.bitmap[idx] = 0
			i += blockBits - 1
			continue
		}
		w.bitmap[idx] &^= 1 << (c % blockBits)
	}
}

func (w *Window) pos(counter uint64) (uint64, uint64) {
	return (counter / blockBits) % uint64(len(w.bitmap)), counter % blockBits
}

func (w *Window) set(counter uint64) {
	i, b := w.pos(counter)
	w.bitmap[i] |= 1 << b
}

func (w *Window) isSet(counter uint64) bool {
	i, b := w.pos(counter)
	return w.bitmap[i]&(1<<b) != 0
}
