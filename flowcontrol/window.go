// Package flowcontrol implements the signed flow-control counters spec.md
// section 4.4 describes: one per direction, per scope (connection and
// stream), enforcing the RFC 7540 section 6.9.1 cap of 2^31-1.
package flowcontrol

import (
	"sync"

	"github.com/pkg/errors"
)

const maxWindowSize = 1<<31 - 1

// Window is a signed flow-control credit counter. The zero Window is not
// usable; construct one with New. A Window tracks its value as a wide
// int64 (per spec.md section 3 FlowWindow) so an adjustment past 2^31-1 is
// detected rather than silently wrapping, and a SETTINGS-driven shrink
// can take the value negative.
type Window struct {
	mu     sync.Mutex
	cond   *sync.Cond
	size   int64
	closed bool
}

// New returns a Window initialized to n credits.
func New(n int32) *Window {
	w := &Window{size: int64(n)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Available returns the current credit without blocking.
func (w *Window) Available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Reserve blocks until n credits are available (or the window closes, in
// which case it returns immediately so the blocked sender can fail fast
// against a dead connection) and deducts them.
func (w *Window) Reserve(n int32) error {
	if n < 0 {
		panic("flowcontrol: negative reserve")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.closed {
			return errors.New("flowcontrol: window closed")
		}
		if w.size >= int64(n) {
			w.size -= int64(n)
			return nil
		}
		w.cond.Wait()
	}
}

// TryReserve deducts up to max credits without blocking, returning the
// number actually reserved (which may be less than max, or zero). Used by
// the h2client package's Stream.SendData to size each outbound DATA frame
// to whatever credit is currently available rather than blocking for the
// whole body.
func (w *Window) TryReserve(max int32) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.size <= 0 {
		return 0
	}
	n := int64(max)
	if n > w.size {
		n = w.size
	}
	w.size -= n
	return int32(n)
}

// Release returns n previously-reserved credits (used when a reserved
// write is abandoned, e.g. the stream resets before the DATA frame is
// written).
func (w *Window) Release(n int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size += int64(n)
	w.cond.Broadcast()
}

// Adjust adds delta (positive or negative) to the window, as happens on
// receipt of WINDOW_UPDATE or a SETTINGS_INITIAL_WINDOW_SIZE change. It
// reports FLOW_CONTROL_ERROR if the result would exceed 2^31-1; per
// spec.md section 3, underflow to negative is permitted only through this
// path (SETTINGS-driven), never through Reserve.
func (w *Window) Adjust(delta int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.size + int64(delta)
	if next > maxWindowSize {
		return errors.Errorf("flowcontrol: window adjustment overflows 2^31-1 (size=%d delta=%d)", w.size, delta)
	}
	w.size = next
	w.cond.Broadcast()
	return nil
}

// Close marks the window closed: every blocked and future Reserve call
// returns immediately with an error, because the connection is tearing
// down and nothing will ever replenish credit again.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.cond.Broadcast()
}

// Credit accumulates inbound bytes consumed by the local reader that have
// not yet been acknowledged to the peer via WINDOW_UPDATE. It is flushed
// either when it crosses a threshold or on the periodic ticker (spec.md
// section 4.4/4.6.3).
type Credit struct {
	mu          sync.Mutex
	accumulated uint32
	threshold   uint32
}

// NewCredit returns a Credit that proposes flushing once accumulated
// acknowledgment reaches threshold bytes.
func NewCredit(threshold uint32) *Credit {
	return &Credit{threshold: threshold}
}

// Add records n newly-consumed inbound bytes and reports whether the
// accumulated total has crossed the flush threshold.
func (c *Credit) Add(n uint32) (shouldFlush bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated += n
	return c.accumulated >= c.threshold
}

// Take resets the accumulator to zero and returns the amount to
// acknowledge via WINDOW_UPDATE. Returns 0 if there is nothing to flush.
func (c *Credit) Take() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.accumulated
	c.accumulated = 0
	return n
}
