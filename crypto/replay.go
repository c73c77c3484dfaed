package crypto

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultReplayWindowSize is the default width, in messages, of the sliding
// replay-detection bitmap.
const DefaultReplayWindowSize = 64

// NonceOverflowMargin is how far below the 64-bit counter's maximum a send
// counter is allowed to climb before the channel refuses to send further
// messages and instead signals NonceExhausted, well before wraparound.
const NonceOverflowMargin = uint64(1) << 32

// ErrNonceExhausted is returned by SendCounter.Next once the counter has
// climbed within NonceOverflowMargin of wrapping.
var ErrNonceExhausted = fmt.Errorf("crypto: send counter approaching exhaustion")

// ErrReplay is returned by ReplayWindow.Accept when a sequence number has
// already been seen or falls outside the trailing window.
var ErrReplay = fmt.Errorf("crypto: replay detected")

// SendCounter is the monotonically increasing per-direction message counter
// used as the AEAD nonce on the send side. It must never repeat for a given
// session key, so Next refuses once the counter nears the uint64 ceiling.
type SendCounter struct {
	mu    sync.Mutex
	value uint64
}

// Next returns the next sequence number to use as a nonce and advances the
// counter, or ErrNonceExhausted if doing so would bring the counter within
// NonceOverflowMargin of wrapping.
func (c *SendCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value > ^uint64(0)-NonceOverflowMargin {
		return 0, ErrNonceExhausted
	}

	n := c.value
	c.value++
	return n, nil
}

// Value reports the counter's current value without advancing it.
func (c *SendCounter) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// ReplayWindow tracks received sequence numbers for one direction of a
// channel using a sliding bitmap, rejecting sequence numbers already seen
// and sequence numbers that fall too far behind the highest accepted one.
type ReplayWindow struct {
	mu      sync.Mutex
	size    uint64
	highest uint64
	seen    bool
	bitmap  []uint64 // bit i set => highest-i has been accepted
	logger  *logrus.Entry
}

// NewReplayWindow creates a replay window of the given width. A size of 0
// uses DefaultReplayWindowSize.
func NewReplayWindow(size int) *ReplayWindow {
	if size <= 0 {
		size = DefaultReplayWindowSize
	}
	words := (size + 63) / 64
	return &ReplayWindow{
		size:   uint64(size),
		bitmap: make([]uint64, words),
		logger: logrus.WithFields(logrus.Fields{"package": "crypto", "component": "replay_window"}),
	}
}

// Accept validates a received sequence number against the window and
// records it if valid. It returns ErrReplay if the sequence number has
// already been accepted or lies outside the trailing window.
func (w *ReplayWindow) Accept(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seen {
		w.seen = true
		w.highest = seq
		w.setBit(0)
		return nil
	}

	switch {
	case seq > w.highest:
		w.advance(seq - w.highest)
		w.highest = seq
		w.setBit(0)
		return nil
	case w.highest-seq >= w.size:
		w.logger.WithFields(logrus.Fields{"seq": seq, "highest": w.highest}).Warn("rejecting out-of-window sequence number")
		return ErrReplay
	default:
		offset := w.highest - seq
		if w.testBit(offset) {
			w.logger.WithFields(logrus.Fields{"seq": seq}).Warn("rejecting replayed sequence number")
			return ErrReplay
		}
		w.setBit(offset)
		return nil
	}
}

// advance shifts the bitmap forward by delta positions, dropping bits that
// fall off the trailing edge of the window.
func (w *ReplayWindow) advance(delta uint64) {
	if delta >= w.size {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
		return
	}
	for d := uint64(0); d < delta; d++ {
		carry := uint64(0)
		for i := len(w.bitmap) - 1; i >= 0; i-- {
			next := w.bitmap[i] >> 63
			w.bitmap[i] = (w.bitmap[i] << 1) | carry
			carry = next
		}
	}
}

func (w *ReplayWindow) setBit(offset uint64) {
	word, bit := offset/64, offset%64
	if int(word) < len(w.bitmap) {
		w.bitmap[word] |= 1 << bit
	}
}

func (w *ReplayWindow) testBit(offset uint64) bool {
	word, bit := offset/64, offset%64
	if int(word) >= len(w.bitmap) {
		return false
	}
	return w.bitmap[word]&(1<<bit) != 0
}
