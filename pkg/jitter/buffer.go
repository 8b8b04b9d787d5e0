// Package jitter implements the short-horizon reorder and loss policy used
// to sequence real-time audio frames delivered over an unordered transport.
package jitter

import (
	"sync"
	"time"
)

// lateDiscardGap is how far behind next_expected a late packet can be and
// still be stored for statistics; beyond this it is discarded outright.
const lateDiscardGap = 100

// skipGap is how far ahead of next_expected the smallest buffered sequence
// must be before pop() gives up waiting for the gap to fill and skips to it.
const skipGap = 5

// assumedFrameMS is the per-frame duration used to estimate buffer depth,
// matching typical 20ms voice frames.
const assumedFrameMS = 20.0

// jitterAlpha is the EWMA smoothing factor applied to the jitter estimate.
const jitterAlpha = 0.1

// Frame is one sequenced payload handed to the buffer.
type Frame struct {
	Sequence   uint32
	Payload    []byte
	ReceivedAt time.Time
}

// Stats accumulates the buffer's lifetime counters and current estimates.
type Stats struct {
	Received    uint64
	Lost        uint64
	Late        uint64
	Duplicate   uint64
	OutOfOrder  uint64
	DepthMS     float64
	JitterMS    float64
}

// Buffer reorders a sequenced stream of frames for real-time playback.
type Buffer struct {
	mu            sync.Mutex
	frames        map[uint32]Frame
	nextExpected  uint32
	targetDepthMS float64
	maxDelay      time.Duration
	stats         Stats
	now           func() time.Time
}

// New returns a Buffer configured with the given target depth and maximum
// delay before a missing packet is treated as lost.
func New(targetDepthMS, maxDelayMS int) *Buffer {
	return &Buffer{
		frames:        make(map[uint32]Frame),
		targetDepthMS: float64(targetDepthMS),
		maxDelay:      time.Duration(maxDelayMS) * time.Millisecond,
		now:           time.Now,
	}
}

// Push inserts a frame. It returns false when the frame was a duplicate or
// discarded as too late to ever be useful; true otherwise (including frames
// stored only for statistics).
func (b *Buffer) Push(sequence uint32, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Received++

	if _, exists := b.frames[sequence]; exists {
		b.stats.Duplicate++
		return false
	}

	if sequence < b.nextExpected {
		b.stats.Late++
		if b.nextExpected-sequence > lateDiscardGap {
			return false
		}
	} else if sequence > b.nextExpected {
		b.stats.OutOfOrder++
	}

	b.frames[sequence] = Frame{Sequence: sequence, Payload: payload, ReceivedAt: b.now()}
	b.updateStats()
	return true
}

// Pop removes and returns the next in-sequence frame, or (Frame{}, false) if
// the caller should keep waiting. Once Pop returns sequence S, no later call
// ever returns a sequence <= S.
func (b *Buffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pop()
}

func (b *Buffer) pop() (Frame, bool) {
	if f, ok := b.frames[b.nextExpected]; ok {
		delete(b.frames, b.nextExpected)
		b.nextExpected++
		return f, true
	}

	seq, f, ok := b.smallest()
	if !ok {
		return Frame{}, false
	}

	if seq < b.nextExpected {
		// Stale frame stored behind the cursor for stats only; it can never
		// be delivered. Drop it and look for the next candidate.
		delete(b.frames, seq)
		return b.pop()
	}

	waited := b.now().Sub(f.ReceivedAt)
	gap := seq - b.nextExpected
	if waited > b.maxDelay || gap > skipGap {
		b.stats.Lost += uint64(gap)
		b.nextExpected = seq
		return b.pop()
	}
	return Frame{}, false
}

func (b *Buffer) smallest() (uint32, Frame, bool) {
	var (
		minSeq uint32
		minF   Frame
		found  bool
	)
	for seq, f := range b.frames {
		if !found || seq < minSeq {
			minSeq, minF, found = seq, f, true
		}
	}
	return minSeq, minF, found
}

// IsReady reports whether the estimated buffer depth has reached the
// configured target.
func (b *Buffer) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimateDepthMS() >= b.targetDepthMS
}

// Reset clears all buffered frames, statistics, and resets next_expected to 0.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = make(map[uint32]Frame)
	b.nextExpected = 0
	b.stats = Stats{}
}

// SetSequence forces next_expected to sequence and discards all buffered
// frames, for use when a stream restarts mid-call.
func (b *Buffer) SetSequence(sequence uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextExpected = sequence
	b.frames = make(map[uint32]Frame)
}

// CleanupOld removes frames that have sat in the buffer longer than twice
// the configured max delay, counting any at or past next_expected as lost.
func (b *Buffer) CleanupOld() {
	b.mu.Lock()
	defer b.mu.Unlock()
	timeout := b.maxDelay * 2
	now := b.now()
	for seq, f := range b.frames {
		if now.Sub(f.ReceivedAt) > timeout {
			delete(b.frames, seq)
			if seq >= b.nextExpected {
				b.stats.Lost++
			}
		}
	}
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Len reports how many frames are currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *Buffer) estimateDepthMS() float64 {
	if len(b.frames) == 0 {
		return 0
	}
	return float64(len(b.frames)) * assumedFrameMS
}

func (b *Buffer) updateStats() {
	b.stats.DepthMS = b.estimateDepthMS()
	currentJitter := b.stats.DepthMS - b.targetDepthMS
	if currentJitter < 0 {
		currentJitter = -currentJitter
	}
	b.stats.JitterMS = jitterAlpha*currentJitter + (1-jitterAlpha)*b.stats.JitterMS
}
