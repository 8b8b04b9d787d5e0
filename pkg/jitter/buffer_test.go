package jitter

import (
	"testing"
	"time"
)

func TestInOrderDelivery(t *testing.T) {
	b := New(100, 200)
	for i := uint32(0); i < 4; i++ {
		if !b.Push(i, []byte{byte(i)}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	for i := uint32(0); i < 4; i++ {
		f, ok := b.Pop()
		if !ok {
			t.Fatalf("pop %d: expected a frame", i)
		}
		if f.Sequence != i {
			t.Fatalf("pop order: got %d, want %d", f.Sequence, i)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("expected empty buffer after draining in-order frames")
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	b := New(100, 200)
	for _, seq := range []uint32{0, 2, 1, 3} {
		if !b.Push(seq, []byte{byte(seq)}) {
			t.Fatalf("push %d rejected", seq)
		}
	}
	for i := uint32(0); i < 4; i++ {
		f, ok := b.Pop()
		if !ok {
			t.Fatalf("pop %d: expected a frame", i)
		}
		if f.Sequence != i {
			t.Fatalf("pop order: got %d, want %d", f.Sequence, i)
		}
	}
	st := b.Stats()
	if st.OutOfOrder == 0 {
		t.Fatal("expected out-of-order packets to be counted")
	}
}

func TestDuplicatePackets(t *testing.T) {
	b := New(100, 200)
	if !b.Push(0, []byte("a")) {
		t.Fatal("first push of sequence 0 should be accepted")
	}
	if b.Push(0, []byte("a")) {
		t.Fatal("duplicate push of sequence 0 should be rejected")
	}
	if st := b.Stats(); st.Duplicate != 1 {
		t.Fatalf("duplicate count = %d, want 1", st.Duplicate)
	}
}

func TestPacketLossRecovery(t *testing.T) {
	fixed := time.Unix(0, 0)
	b := New(100, 200)
	b.now = func() time.Time { return fixed }

	for _, seq := range []uint32{0, 1, 2, 3} {
		b.Push(seq, []byte{byte(seq)})
	}
	for i := uint32(0); i < 4; i++ {
		if _, ok := b.Pop(); !ok {
			t.Fatalf("pop %d: expected a frame", i)
		}
	}

	// Sequence 5 missing: push 4, 6, 7, then advance time past max delay.
	b.Push(4, []byte{4})
	b.Pop()
	b.Push(6, []byte{6})
	b.Push(7, []byte{7})

	fixed = fixed.Add(300 * time.Millisecond)

	f, ok := b.Pop()
	if !ok {
		t.Fatal("expected pop to skip forward past the missing packet")
	}
	if f.Sequence != 6 {
		t.Fatalf("pop after loss: got %d, want 6", f.Sequence)
	}
	if st := b.Stats(); st.Lost != 1 {
		t.Fatalf("lost count = %d, want 1", st.Lost)
	}

	f, ok = b.Pop()
	if !ok || f.Sequence != 7 {
		t.Fatalf("final pop = %+v, %v; want sequence 7", f, ok)
	}
}

func TestReset(t *testing.T) {
	b := New(100, 200)
	b.Push(0, []byte("a"))
	b.Push(1, []byte("b"))
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("len after reset = %d, want 0", b.Len())
	}
	if st := b.Stats(); st != (Stats{}) {
		t.Fatalf("stats after reset = %+v, want zero value", st)
	}
	if !b.Push(0, []byte("c")) {
		t.Fatal("expected sequence 0 to be acceptable again after reset")
	}
}

func TestSetSequenceDiscardsBuffered(t *testing.T) {
	b := New(100, 200)
	b.Push(5, []byte("a"))
	b.Push(6, []byte("b"))
	b.SetSequence(10)
	if b.Len() != 0 {
		t.Fatalf("len after SetSequence = %d, want 0", b.Len())
	}
	if !b.Push(10, []byte("c")) {
		t.Fatal("expected sequence 10 to be accepted as the new next_expected")
	}
	f, ok := b.Pop()
	if !ok || f.Sequence != 10 {
		t.Fatalf("pop after SetSequence = %+v, %v; want sequence 10", f, ok)
	}
}

func TestCleanupOldCountsStaleFramesAsLost(t *testing.T) {
	fixed := time.Unix(0, 0)
	b := New(100, 50)
	b.now = func() time.Time { return fixed }
	b.Push(1, []byte("a"))

	fixed = fixed.Add(200 * time.Millisecond)
	b.CleanupOld()

	if b.Len() != 0 {
		t.Fatalf("len after cleanup = %d, want 0", b.Len())
	}
	if st := b.Stats(); st.Lost != 1 {
		t.Fatalf("lost count after cleanup = %d, want 1", st.Lost)
	}
}

func TestIsReadyReflectsTargetDepth(t *testing.T) {
	b := New(60, 200)
	if b.IsReady() {
		t.Fatal("empty buffer should not be ready")
	}
	b.Push(0, []byte("a"))
	b.Push(1, []byte("b"))
	b.Push(2, []byte("c"))
	if !b.IsReady() {
		t.Fatal("buffer holding 3 frames at 20ms each should meet a 60ms target")
	}
}
