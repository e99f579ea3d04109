package lib

import "time"

// sentFragment represents information about a sent fragment
type sentFragment struct {
	FirstSentTime time.Time
	LastSentTime  time.Time
	ResendCount   int
	end           uint32
	frame         []byte
	empty         bool // no payload, so its end equals its seq
}

// slidingWindow tracks one message's fragments while they are in flight.
// Fragments [base, next) are sent and unacknowledged, and next never moves
// more than size fragments past base.
type slidingWindow struct {
	fragments []sentFragment
	base      int
	next      int
	size      int
}

func newSlidingWindow(frames [][]byte, ends []uint32, size int) *slidingWindow {
	w := &slidingWindow{
		fragments: make([]sentFragment, len(frames)),
		size:      size,
	}
	for i := range frames {
		w.fragments[i] = sentFragment{frame: frames[i], end: ends[i], empty: len(frames[i]) == HeaderLength}
	}
	return w
}

func (w *slidingWindow) done() bool {
	return w.base >= len(w.fragments)
}

// sendable returns the indexes that may be sent for the first time.
func (w *slidingWindow) sendable() []int {
	limit := min(w.base+w.size, len(w.fragments))
	var idx []int
	for i := w.next; i < limit; i++ {
		idx = append(idx, i)
	}
	return idx
}

func (w *slidingWindow) markSent(i int, now time.Time) {
	w.fragments[i].FirstSentTime = now
	w.fragments[i].LastSentTime = now
	if i >= w.next {
		w.next = i + 1
	}
}

func (w *slidingWindow) markResent(i int, now time.Time) {
	w.fragments[i].LastSentTime = now
	w.fragments[i].ResendCount++
}

// acknowledge slides base past every fragment ending at or before ack and
// reports how many fragments were released. An empty fragment ends where
// it starts, so an ACK of the previous message matches it too: it is only
// released by an ACK received after it was first sent.
func (w *slidingWindow) acknowledge(ack uint32, received time.Time) int {
	released := 0
	for w.base < w.next && isLessOrEqual(w.fragments[w.base].end, ack) {
		f := w.fragments[w.base]
		if f.empty && f.end == ack && received.Before(f.FirstSentTime) {
			break
		}
		w.base++
		released++
	}
	return released
}

// due returns in-flight fragments last sent at least timeout ago.
func (w *slidingWindow) due(now time.Time, timeout time.Duration) []int {
	var idx []int
	for i := w.base; i < w.next; i++ {
		if now.Sub(w.fragments[i].LastSentTime) >= timeout {
			idx = append(idx, i)
		}
	}
	return idx
}

// nextDue is when the oldest in-flight fragment must be resent.
func (w *slidingWindow) nextDue(timeout time.Duration) (time.Time, bool) {
	var earliest time.Time
	found := false
	for i := w.base; i < w.next; i++ {
		t := w.fragments[i].LastSentTime.Add(timeout)
		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}
	return earliest, found
}

func (w *slidingWindow) inFlight() int {
	return w.next - w.base
}
