package lib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestWindow(n, size int, fragLen uint32) *slidingWindow {
	frames := make([][]byte, n)
	ends := make([]uint32, n)
	for i := range frames {
		frames[i] = []byte{byte(i)}
		ends[i] = uint32(i+1) * fragLen
	}
	return newSlidingWindow(frames, ends, size)
}

func TestWindowNeverExceedsSize(t *testing.T) {
	w := newTestWindow(10, 4, 5)
	now := time.Now()

	assert.Equal(t, []int{0, 1, 2, 3}, w.sendable())
	for _, i := range w.sendable() {
		w.markSent(i, now)
	}
	assert.Empty(t, w.sendable())
	assert.Equal(t, 4, w.inFlight())

	// cumulative ACK covering two fragments opens two slots
	assert.Equal(t, 2, w.acknowledge(10, now))
	assert.Equal(t, []int{4, 5}, w.sendable())

	// stale ACK does not move base backwards
	assert.Equal(t, 0, w.acknowledge(5, now))
	assert.Equal(t, 2, w.base)
}

func TestWindowAcknowledgeOnlySent(t *testing.T) {
	w := newTestWindow(6, 2, 4)
	now := time.Now()
	for _, i := range w.sendable() {
		w.markSent(i, now)
	}
	// an ACK past unsent fragments only releases what was sent
	assert.Equal(t, 2, w.acknowledge(24, now))
	assert.False(t, w.done())
	for w.base < len(w.fragments) {
		for _, i := range w.sendable() {
			w.markSent(i, now)
		}
		w.acknowledge(24, now)
	}
	assert.True(t, w.done())
}

func TestWindowDue(t *testing.T) {
	w := newTestWindow(3, 3, 1)
	start := time.Now()
	w.markSent(0, start)
	w.markSent(1, start.Add(100*time.Millisecond))
	w.markSent(2, start.Add(200*time.Millisecond))

	timeout := 250 * time.Millisecond
	due, ok := w.nextDue(timeout)
	assert.True(t, ok)
	assert.Equal(t, start.Add(timeout), due)

	assert.Empty(t, w.due(start.Add(200*time.Millisecond), timeout))
	assert.Equal(t, []int{0}, w.due(start.Add(260*time.Millisecond), timeout))
	assert.Equal(t, []int{0, 1}, w.due(start.Add(350*time.Millisecond), timeout))

	w.markResent(0, start.Add(350*time.Millisecond))
	assert.Equal(t, 1, w.fragments[0].ResendCount)
	assert.Equal(t, []int{1}, w.due(start.Add(350*time.Millisecond), timeout))

	w.acknowledge(3, start)
	_, ok = w.nextDue(timeout)
	assert.False(t, ok)
	assert.True(t, w.done())
}

func TestWindowWrapAround(t *testing.T) {
	frames := [][]byte{{0}, {1}}
	ends := []uint32{4294967295, 3}
	w := newSlidingWindow(frames, ends, 2)
	now := time.Now()
	w.markSent(0, now)
	w.markSent(1, now)

	assert.Equal(t, 1, w.acknowledge(0, now))
	assert.Equal(t, 1, w.acknowledge(3, now))
	assert.True(t, w.done())
}

func TestWindowEmptyMessageNeedsFreshAck(t *testing.T) {
	frames := [][]byte{make([]byte, HeaderLength)}
	ends := []uint32{100}
	w := newSlidingWindow(frames, ends, 4)
	sent := time.Now()
	w.markSent(0, sent)

	// an ACK of the previous message carries the same number
	assert.Equal(t, 0, w.acknowledge(100, sent.Add(-time.Millisecond)))
	assert.False(t, w.done())

	w.markResent(0, sent.Add(time.Second))
	assert.Equal(t, 1, w.acknowledge(100, sent.Add(10*time.Millisecond)))
	assert.True(t, w.done())
}

func TestWindowPayloadFragmentIgnoresAckTime(t *testing.T) {
	w := newTestWindow(1, 1, 5)
	sent := time.Now()
	w.markSent(0, sent)
	assert.Equal(t, 1, w.acknowledge(5, sent.Add(-time.Second)))
	assert.True(t, w.done())
}
