package lib

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage(t *testing.T) {
	segs, err := SplitMessage("alice", "hello world", 100, 7, 5)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	expected := []struct {
		seq     uint32
		payload string
		flags   Flags
	}{
		{100, "hello", PSHFlag},
		{105, " worl", PSHFlag},
		{110, "d", PSHFlag | FINFlag},
	}
	for i, e := range expected {
		assert.Equal(t, e.seq, segs[i].SeqNumber)
		assert.Equal(t, uint32(7), segs[i].AckNumber)
		assert.Equal(t, e.payload, string(segs[i].Payload))
		assert.Equal(t, e.flags, segs[i].Flags)
		assert.Equal(t, "alice", segs[i].Username)
	}
}

func TestSplitMessageEdgeCases(t *testing.T) {
	segs, err := SplitMessage("a", "", 9, 0, 64)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, PSHFlag|FINFlag, segs[0].Flags)
	assert.Empty(t, segs[0].Payload)

	segs, err = SplitMessage("a", strings.Repeat("x", 128), 0, 0, 64)
	require.NoError(t, err)
	assert.Len(t, segs, 2)

	segs, err = SplitMessage("a", "abc", 4294967294, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4294967294, 4294967295, 0}, []uint32{segs[0].SeqNumber, segs[1].SeqNumber, segs[2].SeqNumber})

	_, err = SplitMessage("a", "abc", 0, 0, 0)
	assert.Error(t, err)
	_, err = SplitMessage("a", "abc", 0, 0, 65)
	assert.Error(t, err)
}

func TestReassembleInOrder(t *testing.T) {
	segs, err := SplitMessage("bob", "hello world", 1000, 0, 5)
	require.NoError(t, err)

	r := NewReassembler(1000)
	var got []MessageInfo
	for _, s := range segs {
		ack, msgs, dup := r.Accept(s)
		assert.False(t, dup)
		assert.Equal(t, s.End(), ack)
		got = append(got, msgs...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "hello world", got[0].Text)
	assert.Equal(t, "bob", got[0].Username)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleAnyOrder(t *testing.T) {
	message := "Ünïcødé 😊 survives byte level fragmentation across many small chunks"
	for _, size := range []int{1, 3, 5, 7, 64} {
		segs, err := SplitMessage("carol", message, 4294967200, 0, size)
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(int64(size)))
		rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

		r := NewReassembler(4294967200)
		var got []MessageInfo
		for _, s := range segs {
			_, msgs, _ := r.Accept(s)
			got = append(got, msgs...)
		}
		require.Len(t, got, 1, "payload size %d", size)
		assert.Equal(t, message, got[0].Text)
	}
}

func TestReassembleDuplicates(t *testing.T) {
	segs, err := SplitMessage("dave", "abcdefghij", 0, 0, 4)
	require.NoError(t, err)
	r := NewReassembler(0)

	ack, msgs, dup := r.Accept(segs[1])
	assert.False(t, dup)
	assert.Equal(t, uint32(0), ack)
	assert.Empty(t, msgs)

	// same out-of-order fragment again: same ACK, nothing new buffered
	ack, _, dup = r.Accept(segs[1])
	assert.True(t, dup)
	assert.Equal(t, uint32(0), ack)
	assert.Equal(t, 1, r.Pending())

	ack, _, dup = r.Accept(segs[0])
	assert.False(t, dup)
	assert.Equal(t, uint32(8), ack)

	ack, _, dup = r.Accept(segs[0])
	assert.True(t, dup)
	assert.Equal(t, uint32(8), ack)

	ack, msgs, _ = r.Accept(segs[2])
	assert.Equal(t, uint32(10), ack)
	require.Len(t, msgs, 1)
	assert.Equal(t, "abcdefghij", msgs[0].Text)

	// the FIN fragment resent after delivery produces nothing
	ack, msgs, dup = r.Accept(segs[2])
	assert.True(t, dup)
	assert.Equal(t, uint32(10), ack)
	assert.Empty(t, msgs)
}

func TestReassembleEmptyMessage(t *testing.T) {
	r := NewReassembler(50)
	segs, err := SplitMessage("eve", "", 50, 0, 64)
	require.NoError(t, err)

	ack, msgs, dup := r.Accept(segs[0])
	assert.False(t, dup)
	assert.Equal(t, uint32(50), ack)
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].Text)

	_, msgs, dup = r.Accept(segs[0])
	assert.True(t, dup)
	assert.Empty(t, msgs)

	next, err := SplitMessage("eve", "hi", 50, 0, 64)
	require.NoError(t, err)
	ack, msgs, _ = r.Accept(next[0])
	assert.Equal(t, uint32(52), ack)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestReassembleConsecutiveMessages(t *testing.T) {
	first, err := SplitMessage("f", "one", 0, 0, 2)
	require.NoError(t, err)
	second, err := SplitMessage("f", "two", 3, 0, 2)
	require.NoError(t, err)

	r := NewReassembler(0)
	var got []string
	for _, s := range append(first, second...) {
		_, msgs, _ := r.Accept(s)
		for _, m := range msgs {
			got = append(got, m.Text)
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)
}
