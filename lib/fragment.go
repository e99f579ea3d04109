package lib

import (
	"fmt"
	"time"
)

// SplitMessage cuts message into PSH fragments of at most payloadSize bytes.
// The last fragment also carries FIN. Each fragment's seq is the previous
// one's seq plus its length, so the first starts at seq.
func SplitMessage(username, message string, seq, ack uint32, payloadSize int) ([]*Segment, error) {
	if payloadSize < 1 || payloadSize > MaxPayloadSize {
		return nil, fmt.Errorf("payload size %d outside 1..%d", payloadSize, MaxPayloadSize)
	}
	data := []byte(message)
	if len(data) == 0 {
		seg, err := NewSegment(0, 0, seq, ack, PSHFlag|FINFlag, username, nil)
		if err != nil {
			return nil, err
		}
		return []*Segment{seg}, nil
	}

	segments := make([]*Segment, 0, (len(data)+payloadSize-1)/payloadSize)
	for offset := 0; offset < len(data); offset += payloadSize {
		end := min(offset+payloadSize, len(data))
		flags := PSHFlag
		if end == len(data) {
			flags |= FINFlag
		}
		seg, err := NewSegment(0, 0, SeqIncrementBy(seq, uint32(offset)), ack, flags, username, data[offset:end])
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

type bufferedFragment struct {
	payload  []byte
	fin      bool
	username string
}

// Reassembler buffers data fragments by sequence number and rebuilds
// messages once every fragment up to a FIN fragment is present.
type Reassembler struct {
	next     uint32 // next expected byte
	partial  []byte // contiguous bytes of the message in progress
	buffered map[uint32]bufferedFragment

	// an empty message does not advance next, so remember where the last one was consumed
	emptyAt   uint32
	haveEmpty bool
}

func NewReassembler(next uint32) *Reassembler {
	return &Reassembler{
		next:     next,
		buffered: make(map[uint32]bufferedFragment),
	}
}

// Next is the cumulative acknowledgement number.
func (r *Reassembler) Next() uint32 {
	return r.next
}

func (r *Reassembler) isDuplicate(seg *Segment) bool {
	if isLess(seg.SeqNumber, r.next) {
		return true
	}
	if _, ok := r.buffered[seg.SeqNumber]; ok {
		return true
	}
	return len(seg.Payload) == 0 && r.haveEmpty && r.emptyAt == seg.SeqNumber
}

// Accept stores a data fragment and returns the cumulative ACK number,
// any messages completed by it, and whether it was a duplicate.
// Duplicates are acknowledged with the same number and not buffered again.
func (r *Reassembler) Accept(seg *Segment) (uint32, []MessageInfo, bool) {
	if r.isDuplicate(seg) {
		return r.next, nil, true
	}
	r.buffered[seg.SeqNumber] = bufferedFragment{
		payload:  append([]byte(nil), seg.Payload...),
		fin:      seg.Flags.IsFin(),
		username: seg.Username,
	}

	var messages []MessageInfo
	for {
		frag, ok := r.buffered[r.next]
		if !ok {
			break
		}
		delete(r.buffered, r.next)
		if len(frag.payload) == 0 {
			r.emptyAt, r.haveEmpty = r.next, true
		} else {
			r.haveEmpty = false
		}
		r.partial = append(r.partial, frag.payload...)
		r.next = SeqIncrementBy(r.next, uint32(len(frag.payload)))
		if frag.fin {
			messages = append(messages, MessageInfo{
				Username: frag.username,
				Time:     time.Now(),
				Text:     string(r.partial),
			})
			r.partial = nil
		}
		if len(frag.payload) == 0 {
			break
		}
	}
	return r.next, messages, false
}

// Pending is the number of out-of-order fragments held.
func (r *Reassembler) Pending() int {
	return len(r.buffered)
}
