package lib

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const ackChanSize = 64

// Connection is the per-peer record kept in a Node's connection table.
type Connection struct {
	Addr      *net.UDPAddr
	SessionID uuid.UUID // only used to correlate log lines

	mu            sync.Mutex
	state         int
	username      string
	sendSeq       uint32
	lastHeartbeat time.Time
	deliveryIndex int
	reassembler   *Reassembler

	sendMu     sync.Mutex // one SendMessage at a time
	ackChan    chan *Segment
	finAckChan chan *Segment
	waitingAck atomic.Bool
	waitingFin atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
}

// NewConnection creates an established connection. sendSeq is the next
// sequence number to send and recvSeq the next one expected from the peer.
func NewConnection(addr *net.UDPAddr, sendSeq, recvSeq uint32) *Connection {
	return &Connection{
		Addr:          addr,
		SessionID:     uuid.New(),
		state:         StateEstablished,
		sendSeq:       sendSeq,
		lastHeartbeat: time.Now(),
		reassembler:   NewReassembler(recvSeq),
		ackChan:       make(chan *Segment, ackChanSize),
		finAckChan:    make(chan *Segment, 1),
		done:          make(chan struct{}),
	}
}

func (c *Connection) key() string {
	return c.Addr.String()
}

func (c *Connection) SendSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendSeq
}

func (c *Connection) SetSendSeq(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendSeq = seq
}

// RecvSeq is the next byte expected from the peer.
func (c *Connection) RecvSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reassembler.Next()
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// DeliveryIndex is the first message log index not yet delivered to the peer.
func (c *Connection) DeliveryIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveryIndex
}

func (c *Connection) SetDeliveryIndex(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveryIndex = idx
}

func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Connection) SetUsername(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = name
}

func (c *Connection) State() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(state int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Receive feeds a data fragment to the reassembler. See Reassembler.Accept.
func (c *Connection) Receive(seg *Segment) (uint32, []MessageInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reassembler.Accept(seg)
}

// Done is closed once the connection leaves the table.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) markClosed() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
	})
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// deliverAck hands an acknowledgement to a waiting sender. It reports false
// when nobody waits for this kind of segment.
func (c *Connection) deliverAck(seg *Segment) bool {
	var ch chan *Segment
	switch {
	case seg.Flags.IsFinAck() && c.waitingFin.Load():
		ch = c.finAckChan
	case seg.Flags.IsPureAck() && c.waitingAck.Load():
		ch = c.ackChan
	default:
		return false
	}
	select {
	case ch <- seg:
	default:
		LogDebug("[%s] ACK queue full, dropping %s", c.SessionID, seg)
	}
	return true
}

func drain(ch chan *Segment) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
