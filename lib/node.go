package lib

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
	"golang.org/x/net/ipv4"
)

// Handler receives every segment the Node does not consume itself. Calls
// are serialized on one goroutine. The segment is released after the call
// returns, so handlers must copy anything they keep.
type Handler interface {
	HandleIncoming(seg *Segment, addr *net.UDPAddr)
}

type HandlerFunc func(seg *Segment, addr *net.UDPAddr)

func (f HandlerFunc) HandleIncoming(seg *Segment, addr *net.UDPAddr) {
	f(seg, addr)
}

type inboundSegment struct {
	seg  *Segment
	addr *net.UDPAddr
}

// Node owns one UDP socket and the connection table. A single reader
// goroutine decodes every datagram and either routes acknowledgements to
// the sender waiting for them or queues the segment for the handler.
type Node struct {
	conn    *net.UDPConn
	cfg     config.ProtocolConfig
	retry   RetryPolicy
	readBuf []byte

	mu       sync.Mutex
	username string
	conns    map[string]*Connection

	handler     Handler
	inbound     chan inboundSegment
	closeSignal chan struct{}
	closeOnce   sync.Once
	startOnce   sync.Once
	wg          sync.WaitGroup
}

// NewNode binds laddr. Start must be called before traffic is processed.
func NewNode(cfg *config.Config, username string, laddr *net.UDPAddr) (*Node, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", laddr, err)
	}
	return NewNodeWithConn(cfg, username, conn), nil
}

// NewNodeWithConn wraps an already bound socket.
func NewNodeWithConn(cfg *config.Config, username string, conn *net.UDPConn) *Node {
	InitPayloadPool(cfg.Pool)
	n := &Node{
		conn:        conn,
		cfg:         cfg.Protocol,
		retry:       NewRetryPolicy(cfg.Retry),
		readBuf:     make([]byte, MaxFrameLength+1),
		username:    truncateUsername(username),
		conns:       make(map[string]*Connection),
		inbound:     make(chan inboundSegment, cfg.Protocol.InboundQueue),
		closeSignal: make(chan struct{}),
	}
	if cfg.Protocol.TOS > 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(cfg.Protocol.TOS); err != nil {
			LogWarning("Setting TOS %#x on %s: %v", cfg.Protocol.TOS, conn.LocalAddr(), err)
		}
	}
	return n
}

// Start launches the reader and handler goroutines.
func (n *Node) Start(h Handler) {
	n.startOnce.Do(func() {
		n.handler = h
		n.wg.Add(2)
		go n.readLoop()
		go n.handleLoop()
	})
}

func (n *Node) LocalAddr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

func (n *Node) Username() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.username
}

func (n *Node) SetUsername(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.username = truncateUsername(name)
}

func (n *Node) Config() config.ProtocolConfig {
	return n.cfg
}

// AddConnection installs an established connection, replacing any previous one for addr.
func (n *Node) AddConnection(addr *net.UDPAddr, sendSeq, recvSeq uint32) *Connection {
	c := NewConnection(addr, sendSeq, recvSeq)
	n.mu.Lock()
	old := n.conns[c.key()]
	n.conns[c.key()] = c
	n.mu.Unlock()
	if old != nil {
		old.markClosed()
	}
	LogDebug("[%s] Connection to %s established (send=%d recv=%d)", c.SessionID, addr, sendSeq, recvSeq)
	return c
}

func (n *Node) Connection(addr *net.UDPAddr) (*Connection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[addr.String()]
	return c, ok
}

// RemoveConnection deletes addr from the table. Only the caller that
// actually removed it gets ok == true.
func (n *Node) RemoveConnection(addr *net.UDPAddr) (*Connection, bool) {
	n.mu.Lock()
	c, ok := n.conns[addr.String()]
	if ok {
		delete(n.conns, addr.String())
	}
	n.mu.Unlock()
	if ok {
		c.markClosed()
	}
	return c, ok
}

// removeIf deletes c only if it is still the table entry for its address.
func (n *Node) removeIf(c *Connection) bool {
	n.mu.Lock()
	cur, ok := n.conns[c.key()]
	if ok && cur == c {
		delete(n.conns, c.key())
	}
	n.mu.Unlock()
	c.markClosed()
	return ok && cur == c
}

func (n *Node) Connections() []*Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	return conns
}

// SendSegment stamps the port fields and transmits seg to addr, whether or
// not a connection exists for it.
func (n *Node) SendSegment(seg *Segment, addr *net.UDPAddr) error {
	seg.SetPorts(uint16(n.LocalAddr().Port), uint16(addr.Port))
	frame, err := Encode(seg)
	if err != nil {
		return err
	}
	LogDebug("-> %s %s", addr, seg)
	return n.writeFrame(frame, addr)
}

func (n *Node) writeFrame(frame []byte, addr *net.UDPAddr) error {
	if n.cfg.LossRate > 0 && rand.Float64() < n.cfg.LossRate {
		LogDebug("Simulated loss of %d bytes to %s", len(frame), addr)
		return nil
	}
	if _, err := n.conn.WriteToUDP(frame, addr); err != nil {
		if n.isClosed() {
			return ErrNodeClosed
		}
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// Acknowledge sends a pure ACK carrying ack on c.
func (n *Node) Acknowledge(c *Connection, ack uint32) error {
	return n.SendSegment(AckSegment(n.Username(), c.SendSeq(), ack), c.Addr)
}

// RecvWithTimeout reads one datagram. It returns ErrNoData when nothing
// arrived within timeout. Only the reader goroutine calls it once the
// Node is started.
func (n *Node) RecvWithTimeout(timeout time.Duration) (*Segment, *net.UDPAddr, bool, error) {
	if err := n.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, false, n.readError(err)
	}
	length, addr, err := n.conn.ReadFromUDP(n.readBuf)
	if err != nil {
		return nil, nil, false, n.readError(err)
	}
	frame := n.readBuf[:length]
	seg, valid, err := Decode(frame)
	if err != nil {
		return nil, addr, false, err
	}
	seg.attachPayload(seg.Payload)
	seg.contents = nil
	seg.received = time.Now()
	return seg, addr, valid, nil
}

func (n *Node) readError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrNoData
	}
	if errors.Is(err, net.ErrClosed) || n.isClosed() {
		return ErrNodeClosed
	}
	return err
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.closeSignal:
			return
		default:
		}
		seg, addr, valid, err := n.RecvWithTimeout(n.cfg.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoData):
			continue
		case errors.Is(err, ErrNodeClosed):
			return
		case errors.Is(err, ErrMalformedFrame):
			LogDebug("Dropping frame from %s: %v", addr, err)
			continue
		default:
			LogWarning("Read error: %v", err)
			continue
		}
		if !valid {
			LogDebug("Dropping segment from %s with bad checksum", addr)
			seg.Release()
			continue
		}
		LogDebug("<- %s %s", addr, seg)
		n.dispatch(seg, addr)
	}
}

func (n *Node) dispatch(seg *Segment, addr *net.UDPAddr) {
	if seg.Flags.IsPureAck() || seg.Flags.IsFinAck() {
		if c, ok := n.Connection(addr); ok {
			c.Touch()
			if c.deliverAck(seg) {
				return
			}
			if seg.Flags.IsPureAck() {
				LogDebug("Stale ACK %d from %s", seg.AckNumber, addr)
				return
			}
		}
	}
	select {
	case n.inbound <- inboundSegment{seg: seg, addr: addr}:
	default:
		LogWarning("Inbound queue full, dropping %s from %s", seg, addr)
		seg.Release()
	}
}

func (n *Node) handleLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.closeSignal:
			return
		case in := <-n.inbound:
			if n.handler != nil {
				n.handler.HandleIncoming(in.seg, in.addr)
			}
			in.seg.Release()
		}
	}
}

// SendMessage delivers msg to the peer at addr with a sliding window of
// Protocol.WindowSize fragments and fixed-timeout retransmission. It
// returns once every fragment is acknowledged.
func (n *Node) SendMessage(ctx context.Context, addr *net.UDPAddr, msg MessageInfo) error {
	c, ok := n.Connection(addr)
	if !ok {
		return fmt.Errorf("send to %s: %w", addr, ErrNoConnection)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	startSeq := c.SendSeq()
	fragments, err := SplitMessage(msg.Username, msg.Text, startSeq, c.RecvSeq(), n.cfg.PayloadSize)
	if err != nil {
		return err
	}
	frames := make([][]byte, len(fragments))
	ends := make([]uint32, len(fragments))
	for i, frag := range fragments {
		frag.SetPorts(uint16(n.LocalAddr().Port), uint16(addr.Port))
		if frames[i], err = Encode(frag); err != nil {
			return err
		}
		ends[i] = frag.End()
	}

	drain(c.ackChan)
	c.waitingAck.Store(true)
	defer c.waitingAck.Store(false)

	w := newSlidingWindow(frames, ends, n.cfg.WindowSize)
	timer := time.NewTimer(n.cfg.AckWait)
	defer timer.Stop()

	for !w.done() {
		now := time.Now()
		for _, i := range w.sendable() {
			if err := n.writeFrame(frames[i], addr); err != nil {
				return err
			}
			w.markSent(i, now)
		}

		wait := n.cfg.AckWait
		if due, ok := w.nextDue(n.cfg.RetransmitTimeout); ok {
			wait = min(wait, max(time.Until(due), 0))
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closeSignal:
			return ErrNodeClosed
		case <-c.Done():
			return fmt.Errorf("send to %s: %w", addr, ErrNoConnection)
		case ack := <-c.ackChan:
			if released := w.acknowledge(ack.AckNumber, ack.received); released > 0 {
				LogDebug("[%s] ACK %d released %d fragment(s), %d in flight", c.SessionID, ack.AckNumber, released, w.inFlight())
			}
		case <-timer.C:
		}

		now = time.Now()
		for _, i := range w.due(now, n.cfg.RetransmitTimeout) {
			if n.cfg.MaxRetransmits > 0 && w.fragments[i].ResendCount >= n.cfg.MaxRetransmits {
				return fmt.Errorf("fragment %d/%d to %s: %w", i+1, len(frames), addr, ErrSendTimedOut)
			}
			LogDebug("[%s] Retransmitting fragment %d/%d", c.SessionID, i+1, len(frames))
			if err := n.writeFrame(frames[i], addr); err != nil {
				return err
			}
			w.markResent(i, now)
		}
	}

	c.SetSendSeq(ends[len(ends)-1])
	return nil
}

// Close tears down the connection to addr: FIN, then wait for FIN-ACK,
// resending FIN up to the retry limit. The connection is removed from the
// table either way.
func (n *Node) Close(ctx context.Context, addr *net.UDPAddr) error {
	c, ok := n.Connection(addr)
	if !ok {
		return fmt.Errorf("close %s: %w", addr, ErrNoConnection)
	}
	c.setState(StateClosing)
	drain(c.finAckChan)
	c.waitingFin.Store(true)
	defer c.waitingFin.Store(false)
	defer n.removeIf(c)

	for attempt := 0; attempt < max(n.retry.MaxRetries, 1); attempt++ {
		fin := FinSegment(n.Username(), c.SendSeq(), c.RecvSeq())
		if err := n.SendSegment(fin, addr); err != nil {
			return err
		}
		timer := time.NewTimer(n.cfg.AckWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-n.closeSignal:
			timer.Stop()
			return ErrNodeClosed
		case <-c.finAckChan:
			timer.Stop()
			LogInfo("[%s] Connection to %s closed", c.SessionID, addr)
			return nil
		case <-timer.C:
			LogDebug("[%s] No FIN-ACK from %s (attempt %d)", c.SessionID, addr, attempt+1)
		}
	}
	LogWarning("[%s] Giving up closing %s", c.SessionID, addr)
	return fmt.Errorf("close %s after %d attempts: %w", addr, n.retry.MaxRetries, ErrCloseTimedOut)
}

func (n *Node) isClosed() bool {
	select {
	case <-n.closeSignal:
		return true
	default:
		return false
	}
}

// Shutdown stops the goroutines, closes the socket and marks every
// connection closed. It does not notify peers.
func (n *Node) Shutdown() {
	n.closeOnce.Do(func() {
		close(n.closeSignal)
		n.conn.Close()
		n.wg.Wait()
		for _, c := range n.Connections() {
			n.removeIf(c)
		}
	})
}

// Closed is closed once Shutdown starts.
func (n *Node) Closed() <-chan struct{} {
	return n.closeSignal
}
