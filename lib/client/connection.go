package client

import (
	"net"
	"strings"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
)

// HandleIncoming is the listener for segments from the server.
func (c *Client) HandleIncoming(seg *lib.Segment, addr *net.UDPAddr) {
	if addr.String() != c.serverAddr.String() {
		lib.LogDebug("Ignoring %s from unknown peer %s", seg, addr)
		return
	}
	switch {
	case seg.Flags.IsSynAck():
		if c.connecting.Load() {
			select {
			case c.synAck <- seg:
			default:
			}
			return
		}
		c.reacknowledge(seg)
	case seg.Flags.IsFinAck():
		// late FIN-ACK after our own Close gave up
	case seg.Flags.IsFin() && !seg.Flags.IsPsh():
		c.handleFin(seg)
	case seg.Flags.IsPsh():
		if seg.IsHeartbeat() {
			return
		}
		c.handleData(seg)
	}
}

func (c *Client) handleFin(seg *lib.Segment) {
	var sendSeq uint32
	if conn := c.connection(); conn != nil {
		sendSeq = conn.SendSeq()
	}
	finAck := lib.FinAckSegment(c.node.Username(), sendSeq, lib.SeqIncrement(seg.SeqNumber))
	if err := c.node.SendSegment(finAck, c.serverAddr); err != nil {
		lib.LogWarning("Sending FIN-ACK: %v", err)
	}
	if conn, ok := c.node.RemoveConnection(c.serverAddr); ok {
		lib.LogInfo("[%s] Server closed the connection", conn.SessionID)
	}
}

func (c *Client) handleData(seg *lib.Segment) {
	conn, ok := c.node.Connection(c.serverAddr)
	if !ok {
		lib.LogDebug("Data from %s without a connection", c.serverAddr)
		return
	}
	ack, msgs, dup := conn.Receive(seg)
	if dup {
		lib.LogDebug("[%s] Duplicate fragment seq=%d", conn.SessionID, seg.SeqNumber)
	}
	if err := c.node.Acknowledge(conn, ack); err != nil {
		lib.LogWarning("[%s] ACK %d: %v", conn.SessionID, ack, err)
	}
	for _, m := range msgs {
		c.history.Append(m)
		select {
		case c.messages <- m:
		default:
			lib.LogDebug("Message channel full, %q kept in history only", m.Text)
		}
		if strings.HasPrefix(m.Text, ShutdownNotice) {
			lib.LogInfo("[%s] %s", conn.SessionID, m.Text)
			c.node.RemoveConnection(c.serverAddr)
		}
	}
}

// reacknowledge answers a repeated SYN-ACK for the current connection: the
// server never saw our handshake ACK.
func (c *Client) reacknowledge(seg *lib.Segment) {
	conn := c.connection()
	if conn == nil || lib.SeqIncrement(seg.SeqNumber) != conn.RecvSeq() {
		return
	}
	ack := lib.AckSegment(c.node.Username(), conn.SendSeq(), conn.RecvSeq())
	if err := c.node.SendSegment(ack, c.serverAddr); err != nil {
		lib.LogWarning("[%s] Handshake ACK to %s: %v", conn.SessionID, c.serverAddr, err)
		return
	}
	lib.LogDebug("[%s] Repeated SYN-ACK, handshake ACK sent again", conn.SessionID)
}
