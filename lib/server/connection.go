package server

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
)

// handleSyn answers a connection request with SYN-ACK. A repeated SYN from
// a half-open peer gets the same SYN-ACK again.
func (s *Server) handleSyn(seg *lib.Segment, addr *net.UDPAddr) {
	if _, ok := s.node.Connection(addr); ok {
		lib.LogDebug("SYN from established peer %s ignored", addr)
		return
	}
	key := addr.String()

	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.clientSeq != seg.SeqNumber {
		isn, err := lib.GenerateISN()
		if err != nil {
			s.mu.Unlock()
			lib.LogError("Generating ISN: %v", err)
			return
		}
		p = pendingHandshake{serverSeq: isn, clientSeq: seg.SeqNumber, started: time.Now()}
		s.pending[key] = p
	}
	s.mu.Unlock()

	synAck := lib.SynAckSegment(s.node.Username(), p.serverSeq, lib.SeqIncrement(p.clientSeq))
	if err := s.node.SendSegment(synAck, addr); err != nil {
		lib.LogWarning("SYN-ACK to %s: %v", addr, err)
		return
	}
	lib.LogDebug("SYN-ACK sent to %s (seq=%d ack=%d)", addr, p.serverSeq, lib.SeqIncrement(p.clientSeq))
}

// handleHandshakeAck completes a pending handshake. The new participant
// starts receiving at its own join notice.
func (s *Server) handleHandshakeAck(seg *lib.Segment, addr *net.UDPAddr) {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if !ok || len(seg.Payload) > 0 {
		return
	}
	if seg.AckNumber != lib.SeqIncrement(p.serverSeq) {
		lib.LogDebug("Handshake ACK from %s acknowledges %d, expected %d", addr, seg.AckNumber, lib.SeqIncrement(p.serverSeq))
		return
	}
	delete(s.pending, key)

	conn := s.node.AddConnection(addr, lib.SeqIncrement(p.serverSeq), lib.SeqIncrement(p.clientSeq))
	conn.SetUsername(seg.Username)
	joined := s.log.Append(lib.MessageInfo{
		Username: SystemUsername,
		Time:     time.Now(),
		Text:     fmt.Sprintf("%s joined!", seg.Username),
	})
	conn.SetDeliveryIndex(joined)
	lib.LogInfo("[%s] %s (%s) connected", conn.SessionID, seg.Username, addr)
}

// handleFin acknowledges a teardown request, known peer or not.
func (s *Server) handleFin(seg *lib.Segment, addr *net.UDPAddr) {
	var sendSeq uint32
	if conn, ok := s.node.Connection(addr); ok {
		sendSeq = conn.SendSeq()
	}
	finAck := lib.FinAckSegment(s.node.Username(), sendSeq, lib.SeqIncrement(seg.SeqNumber))
	if err := s.node.SendSegment(finAck, addr); err != nil {
		lib.LogWarning("FIN-ACK to %s: %v", addr, err)
	}
	s.removeClient(addr)
}

func (s *Server) handlePsh(seg *lib.Segment, addr *net.UDPAddr) {
	conn, ok := s.node.Connection(addr)
	if !ok {
		s.resendSynAck(addr)
		return
	}
	conn.Touch()
	if seg.IsHeartbeat() {
		s.triggerDelivery(conn)
		return
	}

	ack, msgs, dup := conn.Receive(seg)
	if dup {
		lib.LogDebug("[%s] Duplicate fragment seq=%d, re-acknowledging %d", conn.SessionID, seg.SeqNumber, ack)
	}
	if err := s.node.Acknowledge(conn, ack); err != nil {
		lib.LogWarning("[%s] ACK to %s: %v", conn.SessionID, addr, err)
	}
	for _, m := range msgs {
		s.handleMessage(conn, m)
	}
}

// resendSynAck answers data from a half-open peer whose handshake ACK was
// lost. The repeated SYN-ACK makes the peer acknowledge again.
func (s *Server) resendSynAck(addr *net.UDPAddr) {
	s.mu.Lock()
	p, ok := s.pending[addr.String()]
	s.mu.Unlock()
	if !ok {
		lib.LogWarning("Received data from unknown client %s, ignoring", addr)
		return
	}
	synAck := lib.SynAckSegment(s.node.Username(), p.serverSeq, lib.SeqIncrement(p.clientSeq))
	if err := s.node.SendSegment(synAck, addr); err != nil {
		lib.LogWarning("SYN-ACK to %s: %v", addr, err)
		return
	}
	lib.LogDebug("Data from half-open %s, SYN-ACK sent again", addr)
}

// handleMessage applies emoticons, then either runs a command or logs the
// line for everyone.
func (s *Server) handleMessage(conn *lib.Connection, m lib.MessageInfo) {
	username := conn.Username()
	text := s.emoticons(m.Text)
	lib.LogInfo("[%s] Full message from %s: %s", conn.SessionID, username, text)

	if strings.HasPrefix(text, "!") && s.commands != nil && s.commands.HandleCommand(conn.Addr, username, text) {
		return
	}
	s.log.Append(lib.MessageInfo{Username: username, Time: m.Time, Text: text})
}
