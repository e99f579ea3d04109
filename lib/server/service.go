package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
)

// ErrKilled is returned by Run after a successful !kill.
var ErrKilled = errors.New("server killed")

// SystemUsername is the author of join, leave and notice messages.
const SystemUsername = "Server"

type pendingHandshake struct {
	serverSeq uint32
	clientSeq uint32
	started   time.Time
}

// ClientStatus describes one established connection.
type ClientStatus struct {
	Addr          string
	Username      string
	SendSeq       uint32
	RecvSeq       uint32
	DeliveryIndex int
	LastHeartbeat time.Time
}

// Server is the chat room. Every participant's messages go to one log;
// each connection pulls the entries it has not seen whenever it sends a
// heartbeat.
type Server struct {
	cfg       *config.Config
	node      *lib.Node
	commands  CommandHandler
	emoticons func(string) string

	// guards pending, private, pushing and the cursor/log pairing on join
	mu      sync.Mutex
	log     *lib.MessageLog
	pending map[string]pendingHandshake
	private map[string][]lib.MessageInfo
	pushing map[string]bool

	runCtx   context.Context
	cancel   context.CancelFunc
	killed   chan struct{}
	killOnce sync.Once
	wg       sync.WaitGroup
}

// New binds laddr. Run starts serving.
func New(cfg *config.Config, laddr *net.UDPAddr) (*Server, error) {
	node, err := lib.NewNode(cfg, cfg.Server.Username, laddr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		node:      node,
		emoticons: ReplaceEmoticons,
		log:       lib.NewMessageLog(0),
		pending:   make(map[string]pendingHandshake),
		private:   make(map[string][]lib.MessageInfo),
		pushing:   make(map[string]bool),
		runCtx:    ctx,
		cancel:    cancel,
		killed:    make(chan struct{}),
	}
	s.commands = chatCommands{s: s}
	return s, nil
}

// SetCommandHandler replaces the built-in chat commands. Call before Run.
func (s *Server) SetCommandHandler(h CommandHandler) {
	s.commands = h
}

// SetEmoticons replaces the emoticon substitution. Call before Run.
func (s *Server) SetEmoticons(f func(string) string) {
	s.emoticons = f
}

func (s *Server) Addr() *net.UDPAddr {
	return s.node.LocalAddr()
}

// Run serves until ctx is cancelled or a participant kills the server.
// On cancellation every connection is closed with FIN first.
func (s *Server) Run(ctx context.Context) error {
	s.node.Start(s)
	s.wg.Add(1)
	go s.monitorHeartbeats()
	lib.LogInfo("Chat server listening on %s", s.Addr())

	var result error
	select {
	case <-ctx.Done():
		lib.LogInfo("Server shutting down...")
		closeCtx, cancel := context.WithTimeout(context.Background(), s.closeBudget())
		s.closeAll(closeCtx)
		cancel()
	case <-s.killed:
		result = ErrKilled
	}
	s.cancel()
	s.node.Shutdown()
	s.wg.Wait()
	lib.LogInfo("All connections closed")
	return result
}

func (s *Server) closeBudget() time.Duration {
	return s.cfg.Protocol.AckWait * time.Duration(s.cfg.Retry.MaxRetries+1)
}

func (s *Server) closeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, conn := range s.node.Connections() {
		wg.Add(1)
		go func(conn *lib.Connection) {
			defer wg.Done()
			if err := s.node.Close(ctx, conn.Addr); err != nil {
				lib.LogWarning("[%s] Closing %s: %v", conn.SessionID, conn.Addr, err)
			}
		}(conn)
	}
	wg.Wait()
}

// kill pushes the shutdown notice to everyone, closes every connection and
// makes Run return ErrKilled.
func (s *Server) kill(username string) {
	notice := lib.MessageInfo{
		Username: SystemUsername,
		Time:     time.Now(),
		Text:     fmt.Sprintf("Server shutting down by %s", username),
	}
	ctx, cancel := context.WithTimeout(s.runCtx, s.closeBudget()*2)
	defer cancel()

	var wg sync.WaitGroup
	for _, conn := range s.node.Connections() {
		wg.Add(1)
		go func(conn *lib.Connection) {
			defer wg.Done()
			if err := s.node.SendMessage(ctx, conn.Addr, notice); err != nil {
				lib.LogWarning("[%s] Shutdown notice to %s: %v", conn.SessionID, conn.Addr, err)
			}
		}(conn)
	}
	wg.Wait()
	s.closeAll(ctx)
	s.killOnce.Do(func() { close(s.killed) })
}

// HandleIncoming dispatches everything the node does not route to a
// waiting sender.
func (s *Server) HandleIncoming(seg *lib.Segment, addr *net.UDPAddr) {
	switch {
	case seg.Flags.IsSyn() && !seg.Flags.IsAck():
		s.handleSyn(seg, addr)
	case seg.Flags.IsPureAck():
		s.handleHandshakeAck(seg, addr)
	case seg.Flags.IsFinAck():
		// FIN-ACK nobody waits for
	case seg.Flags.IsFin() && !seg.Flags.IsPsh():
		s.handleFin(seg, addr)
	case seg.Flags.IsPsh():
		s.handlePsh(seg, addr)
	default:
		lib.LogDebug("Ignoring %s from %s", seg, addr)
	}
}

func (s *Server) monitorHeartbeats() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Server.MonitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.expire(time.Now())
		}
	}
}

// expire drops connections silent for longer than the heartbeat timeout
// and stale half-open handshakes.
func (s *Server) expire(now time.Time) {
	timeout := s.cfg.Server.HeartbeatTimeout
	for _, conn := range s.node.Connections() {
		if now.Sub(conn.LastHeartbeat()) > timeout {
			lib.LogInfo("[%s] %s timed out", conn.SessionID, conn.Addr)
			s.removeClient(conn.Addr)
		}
	}
	s.mu.Lock()
	for key, p := range s.pending {
		if now.Sub(p.started) > timeout {
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()
}

// removeClient drops addr from the table and announces the departure.
func (s *Server) removeClient(addr *net.UDPAddr) {
	conn, ok := s.node.RemoveConnection(addr)
	if !ok {
		return
	}
	username := conn.Username()
	s.mu.Lock()
	delete(s.private, addr.String())
	s.mu.Unlock()
	lib.LogInfo("[%s] Client %s (%s) removed from server", conn.SessionID, username, addr)
	if username != "" {
		s.appendSystem(fmt.Sprintf("%s left the chat", username))
	}
}

func (s *Server) appendSystem(text string) int {
	return s.log.Append(lib.MessageInfo{Username: SystemUsername, Time: time.Now(), Text: text})
}

func (s *Server) queuePrivate(addr *net.UDPAddr, text string) {
	s.queuePrivateFrom(addr, SystemUsername, text)
}

// queuePrivateFrom holds a message for one participant until its next heartbeat.
func (s *Server) queuePrivateFrom(addr *net.UDPAddr, from, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	s.private[key] = append(s.private[key], lib.MessageInfo{Username: from, Time: time.Now(), Text: text})
}

// triggerDelivery starts a push of everything conn has not seen yet,
// unless one is already running for it.
func (s *Server) triggerDelivery(conn *lib.Connection) {
	key := conn.Addr.String()
	s.mu.Lock()
	if s.pushing[key] {
		s.mu.Unlock()
		return
	}
	s.pushing[key] = true
	s.mu.Unlock()

	go s.deliver(conn)
}

func (s *Server) deliver(conn *lib.Connection) {
	key := conn.Addr.String()
	for {
		s.mu.Lock()
		var (
			next      lib.MessageInfo
			isPrivate bool
		)
		idx := conn.DeliveryIndex()
		if queue := s.private[key]; len(queue) > 0 {
			next, isPrivate = queue[0], true
		} else if pending := s.log.Since(idx); len(pending) > 0 {
			next = pending[0]
		} else {
			delete(s.pushing, key)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.node.SendMessage(s.runCtx, conn.Addr, next); err != nil {
			lib.LogDebug("[%s] Delivery to %s stopped: %v", conn.SessionID, conn.Addr, err)
			s.mu.Lock()
			delete(s.pushing, key)
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if isPrivate {
			if queue := s.private[key]; len(queue) > 0 {
				s.private[key] = queue[1:]
			}
		} else {
			conn.SetDeliveryIndex(idx + 1)
		}
		s.mu.Unlock()
	}
}

// Messages returns the whole message log.
func (s *Server) Messages() []lib.MessageInfo {
	return s.log.All()
}

// Status lists the established connections ordered by address.
func (s *Server) Status() []ClientStatus {
	conns := s.node.Connections()
	status := make([]ClientStatus, 0, len(conns))
	for _, c := range conns {
		status = append(status, ClientStatus{
			Addr:          c.Addr.String(),
			Username:      c.Username(),
			SendSeq:       c.SendSeq(),
			RecvSeq:       c.RecvSeq(),
			DeliveryIndex: c.DeliveryIndex(),
			LastHeartbeat: c.LastHeartbeat(),
		})
	}
	sort.Slice(status, func(i, j int) bool {
		return status[i].Addr < status[j].Addr
	})
	return status
}
