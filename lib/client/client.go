package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
)

var ErrConnectFailed = errors.New("connect failed")

// bind attempts when picking a local port from the configured range
const bindAttempts = 16

// ShutdownNotice prefixes the message a server sends before it goes away.
const ShutdownNotice = "Server shutting down"

// Client is one chat participant connected to a single server.
type Client struct {
	cfg        *config.Config
	node       *lib.Node
	serverAddr *net.UDPAddr
	retry      lib.RetryPolicy
	ports      *lib.PortPool
	port       int

	history  *lib.MessageLog
	messages chan lib.MessageInfo

	connecting atomic.Bool
	synAck     chan *lib.Segment

	mu   sync.Mutex
	conn *lib.Connection
}

// New binds the local socket and starts the node. Connect performs the handshake.
func New(cfg *config.Config, username string, serverAddr *net.UDPAddr) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		serverAddr: serverAddr,
		retry:      lib.NewRetryPolicy(cfg.Retry),
		history:    lib.NewMessageLog(cfg.Client.MessagesLimit),
		messages:   make(chan lib.MessageInfo, max(cfg.Client.MessagesLimit, 1)),
		synAck:     make(chan *lib.Segment, 1),
	}

	ip := net.ParseIP(cfg.Client.IP)
	var (
		udpConn *net.UDPConn
		err     error
	)
	switch {
	case cfg.Client.Port != 0 || (cfg.Client.PortLower == 0 && cfg.Client.PortUpper == 0):
		udpConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: cfg.Client.Port})
	default:
		c.ports = lib.NewPortPool(cfg.Client.PortLower, cfg.Client.PortUpper)
		udpConn, c.port, err = c.ports.ListenUDP(ip, bindAttempts)
	}
	if err != nil {
		return nil, fmt.Errorf("client bind: %w", err)
	}

	c.node = lib.NewNodeWithConn(cfg, username, udpConn)
	c.node.Start(c)
	return c, nil
}

// Connect runs the three-way handshake, retrying the SYN with backoff.
func (c *Client) Connect(ctx context.Context) error {
	if c.connection() != nil {
		return nil
	}
	isn, err := lib.GenerateISN()
	if err != nil {
		return err
	}

	select {
	case <-c.synAck:
	default:
	}
	c.connecting.Store(true)
	defer c.connecting.Store(false)

	var serverSeq uint32
	err = c.retry.Do(ctx, func(attempt int) error {
		lib.LogInfo("Connecting to %s (attempt %d)", c.serverAddr, attempt+1)
		if err := c.node.SendSegment(lib.SynSegment(c.node.Username(), isn), c.serverAddr); err != nil {
			return err
		}
		timer := time.NewTimer(c.cfg.Client.ConnectTimeout)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case seg := <-c.synAck:
				if seg.AckNumber != lib.SeqIncrement(isn) {
					lib.LogDebug("Ignoring SYN-ACK acknowledging %d, expected %d", seg.AckNumber, lib.SeqIncrement(isn))
					continue
				}
				serverSeq = seg.SeqNumber
				return nil
			case <-timer.C:
				return fmt.Errorf("no SYN-ACK within %v", c.cfg.Client.ConnectTimeout)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, c.serverAddr, err)
	}

	sendSeq, recvSeq := lib.SeqIncrement(isn), lib.SeqIncrement(serverSeq)
	if err := c.node.SendSegment(lib.AckSegment(c.node.Username(), sendSeq, recvSeq), c.serverAddr); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	conn := c.node.AddConnection(c.serverAddr, sendSeq, recvSeq)
	conn.SetUsername(c.node.Username())

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	lib.LogInfo("[%s] Connected to %s as %s", conn.SessionID, c.serverAddr, c.node.Username())
	go c.heartbeat(conn)
	return nil
}

func (c *Client) heartbeat(conn *lib.Connection) {
	ticker := time.NewTicker(c.cfg.Client.HeartbeatInterval)
	defer ticker.Stop()
	for {
		hb := lib.PshSegment(c.node.Username(), conn.SendSeq(), conn.RecvSeq())
		if err := c.node.SendSegment(hb, c.serverAddr); err != nil {
			lib.LogWarning("[%s] Heartbeat failed: %v", conn.SessionID, err)
			return
		}
		select {
		case <-conn.Done():
			return
		case <-c.node.Closed():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) connection() *lib.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn
}

// Done is closed when the current connection ends. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Done()
}

func (c *Client) Connected() bool {
	return c.connection() != nil
}

// Send delivers text to the server, blocking until every fragment is acknowledged.
func (c *Client) Send(ctx context.Context, text string) error {
	if c.connection() == nil {
		return fmt.Errorf("send: %w", lib.ErrNoConnection)
	}
	msg := lib.MessageInfo{Username: c.node.Username(), Time: time.Now(), Text: text}
	return c.node.SendMessage(ctx, c.serverAddr, msg)
}

func (c *Client) SendCommand(ctx context.Context, command string, args ...string) error {
	return c.Send(ctx, strings.Join(append([]string{command}, args...), " "))
}

// ChangeUsername asks the server to rename us and uses name from then on.
func (c *Client) ChangeUsername(ctx context.Context, name string) error {
	if err := c.SendCommand(ctx, "!change", name); err != nil {
		return err
	}
	c.node.SetUsername(name)
	if conn := c.connection(); conn != nil {
		conn.SetUsername(c.node.Username())
	}
	return nil
}

// SendPrivate sends text only to the participant bound to port.
func (c *Client) SendPrivate(ctx context.Context, port int, text string) error {
	return c.SendCommand(ctx, "!private", fmt.Sprint(port), text)
}

func (c *Client) Kill(ctx context.Context, password string) error {
	return c.SendCommand(ctx, "!kill", password)
}

// Disconnect announces the departure and tears the connection down.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.connection() == nil {
		return nil
	}
	if err := c.SendCommand(ctx, "!disconnect"); err != nil {
		lib.LogWarning("Sending !disconnect: %v", err)
	}
	err := c.node.Close(ctx, c.serverAddr)
	if errors.Is(err, lib.ErrNoConnection) {
		return nil
	}
	return err
}

// History returns the retained messages, oldest first.
func (c *Client) History() []lib.MessageInfo {
	return c.history.All()
}

// Messages yields each message as it is reassembled.
func (c *Client) Messages() <-chan lib.MessageInfo {
	return c.messages
}

func (c *Client) Username() string {
	return c.node.Username()
}

func (c *Client) LocalAddr() *net.UDPAddr {
	return c.node.LocalAddr()
}

// Close stops the node without notifying the server.
func (c *Client) Close() {
	c.node.Shutdown()
	if c.ports != nil {
		if err := c.ports.ReturnPort(c.port); err != nil {
			lib.LogDebug("Returning port %d: %v", c.port, err)
		}
	}
}
