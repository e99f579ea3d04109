package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Protocol.AckWait = 100 * time.Millisecond
	cfg.Protocol.RetransmitTimeout = 150 * time.Millisecond
	cfg.Protocol.ReadTimeout = 50 * time.Millisecond
	cfg.Retry.MaxRetries = 3
	cfg.Retry.InitialBackoff = 10 * time.Millisecond
	cfg.Retry.MaxBackoff = 50 * time.Millisecond
	cfg.Client.PortLower, cfg.Client.PortUpper = 0, 0
	cfg.Client.HeartbeatInterval = 50 * time.Millisecond
	cfg.Client.ConnectTimeout = 300 * time.Millisecond
	cfg.Server.MonitorPeriod = 50 * time.Millisecond
	cfg.Server.HeartbeatTimeout = 500 * time.Millisecond
	return cfg
}

type runningServer struct {
	*Server
	result chan error
	stop   context.CancelFunc
}

func startServer(t *testing.T, cfg *config.Config) *runningServer {
	t.Helper()
	s, err := New(cfg, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningServer{Server: s, result: make(chan error, 1), stop: cancel}
	go func() { rs.result <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rs.result:
		case <-time.After(5 * time.Second):
		}
	})
	return rs
}

func connectClient(t *testing.T, cfg *config.Config, s *Server, name string) *client.Client {
	t.Helper()
	c, err := client.New(cfg, name, s.Addr())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

// waitFor returns the first message satisfying match.
func waitFor(t *testing.T, c *client.Client, match func(lib.MessageInfo) bool) lib.MessageInfo {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-c.Messages():
			if match(m) {
				return m
			}
		case <-timeout:
			t.Fatalf("no matching message, history: %v", c.History())
			return lib.MessageInfo{}
		}
	}
}

func textIs(text string) func(lib.MessageInfo) bool {
	return func(m lib.MessageInfo) bool { return m.Text == text }
}

func logContains(s *Server, text string) bool {
	for _, m := range s.Messages() {
		if m.Text == text {
			return true
		}
	}
	return false
}

func sendCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func rawPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeSeg(t *testing.T, c *net.UDPConn, seg *lib.Segment, to *net.UDPAddr) {
	t.Helper()
	frame, err := lib.Encode(seg)
	require.NoError(t, err)
	_, err = c.WriteToUDP(frame, to)
	require.NoError(t, err)
}

func readSeg(c *net.UDPConn, timeout time.Duration) (*lib.Segment, error) {
	buf := make([]byte, lib.MaxFrameLength+1)
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	n, _, err := c.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	seg, _, err := lib.Decode(buf[:n])
	return seg, err
}

func TestHandshakeSequenceNumbers(t *testing.T) {
	s := startServer(t, testConfig())
	peer := rawPeer(t)

	writeSeg(t, peer, lib.SynSegment("raw", 1000), s.Addr())
	synAck, err := readSeg(peer, time.Second)
	require.NoError(t, err)
	assert.True(t, synAck.Flags.IsSynAck())
	assert.Equal(t, uint32(1001), synAck.AckNumber)
	serverSeq := synAck.SeqNumber

	// a repeated SYN gets the same answer
	writeSeg(t, peer, lib.SynSegment("raw", 1000), s.Addr())
	again, err := readSeg(peer, time.Second)
	require.NoError(t, err)
	assert.Equal(t, serverSeq, again.SeqNumber)

	writeSeg(t, peer, lib.AckSegment("raw", 1001, lib.SeqIncrement(serverSeq)), s.Addr())
	require.Eventually(t, func() bool { return len(s.Status()) == 1 }, time.Second, 10*time.Millisecond)

	st := s.Status()[0]
	assert.Equal(t, "raw", st.Username)
	assert.Equal(t, lib.SeqIncrement(serverSeq), st.SendSeq)
	assert.Equal(t, uint32(1001), st.RecvSeq)
	assert.True(t, logContains(s.Server, "raw joined!"))
}

func TestLostHandshakeAckRecovered(t *testing.T) {
	s := startServer(t, testConfig())
	peer := rawPeer(t)

	writeSeg(t, peer, lib.SynSegment("raw", 1000), s.Addr())
	synAck, err := readSeg(peer, time.Second)
	require.NoError(t, err)
	serverSeq := synAck.SeqNumber

	// the handshake ACK never arrives; the peer starts heartbeating
	writeSeg(t, peer, lib.PshSegment("raw", 1001, lib.SeqIncrement(serverSeq)), s.Addr())
	again, err := readSeg(peer, time.Second)
	require.NoError(t, err)
	assert.True(t, again.Flags.IsSynAck())
	assert.Equal(t, serverSeq, again.SeqNumber)
	assert.Equal(t, uint32(1001), again.AckNumber)
	assert.Empty(t, s.Status())

	writeSeg(t, peer, lib.AckSegment("raw", 1001, lib.SeqIncrement(serverSeq)), s.Addr())
	require.Eventually(t, func() bool { return len(s.Status()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "raw", s.Status()[0].Username)
}

func TestUnknownPeerDataIgnored(t *testing.T) {
	s := startServer(t, testConfig())
	peer := rawPeer(t)

	data, err := lib.NewSegment(0, 0, 1, 1, lib.PSHFlag|lib.FINFlag, "ghost", []byte("boo"))
	require.NoError(t, err)
	writeSeg(t, peer, data, s.Addr())

	_, err = readSeg(peer, 200*time.Millisecond)
	assert.Error(t, err, "unknown peer must not be acknowledged")
	assert.Empty(t, s.Messages())
}

func TestEndToEndChat(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.PayloadSize = 5
	s := startServer(t, cfg)

	alice := connectClient(t, cfg, s.Server, "alice")
	bob := connectClient(t, cfg, s.Server, "bob")
	waitFor(t, alice, textIs("bob joined!"))

	require.NoError(t, alice.Send(sendCtx(t), "hello world"))

	m := waitFor(t, bob, textIs("hello world"))
	assert.Equal(t, "alice", m.Username)
	waitFor(t, alice, textIs("hello world"))
	assert.True(t, logContains(s.Server, "hello world"))
}

func TestHeartbeatPullLatency(t *testing.T) {
	cfg := testConfig()
	cfg.Client.HeartbeatInterval = 100 * time.Millisecond
	s := startServer(t, cfg)

	alice := connectClient(t, cfg, s.Server, "alice")
	bob := connectClient(t, cfg, s.Server, "bob")
	waitFor(t, bob, textIs("bob joined!"))
	waitFor(t, alice, textIs("bob joined!"))

	for _, text := range []string{"ping 1", "ping 2", "ping 3"} {
		require.NoError(t, alice.Send(sendCtx(t), text))
		// the entry is in the log once the send is acknowledged
		require.Eventually(t, func() bool { return logContains(s.Server, text) }, time.Second, time.Millisecond)
		appended := time.Now()

		select {
		case m := <-bob.Messages():
			assert.Equal(t, text, m.Text)
			assert.Less(t, time.Since(appended), cfg.Client.HeartbeatInterval+200*time.Millisecond)
		case <-time.After(2 * time.Second):
			t.Fatalf("%q never reached bob", text)
		}
	}
}

func TestLateJoinerStartsAtOwnJoin(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)

	alice := connectClient(t, cfg, s.Server, "alice")
	require.NoError(t, alice.Send(sendCtx(t), "first"))
	require.NoError(t, alice.Send(sendCtx(t), "second"))

	bob := connectClient(t, cfg, s.Server, "bob")
	waitFor(t, bob, textIs("bob joined!"))

	var texts []string
	for _, m := range bob.History() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"bob joined!"}, texts)
	assert.NotContains(t, texts, "second")

	// bob's cursor started at the join notice, so it ends one past it
	assert.Eventually(t, func() bool {
		for _, c := range s.Status() {
			if c.Username == "bob" {
				return c.DeliveryIndex == len(s.Messages())
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestEmoticonsApplied(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")

	require.NoError(t, alice.Send(sendCtx(t), "hi :wave: :smile:"))
	waitFor(t, alice, textIs("hi 👋 😊"))
}

func TestDisconnect(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")

	require.NoError(t, alice.Disconnect(sendCtx(t)))
	assert.Empty(t, s.Status())
	assert.Eventually(t, func() bool { return logContains(s.Server, "alice left the chat") }, time.Second, 10*time.Millisecond)
	assert.False(t, logContains(s.Server, "!disconnect"))
}

func TestHeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")
	require.Len(t, s.Status(), 1)

	// vanish without FIN
	alice.Close()

	assert.Eventually(t, func() bool { return len(s.Status()) == 0 }, 2*time.Second, 20*time.Millisecond)
	assert.True(t, logContains(s.Server, "alice left the chat"))
}

func TestChangeUsername(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")

	require.NoError(t, alice.ChangeUsername(sendCtx(t), "alicia"))
	waitFor(t, alice, textIs("alice changed name to alicia"))
	assert.Equal(t, "alicia", alice.Username())

	require.NoError(t, alice.Send(sendCtx(t), "renamed"))
	m := waitFor(t, alice, textIs("renamed"))
	assert.Equal(t, "alicia", m.Username)
}

func TestPrivateMessage(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")
	bob := connectClient(t, cfg, s.Server, "bob")

	require.NoError(t, alice.SendPrivate(sendCtx(t), bob.LocalAddr().Port, "psst"))
	m := waitFor(t, bob, textIs("(private) psst"))
	assert.Equal(t, "alice", m.Username)
	assert.False(t, logContains(s.Server, "(private) psst"))

	require.NoError(t, alice.SendPrivate(sendCtx(t), 1, "nobody"))
	waitFor(t, alice, textIs("No participant on port 1"))
}

func TestKillWrongPassword(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")

	require.NoError(t, alice.Kill(sendCtx(t), "wrong"))
	m := waitFor(t, alice, textIs("Kill command rejected: incorrect password"))
	assert.Equal(t, SystemUsername, m.Username)

	select {
	case err := <-s.result:
		t.Fatalf("server stopped: %v", err)
	default:
	}
	assert.Len(t, s.Status(), 1)
}

func TestKillCorrectPassword(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")
	bob := connectClient(t, cfg, s.Server, "bob")

	require.NoError(t, alice.Kill(sendCtx(t), cfg.Server.KillPassword))

	waitFor(t, bob, func(m lib.MessageInfo) bool {
		return strings.HasPrefix(m.Text, "Server shutting down by alice")
	})
	select {
	case err := <-s.result:
		assert.ErrorIs(t, err, ErrKilled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, bob.Connected())
}

func TestCustomCommandHandler(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	seen := make(chan string, 1)
	s.SetCommandHandler(CommandHandlerFunc(func(_ *net.UDPAddr, username, text string) bool {
		seen <- username + " " + text
		return true
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	alice := connectClient(t, cfg, s, "alice")
	require.NoError(t, alice.Send(sendCtx(t), "!ping"))
	assert.Equal(t, "alice !ping", <-seen)
	assert.False(t, logContains(s, "!ping"))
}

func TestRunCancelClosesConnections(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)
	alice := connectClient(t, cfg, s.Server, "alice")

	s.stop()
	select {
	case err := <-s.result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case <-alice.Done():
	case <-time.After(time.Second):
		t.Fatal("client connection still open")
	}
}
