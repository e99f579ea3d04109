package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
)

// CommandHandler decides whether a chat line is a command. Lines it
// consumes are not appended to the message log.
type CommandHandler interface {
	HandleCommand(addr *net.UDPAddr, username, text string) bool
}

type CommandHandlerFunc func(addr *net.UDPAddr, username, text string) bool

func (f CommandHandlerFunc) HandleCommand(addr *net.UDPAddr, username, text string) bool {
	return f(addr, username, text)
}

// chatCommands implements !disconnect, !kill, !change and !private.
type chatCommands struct {
	s *Server
}

func (cc chatCommands) HandleCommand(addr *net.UDPAddr, username, text string) bool {
	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "!disconnect":
		lib.LogInfo("%s (%s) asked to disconnect", username, addr)
		cc.s.removeClient(addr)
	case "!kill":
		if arg != cc.s.cfg.Server.KillPassword {
			lib.LogWarning("Kill command rejected: wrong password from %s (%s)", username, addr)
			cc.s.queuePrivate(addr, "Kill command rejected: incorrect password")
			return true
		}
		lib.LogWarning("Server shutdown command accepted from %s", username)
		go cc.s.kill(username)
	case "!change":
		cc.change(addr, username, arg)
	case "!private":
		cc.private(addr, username, arg)
	default:
		return false
	}
	return true
}

func (cc chatCommands) change(addr *net.UDPAddr, oldName, newName string) {
	conn, ok := cc.s.node.Connection(addr)
	if !ok || newName == "" || newName == oldName {
		lib.LogInfo("Invalid name change request from %s: %q", oldName, newName)
		cc.s.queuePrivate(addr, fmt.Sprintf("Cannot change name to %q", newName))
		return
	}
	conn.SetUsername(newName)
	lib.LogInfo("[%s] %s changed name to %s", conn.SessionID, oldName, newName)
	cc.s.appendSystem(fmt.Sprintf("%s changed name to %s", oldName, newName))
}

func (cc chatCommands) private(addr *net.UDPAddr, from, arg string) {
	portStr, body, _ := strings.Cut(arg, " ")
	port, err := strconv.Atoi(portStr)
	if err != nil || body == "" {
		cc.s.queuePrivate(addr, "Usage: !private <port> <message>")
		return
	}
	for _, conn := range cc.s.node.Connections() {
		if conn.Addr.Port == port {
			cc.s.queuePrivateFrom(conn.Addr, from, "(private) "+body)
			return
		}
	}
	cc.s.queuePrivate(addr, fmt.Sprintf("No participant on port %d", port))
}
