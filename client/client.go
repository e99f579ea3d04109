package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib/client"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib/server"
	"github.com/pterm/pterm"
)

const help = `Commands:
  !disconnect               leave the chat
  !change <name>            change your username
  !private <port> <text>    message one participant
  !kill <password>          shut the server down
  !history                  show the messages kept locally
  !help                     show this help
Anything else is sent to everyone.`

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file")
	serverIP := flag.String("serverIP", "", "Server IP address, overrides server.ip")
	serverPort := flag.Int("serverPort", 0, "Server port, overrides server.port")
	sourcePort := flag.Int("port", 0, "Local port, overrides client.port")
	username := flag.String("name", "", "Username, asked for when empty")
	reconnect := flag.Bool("reconnect", false, "Reconnect when the server drops the connection")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = config.DefaultConfig()
	case err != nil:
		log.Fatalln("Configuration file error:", err)
	}
	if *serverIP != "" {
		cfg.Server.IP = *serverIP
	}
	if *serverPort != 0 {
		cfg.Server.Port = *serverPort
	}
	if *sourcePort != 0 {
		cfg.Client.Port = *sourcePort
	}
	if cfg.Debug {
		lib.EnableDebug()
	}

	name := *username
	for strings.TrimSpace(name) == "" {
		name, err = pterm.DefaultInteractiveTextInput.Show("Username")
		if err != nil {
			log.Fatalln(err)
		}
	}

	serverAddr := &net.UDPAddr{IP: net.ParseIP(cfg.Server.IP), Port: cfg.Server.Port}
	c, err := client.New(cfg, strings.TrimSpace(name), serverAddr)
	if err != nil {
		log.Fatalln(err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		pterm.Error.Println(err)
		return
	}
	pterm.Success.Printfln("Connected to %s from port %d as %s", serverAddr, c.LocalAddr().Port, c.Username())
	pterm.Info.Println("Type !help for commands")

	go printMessages(c)
	closeWait := cfg.Protocol.AckWait * time.Duration(cfg.Retry.MaxRetries+2)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			disconnect(c, closeWait)
			return
		case <-c.Done():
			pterm.Warning.Println("Connection to the server closed")
			if !*reconnect {
				return
			}
			if err := c.Connect(ctx); err != nil {
				pterm.Error.Println(err)
				return
			}
			pterm.Success.Printfln("Reconnected to %s as %s", serverAddr, c.Username())
		case line, ok := <-lines:
			if !ok {
				disconnect(c, closeWait)
				return
			}
			if quit := handleLine(ctx, c, strings.TrimSpace(line), closeWait); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, line string, closeWait time.Duration) bool {
	if line == "" {
		return false
	}
	command, arg, _ := strings.Cut(line, " ")
	var err error
	switch command {
	case "!help":
		fmt.Println(help)
	case "!history":
		for _, m := range c.History() {
			fmt.Println(m)
		}
	case "!disconnect":
		disconnect(c, closeWait)
		return true
	case "!change":
		if arg == "" {
			pterm.Warning.Println("Usage: !change <name>")
			return false
		}
		err = c.ChangeUsername(ctx, arg)
	case "!private":
		portText, text, _ := strings.Cut(arg, " ")
		port, convErr := strconv.Atoi(portText)
		if convErr != nil || text == "" {
			pterm.Warning.Println("Usage: !private <port> <message>")
			return false
		}
		err = c.SendPrivate(ctx, port, text)
	case "!kill":
		err = c.Kill(ctx, arg)
	default:
		err = c.Send(ctx, line)
	}
	if err != nil {
		pterm.Error.Println(err)
	}
	return false
}

func disconnect(c *client.Client, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		pterm.Warning.Println("Disconnect:", err)
	}
}

func printMessages(c *client.Client) {
	for m := range c.Messages() {
		user := pterm.FgCyan.Sprint(m.Username)
		if m.Username == server.SystemUsername {
			user = pterm.FgYellow.Sprint(m.Username)
		}
		fmt.Printf("[%s] %s: %s\n", m.Time.Format("15:04:05"), user, m.Text)
	}
}
