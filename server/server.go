package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib"
	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/lib/server"
	"github.com/pterm/pterm"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file")
	serviceIP := flag.String("ip", "", "IP address to listen on, overrides server.ip")
	port := flag.Int("port", 0, "Port to listen on, overrides server.port")
	statusEvery := flag.Duration("status", 0, "Print the client table at this interval, 0 disables")
	decodePort := flag.Bool("gopacket", false, "Register the service port with gopacket so captures decode as chat segments")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		lib.LogWarning("No %s, using defaults", *configFile)
		cfg = config.DefaultConfig()
	case err != nil:
		log.Fatalln("Configuration file error:", err)
	}
	if *serviceIP != "" {
		cfg.Server.IP = *serviceIP
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if cfg.Debug {
		lib.EnableDebug()
	}

	srv, err := server.New(cfg, &net.UDPAddr{IP: net.ParseIP(cfg.Server.IP), Port: cfg.Server.Port})
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	if *decodePort {
		lib.RegisterPort(srv.Addr().Port)
	}

	// Listen for interrupt signal (Ctrl+C)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *statusEvery > 0 {
		go printStatus(ctx, srv, *statusEvery)
	}

	err = srv.Run(ctx)
	switch {
	case errors.Is(err, server.ErrKilled):
		pterm.Warning.Println("Server killed by a client")
	case err != nil:
		log.Fatalln("Server error:", err)
	default:
		pterm.Info.Println("Server stopped")
	}
}

func printStatus(ctx context.Context, srv *server.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rows := [][]string{{"Address", "Username", "Send seq", "Recv seq", "Next message", "Last heartbeat"}}
		for _, st := range srv.Status() {
			rows = append(rows, []string{
				st.Addr,
				st.Username,
				fmt.Sprint(st.SendSeq),
				fmt.Sprint(st.RecvSeq),
				fmt.Sprint(st.DeliveryIndex),
				time.Since(st.LastHeartbeat).Round(time.Millisecond).String() + " ago",
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			lib.LogWarning("Rendering status: %v", err)
		}
	}
}
