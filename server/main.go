package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"

	"gridtalk/internal/level"
	"gridtalk/internal/store"
)

func main() {
	host := flag.String("host", "127.0.0.1", "host to bind to")
	port := flag.Int("port", 7777, "port to bind to")
	levelsDir := flag.String("levels-dir", "./levels", "directory containing level pack directories")
	dataDir := flag.String("data-dir", "./data", "directory for player data storage")
	flag.Parse()

	levels, err := level.Load(*levelsDir)
	if err != nil {
		log.Printf("[server] %v", err)
		os.Exit(1)
	}
	st, err := store.Open(*dataDir)
	if err != nil {
		log.Printf("[server] %v", err)
		os.Exit(1)
	}

	srv := NewServer(levels, st)

	addr := net.JoinHostPort(*host, fmt.Sprint(*port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("[server] listen: %v", err)
		os.Exit(1)
	}
	log.Printf("[server] listening on %s (levels: %v)", addr, levels.Names())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
		ln.Close()
	}()

	go srv.RunRouting(ctx)
	go srv.RunRenegotiation(ctx)
	go RunMetrics(ctx, srv.reg, metricsInterval)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				// Persist everyone's position before exit.
				for _, p := range srv.reg.All() {
					srv.closePlayer(p, "server shutdown")
				}
				return
			}
			log.Printf("[server] accept: %v", err)
			continue
		}
		go srv.handleConn(conn)
	}
}
