// stillcam-relay: relay between capture agents and browser viewers
// Agents connect on /ws/agent, viewers on /ws/viewer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/teslashibe/go-stillcam/internal/log"
	"github.com/teslashibe/go-stillcam/pkg/relay"
)

var version = "0.1.0"

type settings struct {
	Port     int    `env:"PORT"      envDefault:"5000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	var s settings
	if err := env.Parse(&s); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	port := flag.Int("port", s.Port, "HTTP server port")
	debug := flag.Bool("debug", false, "Enable debug and request logging")
	flag.Parse()

	if *debug {
		s.LogLevel = "debug"
	}
	log.Init(s.LogLevel)

	opts := []relay.ServerOption{relay.WithServerLogger(log.Component("relay"))}
	if *debug {
		opts = append(opts, relay.WithRequestLog())
	}
	srv := relay.NewServer(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	log.Info("stillcam-relay starting",
		"version", version,
		"viewer", fmt.Sprintf("ws://localhost:%d/ws/viewer", *port),
		"agent", fmt.Sprintf("ws://localhost:%d/ws/agent", *port),
		"health", fmt.Sprintf("http://localhost:%d/health", *port),
	)

	if err := srv.Run(ctx, addr); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("goodbye")
}
