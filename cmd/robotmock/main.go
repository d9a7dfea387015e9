// Robot Mock is a stand-in device for the robot bridge. It accepts TCP
// connections, logs every newline-delimited command it receives and never
// replies.
//
// Usage:
//
//	robotmock -listen 127.0.0.1:9999 -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/robot-bridge/internal/infrastructure/config"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/robot-bridge/internal/robot"
)

const defaultListenAddr = "127.0.0.1:9999"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run listens until ctx is cancelled. ready, when non-nil, receives the
// bound address once the listener is up.
func run(ctx context.Context, args []string, ready chan<- string) error {
	fs := flag.NewFlagSet("robotmock", flag.ContinueOnError)
	listen := fs.String("listen", envOr("ROBOTMOCK_LISTEN", defaultListenAddr), "address to accept device connections on")
	level := fs.String("log-level", "info", "log level: debug, info, warn, error")
	format := fs.String("log-format", "text", "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logging.New(config.LoggingConfig{
		Level:  *level,
		Format: *format,
		Output: "stdout",
	}, "mock")

	mock, err := robot.ListenMock(*listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *listen, err)
	}
	mock.SetLogger(log)
	log.Info("mock robot listening", "address", mock.Addr())
	if ready != nil {
		ready <- mock.Addr()
	}

	<-ctx.Done()

	log.Info("mock robot stopping",
		"accepted", mock.Accepted(),
		"lines", len(mock.Lines()),
		"invalid", mock.Invalid(),
	)
	return mock.Close()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
