package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emberops/ember/cmd/ember/commands"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	// interrupts cancel the context; in-flight deploys release their
	// auto-reserved namespace before the process exits
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}
