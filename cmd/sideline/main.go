// Package main provides the Sideline client CLI.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	sidelinecmd "github.com/sidelinehq/sideline/internal/cmd/sideline"
	"github.com/sidelinehq/sideline/internal/platform/config"
)

func main() {
	cfg, err := sidelinecmd.ParseConfig()
	if err != nil {
		config.Exitf("Error: %v", err)
	}
	log.SetPrefix("[SIDELINE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sidelinecmd.Run(ctx, cfg, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
