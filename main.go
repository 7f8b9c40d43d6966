package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/cmd/serve"
	synccmd "github.com/chirino/ai-proxy-monitor/internal/cmd/sync"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to load .env", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "ai-proxy-monitor",
		Usage: "Conversation monitor for AI proxy traffic",
		Commands: []*cli.Command{
			serve.Command(),
			synccmd.Command(),
			synccmd.InitCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
