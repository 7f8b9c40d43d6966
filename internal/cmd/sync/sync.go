// Package sync provides the one-shot commands that manage the conversations
// index without starting the HTTP server.
package sync

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/cmd/serve"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/service"
	"github.com/urfave/cli/v3"
)

// Command returns the sync sub-command, which runs one sync and prints the
// report as JSON.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "sync",
		Usage: "Rebuild the conversations index from the messages index once and print the report",
		Flags: append(serve.BackendFlags(&cfg), &cli.BoolFlag{
			Name:  "reset",
			Usage: "Delete the conversations index before syncing (drops stored risk assessments)",
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSyncer(ctx, &cfg, func(ctx context.Context, syncer *service.Syncer) error {
				if cmd.Bool("reset") {
					res, err := syncer.Reset(ctx)
					if err != nil {
						return err
					}
					return printJSON(writer(cmd), res)
				}
				report, err := syncer.Sync(ctx)
				if err != nil {
					return err
				}
				return printJSON(writer(cmd), report)
			})
		},
	}
}

// InitCommand returns the init sub-command, which creates the conversations
// index when it is missing.
func InitCommand() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "init",
		Usage: "Create the conversations index",
		Flags: serve.BackendFlags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSyncer(ctx, &cfg, func(ctx context.Context, syncer *service.Syncer) error {
				res, err := syncer.Initialize(ctx)
				if err != nil {
					return err
				}
				log.Info(res.Message, "index", cfg.ConversationsIndex)
				return printJSON(writer(cmd), res)
			})
		},
	}
}

func withSyncer(ctx context.Context, cfg *config.Config, fn func(context.Context, *service.Syncer) error) error {
	if err := serve.Prepare(cfg); err != nil {
		return err
	}
	ctx = config.WithContext(ctx, cfg)

	store, err := serve.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Failed to close document store", "err", err)
		}
	}()
	locker, err := serve.OpenLocker(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := locker.(io.Closer); ok {
		defer c.Close()
	}
	// The running service may be caching stats; a shared cache is cleared
	// after the sync so its dashboards pick up the new summaries.
	statsCache := serve.OpenCache(ctx, cfg)
	if c, ok := statsCache.(io.Closer); ok {
		defer c.Close()
	}
	return fn(ctx, service.NewSyncer(store, cfg, locker, statsCache))
}

func writer(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
