package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/timesnap/internal"
	pkgconfig "github.com/starford/timesnap/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg))
}

func fsck(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunFsck(ctx, os.Stdout,
		internal.WithConfig(cfg),
		internal.WithSweep(cmd.Bool("sweep")),
		internal.WithDropRecovery(cmd.Bool("drop-recovery")))
}

func main() {
	cmd := &cli.Command{
		Name:   "timesnap",
		Usage:  "Time capsules that stay sealed until their unlock date",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve capsule tools over stdio (Model Context Protocol)",
				Action: mcp,
			},
			{
				Name:  "fsck",
				Usage: "Compare stored capsules with the media directory",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "sweep",
						Usage: "Delete orphan files older than media.orphan_grace",
					},
					&cli.BoolFlag{
						Name:  "drop-recovery",
						Usage: "Delete recovery slots holding undecodable collections after listing them",
					},
				},
				Action: fsck,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
