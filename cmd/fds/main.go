// FDS - Rule-based fraud detection for orders and purchases.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cmd := &cli.Command{
		Name:    "fds",
		Usage:   "Fraud detection for orders and purchases",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the HTTP API, with the dispatcher and worker in-process by default",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "with-dispatcher",
						Value: true,
						Usage: "Run the outbox dispatcher in this process",
					},
					&cli.BoolFlag{
						Name:  "with-worker",
						Value: true,
						Usage: "Run the detect worker in this process",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServe(ctx, cmd.Bool("with-dispatcher"), cmd.Bool("with-worker"))
				},
			},
			{
				Name:  "worker",
				Usage: "Consume detect tasks from the event bus",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runWorker(ctx)
				},
			},
			{
				Name:  "dispatch",
				Usage: "Dispatch READY outbox events to the task queue",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "once",
						Usage: "Run a single pass over all shards and exit",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runDispatch(ctx, cmd.Bool("once"))
				},
			},
			{
				Name:  "rules",
				Usage: "Manage detection rules",
				Commands: []*cli.Command{
					{
						Name:  "import",
						Usage: "Import rules from a YAML file",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "file",
								Aliases:  []string{"f"},
								Required: true,
								Usage:    "Path to the rules YAML file",
							},
							&cli.BoolFlag{
								Name:    "dry-run",
								Aliases: []string{"n"},
								Usage:   "Validate the file without saving",
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runRulesImport(ctx, cmd.String("file"), cmd.Bool("dry-run"))
						},
					},
					{
						Name:  "list",
						Usage: "List stored rules",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "format",
								Value: "text",
								Usage: "Output format: 'text' or 'json'",
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runRulesList(ctx, cmd.String("format"))
						},
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
