package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/internal/config"
	"github.com/samcharles93/mxgemm/internal/logger"
)

// cfg holds the loaded config file; flags explicitly set on the command line
// take precedence over it.
var cfg config.Config

func main() {
	app := &cli.Command{
		Name:  "mxgemm",
		Usage: "MXINT4 matrix multiplication engine and verification harness",
		Flags: globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			path := configFile
			if path == "" {
				path = config.DefaultPath()
			}
			loaded, err := config.Load(path)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg = loaded
			applyLoggingConfig(cmd, cfg)

			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.Setup(logFormat, level, os.Stderr)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			quantizeCmd(),
			inspectCmd(),
			benchCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
