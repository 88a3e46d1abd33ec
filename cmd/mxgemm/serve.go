package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/internal/api"
	"github.com/samcharles93/mxgemm/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		rateBurst   int64
		storeCap    int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the runs API",
		Flags: append(problemFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "requests per second for /v1 (0 disables)",
				Value:       10,
				Destination: &rateLimit,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "rate limiter burst",
				Value:       20,
				Destination: &rateBurst,
			},
			&cli.Int64Flag{
				Name:        "max-runs",
				Usage:       "number of runs kept in memory",
				Value:       api.DefaultStoreCapacity,
				Destination: &storeCap,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyProblemConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr, &rateLimit, &rateBurst)
			s, t := problem()

			server := api.NewServer(api.Config{
				Defaults: api.Defaults{
					Shape:   s,
					Tiling:  t,
					Workers: int(workers),
					Source:  source,
					Seed:    seed,
				},
				Store:     api.NewRunStore(int(storeCap)),
				Logger:    log,
				RateLimit: rateLimit,
				RateBurst: int(rateBurst),
			})
			e := server.NewEcho()

			log.Info("starting server", "address", addr, "default_shape", s.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
