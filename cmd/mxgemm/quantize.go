package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/internal/logger"
	"github.com/samcharles93/mxgemm/internal/testvec"
	"github.com/samcharles93/mxgemm/pkg/mxf"
	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

func quantizeCmd() *cli.Command {
	var outPath string

	flags := append(shapeFlags(), vectorFlags()...)
	flags = append(flags, workerFlag(),
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output .mxf path",
			Required:    true,
			Destination: &outPath,
		},
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize synthetic K×N weights into an .mxf container",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyProblemConfig(cmd, cfg)
			s, t := problem()
			if err := s.Validate(t); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			vec, err := testvec.Generate(source, s, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			start := time.Now()
			packed, scales, err := mxint4.QuantizeParallel(ctx, vec.Weights, t.GroupSize, int(workers))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}
			took := time.Since(start)

			stats, err := mxint4.Analyze(vec.Weights, packed, scales, t.GroupSize)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: analyze: %v", err), 1)
			}

			wf := mxf.WeightFile{K: s.K, N: s.N, GroupSize: t.GroupSize, Packed: packed, Scales: scales}
			if err := mxf.WriteWeights(outPath, wf); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", outPath, err), 1)
			}
			log.Info("wrote weights",
				"path", outPath,
				"k", s.K,
				"n", s.N,
				"took", took,
				"saturated", stats.Saturated,
				"max_abs_error", stats.MaxAbsError,
			)
			return nil
		},
	}
}
