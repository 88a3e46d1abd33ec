package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/internal/gemm"
	"github.com/samcharles93/mxgemm/internal/logger"
	"github.com/samcharles93/mxgemm/internal/testvec"
	"github.com/samcharles93/mxgemm/internal/verify"
	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

func benchCmd() *cli.Command {
	var (
		runs       int64
		warmupRuns int64
		tune       bool
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time the tiled engine against the reference model",
		Flags: append(problemFlags(),
			weightsFlag(),
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of timed engine runs",
				Value:       5,
				Destination: &runs,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of untimed warmup runs",
				Value:       1,
				Destination: &warmupRuns,
			},
			&cli.BoolFlag{
				Name:        "tune",
				Usage:       "search PE tilings for this shape before timing",
				Destination: &tune,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyProblemConfig(cmd, cfg)
			s, t := problem()
			if err := s.Validate(t); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if runs <= 0 {
				return cli.Exit("error: --runs must be positive", 1)
			}

			vec, err := testvec.Generate(source, s, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			w, err := loadWeights(s, t)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			ops := gemm.Operands{Activations: vec.Activations}
			if w != nil {
				ops.Packed, ops.Scales = w.Packed, w.Scales
				log.Info("loaded weights", "path", weightsPath, "packed_bytes", len(w.Packed))
			} else {
				ops.Packed, ops.Scales, err = mxint4.QuantizeParallel(ctx, vec.Weights, t.GroupSize, int(workers))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
				}
			}

			if tune {
				t = gemm.NewAutotuner().Tiling(s, t, func(cand gemm.Tiling) float64 {
					return scoreTiling(s, cand, ops, int(workers))
				})
				log.Info("tuned tiling", "pe_rows", t.PERows, "pe_cols", t.PECols)
			}

			eng := gemm.NewEngine(gemm.WithTiling(t), gemm.WithWorkers(int(workers)))
			defer eng.Close()

			fmt.Println("=== mxgemm bench ===")
			fmt.Printf("Shape:      %s (%.3f GFLOP)\n", s, s.FLOPs()/1e9)
			fmt.Printf("Tiling:     %dx%d, group %d\n", t.PERows, t.PECols, t.GroupSize)
			fmt.Printf("Workers:    %d\n", eng.Workers())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Println()

			want := make([]int32, s.M*s.N)
			start := time.Now()
			if err := gemm.Reference(s, t.GroupSize, ops, want); err != nil {
				return cli.Exit(fmt.Sprintf("error: reference: %v", err), 1)
			}
			refTime := time.Since(start)

			got := make([]int32, s.M*s.N)
			for i := range warmupRuns {
				if err := eng.MatMul(s, ops, got); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			var total, best time.Duration
			for i := range runs {
				if err := ctx.Err(); err != nil {
					return err
				}
				start := time.Now()
				if err := eng.MatMul(s, ops, got); err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				d := time.Since(start)
				total += d
				if best == 0 || d < best {
					best = d
				}
				log.Debug("bench run", "run", i+1, "took", d)
			}
			avg := total / time.Duration(runs)

			gflops := func(d time.Duration) float64 { return s.FLOPs() / d.Seconds() / 1e9 }
			fmt.Printf("Reference:  %s (%.2f GFLOP/s)\n", refTime.Round(time.Microsecond), gflops(refTime))
			fmt.Printf("Engine avg: %s (%.2f GFLOP/s)\n", avg.Round(time.Microsecond), gflops(avg))
			fmt.Printf("Engine min: %s (%.2f GFLOP/s)\n", best.Round(time.Microsecond), gflops(best))
			fmt.Printf("Speedup:    %.2fx\n", refTime.Seconds()/avg.Seconds())

			if err := verify.Compare(got, want, 0).Err(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

// scoreTiling returns FLOP/s of one MatMul under t, timed after a warmup run.
func scoreTiling(s gemm.Shape, t gemm.Tiling, ops gemm.Operands, workers int) float64 {
	eng := gemm.NewEngine(gemm.WithTiling(t), gemm.WithWorkers(workers))
	defer eng.Close()
	out := make([]int32, s.M*s.N)
	if err := eng.MatMul(s, ops, out); err != nil {
		return 0
	}
	start := time.Now()
	if err := eng.MatMul(s, ops, out); err != nil {
		return 0
	}
	return s.FLOPs() / time.Since(start).Seconds()
}
