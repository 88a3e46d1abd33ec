package main

import (
	"context"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/internal/harness"
	"github.com/samcharles93/mxgemm/internal/logger"
)

func runCmd() *cli.Command {
	var jsonOut bool

	return &cli.Command{
		Name:  "run",
		Usage: "Quantize synthetic weights, multiply, and verify the engine against the reference",
		Flags: append(problemFlags(),
			weightsFlag(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &jsonOut,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyProblemConfig(cmd, cfg)
			s, t := problem()
			w, err := loadWeights(s, t)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if !jsonOut {
				fmt.Printf("%dx%d MXINT4 tiled engine\n", t.PERows, t.PECols)
				fmt.Printf("M=%d, K=%d, N=%d\n", s.M, s.K, s.N)
				fmt.Printf("GFLOPs: %g\n", s.FLOPs()/1e9)
			}

			rep, err := harness.Run(ctx, harness.Options{
				Shape:   s,
				Tiling:  t,
				Workers: int(workers),
				Source:  source,
				Seed:    seed,
				Weights: w,
				Logger:  logger.FromContext(ctx),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return cli.Exit(fmt.Sprintf("error: encode report: %v", err), 1)
				}
			} else {
				printReport(os.Stdout, rep)
			}
			if !rep.Passed {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func printReport(w io.Writer, rep harness.Report) {
	s := rep.Shape
	_, _ = fmt.Fprintln(w, "Quantized data:")
	_, _ = fmt.Fprintf(w, "  Activations: %d INT8\n", s.M*s.K)
	if rep.Stored {
		_, _ = fmt.Fprintf(w, "  Weights: %d bytes (MXINT4 packed, from file)\n", rep.PackedBytes)
	} else {
		_, _ = fmt.Fprintf(w, "  Weights: %d bytes (MXINT4 packed)\n", rep.PackedBytes)
	}
	_, _ = fmt.Fprintf(w, "  Scales: %d factors %v\n", rep.ScaleCount, rep.Quant.ScaleHistogram)
	if rep.Quant.Saturated > 0 {
		_, _ = fmt.Fprintf(w, "  Saturated: %d (%.2f%%)\n", rep.Quant.Saturated, 100*rep.Quant.SaturationRate())
	}

	_, _ = fmt.Fprintf(w, "\nReference: %.2f ms\n", rep.Timings.ReferenceMS)
	_, _ = fmt.Fprintf(w, "Engine:    %.2f ms (%d workers, %.2f GFLOP/s)\n",
		rep.Timings.EngineMS, rep.Workers, rep.EngineGFLOPS)

	_, _ = fmt.Fprintf(w, "\nFirst %d results:\n", len(rep.Preview))
	_, _ = fmt.Fprintln(w, "Index\tEngine\tRef\tDiff")
	for _, row := range rep.Preview {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", row.Index, row.Engine, row.Reference, row.Diff)
	}
	for _, m := range rep.Result.Samples {
		if m.Index >= len(rep.Preview) {
			_, _ = fmt.Fprintf(w, "mismatch at %d: engine=%d ref=%d\n", m.Index, m.Got, m.Want)
		}
	}

	_, _ = fmt.Fprintf(w, "\nErrors: %d / %d\n", rep.Result.Errors, rep.Result.Total)
	if rep.Passed {
		_, _ = fmt.Fprintln(w, "PASS")
	} else {
		_, _ = fmt.Fprintln(w, "FAIL")
	}
}
