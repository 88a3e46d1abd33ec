package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/internal/gemm"
	"github.com/samcharles93/mxgemm/internal/harness"
	"github.com/samcharles93/mxgemm/internal/testvec"
	"github.com/samcharles93/mxgemm/pkg/mxf"
	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	dimM      int64
	dimK      int64
	dimN      int64
	peRows    int64
	peCols    int64
	groupSize int64
	workers   int64
	seed      int64
	source    string

	weightsPath string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func shapeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{Name: "m", Usage: "activation rows", Value: gemm.DefaultM, Destination: &dimM},
		&cli.Int64Flag{Name: "k", Usage: "reduction depth", Value: gemm.DefaultK, Destination: &dimK},
		&cli.Int64Flag{Name: "n", Usage: "weight columns", Value: gemm.DefaultN, Destination: &dimN},
		&cli.Int64Flag{Name: "pe-rows", Usage: "tile rows", Value: gemm.DefaultPERows, Destination: &peRows},
		&cli.Int64Flag{Name: "pe-cols", Usage: "tile columns", Value: gemm.DefaultPECols, Destination: &peCols},
		&cli.Int64Flag{Name: "group-size", Usage: "weights per shared scale", Value: mxint4.GroupSize, Destination: &groupSize},
	}
}

func vectorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "source",
			Usage:       "test vector source (pattern, random)",
			Value:       testvec.SourcePattern,
			Destination: &source,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for --source=random",
			Value:       1,
			Destination: &seed,
		},
	}
}

func workerFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:        "workers",
		Aliases:     []string{"j"},
		Usage:       "parallel workers (0 = GOMAXPROCS)",
		Destination: &workers,
	}
}

func weightsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "weights",
		Usage:       "read quantized weights from an .mxf file instead of synthesizing them",
		Destination: &weightsPath,
	}
}

func problemFlags() []cli.Flag {
	flags := append(shapeFlags(), vectorFlags()...)
	return append(flags, workerFlag())
}

func problem() (gemm.Shape, gemm.Tiling) {
	return gemm.Shape{M: int(dimM), K: int(dimK), N: int(dimN)},
		gemm.Tiling{PERows: int(peRows), PECols: int(peCols), GroupSize: int(groupSize)}
}

// loadWeights reads --weights and checks it against the problem. It returns
// nil when the flag is unset.
func loadWeights(s gemm.Shape, t gemm.Tiling) (*mxf.WeightFile, error) {
	if weightsPath == "" {
		return nil, nil
	}
	w, err := mxf.ReadWeights(weightsPath)
	if err != nil {
		return nil, err
	}
	if err := harness.CheckWeights(s, t, w); err != nil {
		return nil, fmt.Errorf("%s: %w", weightsPath, err)
	}
	return &w, nil
}
