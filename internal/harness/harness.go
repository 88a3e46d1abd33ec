// Package harness runs one end-to-end verification: synthesize vectors,
// quantize the weights (or take them from an .mxf file), compute the
// reference and engine products, and compare them.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/mxgemm/internal/gemm"
	"github.com/samcharles93/mxgemm/internal/logger"
	"github.com/samcharles93/mxgemm/internal/metrics"
	"github.com/samcharles93/mxgemm/internal/testvec"
	"github.com/samcharles93/mxgemm/internal/verify"
	"github.com/samcharles93/mxgemm/pkg/mxf"
	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

// PreviewLen is the number of leading outputs echoed in a report.
const PreviewLen = 10

type Options struct {
	Shape   gemm.Shape
	Tiling  gemm.Tiling
	Workers int
	Source  string
	Seed    int64

	// Weights replaces the synthesized weight matrix with stored quantized
	// weights. Activations are still synthesized from Source and Seed.
	Weights *mxf.WeightFile

	// Metrics is optional; when set it also observes the engine.
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// Row is one line of the leading-output preview.
type Row struct {
	Index     int   `json:"index"`
	Engine    int32 `json:"engine"`
	Reference int32 `json:"reference"`
	Diff      int64 `json:"diff"`
}

type Timings struct {
	GenerateMS  float64 `json:"generate_ms"`
	QuantizeMS  float64 `json:"quantize_ms"`
	ReferenceMS float64 `json:"reference_ms"`
	EngineMS    float64 `json:"engine_ms"`
}

// Report is the outcome of one run. A mismatch is reported, not returned as
// an error; Result.Err distinguishes the two.
type Report struct {
	Shape        gemm.Shape    `json:"shape"`
	Tiling       gemm.Tiling   `json:"tiling"`
	Workers      int           `json:"workers"`
	Source       string        `json:"source"`
	Seed         int64         `json:"seed"`
	Stored       bool          `json:"stored_weights,omitempty"`
	GFLOPs       float64       `json:"gflops"`
	EngineGFLOPS float64       `json:"engine_gflop_per_s"`
	PackedBytes  int           `json:"packed_bytes"`
	ScaleCount   int           `json:"scale_count"`
	Quant        mxint4.Stats  `json:"quant"`
	Timings      Timings       `json:"timings"`
	Preview      []Row         `json:"preview"`
	Result       verify.Result `json:"result"`
	Passed       bool          `json:"passed"`
}

// CheckWeights reports whether stored weights fit the K×N operand of s under
// t.
func CheckWeights(s gemm.Shape, t gemm.Tiling, w mxf.WeightFile) error {
	if w.K != s.K || w.N != s.N {
		return fmt.Errorf("%w: weights are %dx%d, shape %s needs %dx%d", gemm.ErrShape, w.K, w.N, s, s.K, s.N)
	}
	if w.GroupSize != t.GroupSize {
		return fmt.Errorf("%w: weights use group_size=%d, tiling uses %d", gemm.ErrShape, w.GroupSize, t.GroupSize)
	}
	if err := mxint4.CheckLayout(s.K*s.N, len(w.Packed), len(w.Scales), t.GroupSize); err != nil {
		return fmt.Errorf("%w: %w", gemm.ErrShape, err)
	}
	return nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// Run executes the harness. It returns an error only when the run could not
// be carried out; output mismatches are in Report.Result.
func Run(ctx context.Context, opts Options) (Report, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	s, t := opts.Shape, opts.Tiling
	if err := s.Validate(t); err != nil {
		return Report{}, err
	}
	if opts.Weights != nil {
		if err := CheckWeights(s, t, *opts.Weights); err != nil {
			return Report{}, err
		}
	}
	rep := Report{
		Shape:   s,
		Tiling:  t,
		Workers: opts.Workers,
		Source:  opts.Source,
		Seed:    opts.Seed,
		GFLOPs:  s.FLOPs() / 1e9,
	}
	if rep.Source == "" {
		rep.Source = testvec.SourcePattern
	}

	start := time.Now()
	vec, err := testvec.Generate(rep.Source, s, opts.Seed)
	if err != nil {
		return Report{}, err
	}
	rep.Timings.GenerateMS = ms(time.Since(start))

	var packed, scales []uint8
	if opts.Weights != nil {
		packed, scales = opts.Weights.Packed, opts.Weights.Scales
		rep.Stored = true
		rep.Quant = mxint4.ScaleStats(scales, t.GroupSize)
	} else {
		start = time.Now()
		packed, scales, err = mxint4.QuantizeParallel(ctx, vec.Weights, t.GroupSize, opts.Workers)
		if err != nil {
			return Report{}, fmt.Errorf("quantize weights: %w", err)
		}
		rep.Timings.QuantizeMS = ms(time.Since(start))

		rep.Quant, err = mxint4.Analyze(vec.Weights, packed, scales, t.GroupSize)
		if err != nil {
			return Report{}, err
		}
	}
	rep.PackedBytes, rep.ScaleCount = len(packed), len(scales)
	log.Debug("quantized weights",
		"stored", rep.Stored,
		"packed_bytes", len(packed),
		"scales", len(scales),
		"saturated", rep.Quant.Saturated,
	)
	if rep.Quant.Saturated > 0 {
		log.Warn("weights saturated during quantization", "count", rep.Quant.Saturated)
	}

	ops := gemm.Operands{Activations: vec.Activations, Packed: packed, Scales: scales}
	want := make([]int32, s.M*s.N)
	got := make([]int32, s.M*s.N)

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	start = time.Now()
	if err := gemm.Reference(s, t.GroupSize, ops, want); err != nil {
		return Report{}, err
	}
	rep.Timings.ReferenceMS = ms(time.Since(start))

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	engineOpts := []gemm.Option{gemm.WithTiling(t), gemm.WithWorkers(opts.Workers)}
	if opts.Metrics != nil {
		engineOpts = append(engineOpts, gemm.WithObserver(opts.Metrics))
	}
	eng := gemm.NewEngine(engineOpts...)
	defer eng.Close()
	rep.Workers = eng.Workers()

	start = time.Now()
	if err := eng.MatMul(s, ops, got); err != nil {
		return Report{}, err
	}
	elapsed := time.Since(start)
	rep.Timings.EngineMS = ms(elapsed)
	if elapsed > 0 {
		rep.EngineGFLOPS = s.FLOPs() / elapsed.Seconds() / 1e9
	}

	rep.Result = verify.Compare(got, want, verify.DefaultSampleLimit)
	rep.Passed = rep.Result.Passed()
	for i := range min(PreviewLen, len(got)) {
		rep.Preview = append(rep.Preview, Row{
			Index:     i,
			Engine:    got[i],
			Reference: want[i],
			Diff:      int64(got[i]) - int64(want[i]),
		})
	}

	if opts.Metrics != nil {
		opts.Metrics.RecordSaturated(rep.Quant.Saturated)
		result := metrics.ResultPass
		if !rep.Passed {
			result = metrics.ResultFail
		}
		opts.Metrics.RecordRun(result, rep.Result.Errors)
	}
	log.Info("run complete",
		"shape", s.String(),
		"errors", rep.Result.Errors,
		"passed", rep.Passed,
		"engine_ms", rep.Timings.EngineMS,
	)
	return rep, nil
}
