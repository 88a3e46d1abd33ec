// Package gemm multiplies int8 activations by MXINT4 weights.
//
// Reference is the untiled oracle. Engine is the tiled implementation: it
// preloads both operands into caches once (dequantizing every weight exactly
// once), then computes PERows×PECols output tiles from the caches across a
// persistent worker pool. Both produce bit-identical int32 results.
package gemm

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Phase names one stage of Engine.MatMul.
type Phase string

const (
	PhaseActivations Phase = "preload_activations"
	PhaseWeights     Phase = "preload_weights"
	PhaseCompute     Phase = "compute"
)

// Observer receives timings from the engine. Implementations must be safe
// for concurrent use; phases 1 and 2 report from different goroutines.
type Observer interface {
	ObservePhase(phase Phase, d time.Duration)
	ObserveTiles(n int)
}

type nopObserver struct{}

func (nopObserver) ObservePhase(Phase, time.Duration) {}
func (nopObserver) ObserveTiles(int)                  {}

// Engine is the tiled matrix multiplier. It is safe for concurrent MatMul
// calls; each call owns its caches and every worker owns its scratch.
type Engine struct {
	tiling  Tiling
	workers int
	obs     Observer
	pool    *tilePool
}

type Option func(*Engine)

// WithTiling overrides the compute grid and group size.
func WithTiling(t Tiling) Option {
	return func(e *Engine) { e.tiling = t }
}

// WithWorkers sets the number of phase 3 workers. 1 runs tiles inline on the
// calling goroutine; <= 0 uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.obs = obs
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		tiling: DefaultTiling(),
		obs:    nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	if e.workers > 1 {
		e.pool = newTilePool(e.workers)
	}
	return e
}

func (e *Engine) Tiling() Tiling { return e.tiling }
func (e *Engine) Workers() int   { return e.workers }

// Close stops the worker pool. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.close()
	}
}

// MatMul computes out = act × dequant(w). All preconditions are checked
// before any buffer is read; a violation returns an error wrapping ErrShape.
func (e *Engine) MatMul(s Shape, ops Operands, out []int32) error {
	if err := CheckOperands(s, e.tiling, ops, out); err != nil {
		return err
	}
	c := e.preload(s, ops)
	e.compute(c, out)
	return nil
}

// Preload runs phases 1 and 2 and returns the filled caches.
func (e *Engine) Preload(s Shape, ops Operands) (*Caches, error) {
	if err := checkInputs(s, e.tiling, ops); err != nil {
		return nil, err
	}
	return e.preload(s, ops), nil
}

// Compute runs phase 3 over caches produced by Preload.
func (e *Engine) Compute(c *Caches, out []int32) error {
	if c == nil {
		return fmt.Errorf("%w: nil caches", ErrShape)
	}
	if c.tiling != e.tiling {
		return fmt.Errorf("%w: caches built for tiling %+v, engine uses %+v", ErrShape, c.tiling, e.tiling)
	}
	if len(out) != c.shape.M*c.shape.N {
		return fmt.Errorf("%w: output has %d elements, want %d", ErrShape, len(out), c.shape.M*c.shape.N)
	}
	e.compute(c, out)
	return nil
}

func (e *Engine) preload(s Shape, ops Operands) *Caches {
	c := newCaches(s, e.tiling)

	// Phases 1 and 2 touch disjoint caches and read-only inputs.
	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		c.loadActivations(ops.Activations)
		e.obs.ObservePhase(PhaseActivations, time.Since(start))
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		c.loadWeights(ops.Packed, ops.Scales)
		e.obs.ObservePhase(PhaseWeights, time.Since(start))
		return nil
	})
	_ = g.Wait()
	return c
}

func (e *Engine) compute(c *Caches, out []int32) {
	start := time.Now()
	tiles := c.shape.MTiles(c.tiling) * c.shape.NTiles(c.tiling)
	if e.pool == nil {
		var sc tileScratch
		c.computeRange(&sc, 0, tiles, out)
	} else {
		e.pool.run(c, out, e.workers)
	}
	e.obs.ObservePhase(PhaseCompute, time.Since(start))
	e.obs.ObserveTiles(tiles)
}
