package gemm

import (
	"errors"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

func randomOperands(t testing.TB, s Shape, groupSize int, seed int64) Operands {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	act := make([]int8, s.M*s.K)
	for i := range act {
		act[i] = int8(rng.Intn(256) - 128)
	}
	weights := make([]float32, s.K*s.N)
	for i := range weights {
		// Spread magnitudes so every scale value shows up.
		amp := float32(int(1) << rng.Intn(9))
		weights[i] = (rng.Float32()*2 - 1) * amp
	}
	packed, scales, err := mxint4.Quantize(weights, groupSize)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	return Operands{Activations: act, Packed: packed, Scales: scales}
}

func assertEqualInt32(t *testing.T, got, want []int32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestReferenceSmall(t *testing.T) {
	t.Parallel()

	// M=1, K=2, N=2, one group of 4 weights at scale 0:
	// w = [[1, -2], [3, 4]] flattened as k*N+n.
	ops := Operands{
		Activations: []int8{5, -1},
		Packed:      []uint8{0xE1, 0x43},
		Scales:      []uint8{0},
	}
	out := make([]int32, 2)
	if err := Reference(Shape{M: 1, K: 2, N: 2}, 4, ops, out); err != nil {
		t.Fatalf("Reference: %v", err)
	}
	want := []int32{5*1 + -1*3, 5*-2 + -1*4}
	assertEqualInt32(t, out, want)
}

func TestEngineMatchesReference(t *testing.T) {
	t.Parallel()

	cases := []struct {
		shape  Shape
		tiling Tiling
	}{
		{Shape{M: 16, K: 16, N: 16}, DefaultTiling()},
		{Shape{M: 32, K: 48, N: 64}, DefaultTiling()},
		{Shape{M: 64, K: 130, N: 32}, DefaultTiling()},
		{Shape{M: 24, K: 20, N: 12}, Tiling{PERows: 8, PECols: 4, GroupSize: 8}},
		{Shape{M: 3, K: 7, N: 6}, Tiling{PERows: 1, PECols: 3, GroupSize: 2}},
	}
	for ci, tc := range cases {
		ops := randomOperands(t, tc.shape, tc.tiling.GroupSize, int64(ci+1))
		want := make([]int32, tc.shape.M*tc.shape.N)
		if err := Reference(tc.shape, tc.tiling.GroupSize, ops, want); err != nil {
			t.Fatalf("case %d Reference: %v", ci, err)
		}
		for _, workers := range []int{1, 2, 3, runtime.GOMAXPROCS(0) + 1} {
			e := NewEngine(WithTiling(tc.tiling), WithWorkers(workers))
			got := make([]int32, len(want))
			for i := range got {
				got[i] = -1
			}
			if err := e.MatMul(tc.shape, ops, got); err != nil {
				e.Close()
				t.Fatalf("case %d workers=%d MatMul: %v", ci, workers, err)
			}
			e.Close()
			assertEqualInt32(t, got, want)
		}
	}
}

func TestEngineIdentityWeights(t *testing.T) {
	t.Parallel()

	s := Shape{M: 16, K: 16, N: 16}
	act := make([]int8, s.M*s.K)
	for m := 0; m < s.M; m++ {
		act[m*s.K+m] = 1
	}
	// Arbitrary values off the diagonal in the last row.
	for k := 0; k < s.K; k++ {
		act[(s.M-1)*s.K+k] = int8(k*7 - 50)
	}

	weights := make([]float32, s.K*s.N)
	for k := 0; k < s.K; k++ {
		weights[k*s.N+k] = 1
	}
	packed, scales, err := mxint4.Quantize(weights, mxint4.GroupSize)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	e := NewEngine(WithWorkers(1))
	defer e.Close()
	out := make([]int32, s.M*s.N)
	if err := e.MatMul(s, Operands{Activations: act, Packed: packed, Scales: scales}, out); err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	for i := range act {
		if out[i] != int32(act[i]) {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], act[i])
		}
	}
}

func TestEngineWeightCacheMatchesDequantize(t *testing.T) {
	t.Parallel()

	// N=16 with GroupSize=16 makes every k row one group: row k uses scale
	// k/32 and byte values (k%32)*8 .. +7, so all 256 bytes × 2 nibbles ×
	// 4 scales appear exactly once.
	s := Shape{M: 16, K: 128, N: 16}
	packed := make([]uint8, s.K*s.N/2)
	scales := make([]uint8, s.K)
	for k := 0; k < s.K; k++ {
		scales[k] = uint8(k / 32)
		for b := 0; b < 8; b++ {
			packed[k*8+b] = uint8((k%32)*8 + b)
		}
	}
	ops := Operands{Activations: make([]int8, s.M*s.K), Packed: packed, Scales: scales}

	e := NewEngine(WithWorkers(1))
	defer e.Close()
	c, err := e.Preload(s, ops)
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}

	seen := make(map[[3]int]bool)
	tile := c.WeightTile(0)
	for k := 0; k < s.K; k++ {
		for n := 0; n < s.N; n++ {
			b := packed[(k*s.N+n)/2]
			upper := n%2 == 1
			raw := int(b & 0x0F)
			if upper {
				raw = int(b >> 4)
			}
			if raw >= 8 {
				raw -= 16
			}
			want := int16(raw << (2 * int(scales[k])))
			if got := tile[n*s.K+k]; got != want {
				t.Fatalf("k=%d n=%d byte=%#x upper=%v scale=%d: cache %d want %d", k, n, b, upper, scales[k], got, want)
			}
			if ref := mxint4.WeightAt(packed, scales, k*s.N+n, mxint4.GroupSize); ref != want {
				t.Fatalf("k=%d n=%d: reference path %d want %d", k, n, ref, want)
			}
			seen[[3]int{int(b), n % 2, int(scales[k])}] = true
		}
	}
	if len(seen) != 256*2*4 {
		t.Fatalf("covered %d combinations, want %d", len(seen), 256*2*4)
	}
}

func TestEngineTileIndependence(t *testing.T) {
	t.Parallel()

	s := Shape{M: 48, K: 40, N: 32}
	ops := randomOperands(t, s, mxint4.GroupSize, 99)
	e := NewEngine(WithWorkers(4))
	defer e.Close()

	c, err := e.Preload(s, ops)
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	full := make([]int32, s.M*s.N)
	if err := e.Compute(c, full); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	tl := e.Tiling()
	const sentinel = int32(-7777777)
	for mt := 0; mt < s.MTiles(tl); mt++ {
		for nt := 0; nt < s.NTiles(tl); nt++ {
			single := make([]int32, len(full))
			for i := range single {
				single[i] = sentinel
			}
			c.ComputeTile(mt, nt, single)
			for m := 0; m < s.M; m++ {
				for n := 0; n < s.N; n++ {
					idx := m*s.N + n
					inTile := m/tl.PERows == mt && n/tl.PECols == nt
					switch {
					case inTile && single[idx] != full[idx]:
						t.Fatalf("tile (%d,%d) element (%d,%d): isolated %d full %d", mt, nt, m, n, single[idx], full[idx])
					case !inTile && single[idx] != sentinel:
						t.Fatalf("tile (%d,%d) wrote outside its region at (%d,%d)", mt, nt, m, n)
					}
				}
			}
		}
	}
}

func TestEngineRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	e := NewEngine(WithWorkers(2))
	defer e.Close()

	valid := Shape{M: 16, K: 16, N: 16}
	ops := randomOperands(t, valid, mxint4.GroupSize, 5)

	cases := []struct {
		name  string
		shape Shape
		ops   Operands
		out   int
	}{
		{"m not tile divisible", Shape{M: 17, K: 16, N: 16}, Operands{}, 17 * 16},
		{"n not tile divisible", Shape{M: 16, K: 16, N: 20}, ops, 16 * 20},
		{"zero k", Shape{M: 16, K: 0, N: 16}, ops, 256},
		{"k too large", Shape{M: 16, K: MaxK + 16, N: 16}, ops, 256},
		{"short activations", valid, Operands{Activations: ops.Activations[:10], Packed: ops.Packed, Scales: ops.Scales}, 256},
		{"short packed", valid, Operands{Activations: ops.Activations, Packed: ops.Packed[:1], Scales: ops.Scales}, 256},
		{"long scales", valid, Operands{Activations: ops.Activations, Packed: ops.Packed, Scales: append(ops.Scales[:len(ops.Scales):len(ops.Scales)], 0)}, 256},
		{"short output", valid, ops, 255},
	}
	for _, tc := range cases {
		out := make([]int32, tc.out)
		for i := range out {
			out[i] = 42
		}
		err := e.MatMul(tc.shape, tc.ops, out)
		if !errors.Is(err, ErrShape) {
			t.Fatalf("%s: expected ErrShape, got %v", tc.name, err)
		}
		for i, v := range out {
			if v != 42 {
				t.Fatalf("%s: output %d modified before rejection", tc.name, i)
			}
		}
	}

	odd := NewEngine(WithWorkers(1), WithTiling(Tiling{PERows: 16, PECols: 16, GroupSize: 3}))
	defer odd.Close()
	if err := odd.MatMul(valid, ops, make([]int32, 256)); !errors.Is(err, ErrShape) {
		t.Fatalf("odd group size: expected ErrShape, got %v", err)
	}
	if err := Reference(Shape{M: 16, K: 16, N: 16}, 16, Operands{}, nil); !errors.Is(err, ErrShape) {
		t.Fatalf("Reference with empty operands: expected ErrShape, got %v", err)
	}
}

func TestEngineConcurrentMatMul(t *testing.T) {
	t.Parallel()

	s := Shape{M: 32, K: 64, N: 32}
	e := NewEngine(WithWorkers(3))
	defer e.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for g := 0; g < 6; g++ {
		ops := randomOperands(t, s, mxint4.GroupSize, int64(100+g))
		want := make([]int32, s.M*s.N)
		if err := Reference(s, mxint4.GroupSize, ops, want); err != nil {
			t.Fatalf("Reference: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := make([]int32, len(want))
			for rep := 0; rep < 3; rep++ {
				if err := e.MatMul(s, ops, got); err != nil {
					errs <- err
					return
				}
				for i := range want {
					if got[i] != want[i] {
						errs <- errors.New("concurrent result diverged from reference")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	phases map[Phase]int
	tiles  int
}

func (r *recordingObserver) ObservePhase(p Phase, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phases == nil {
		r.phases = make(map[Phase]int)
	}
	r.phases[p]++
}

func (r *recordingObserver) ObserveTiles(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiles += n
}

func TestEngineReportsPhases(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	e := NewEngine(WithWorkers(2), WithObserver(obs))
	defer e.Close()

	s := Shape{M: 32, K: 16, N: 48}
	ops := randomOperands(t, s, mxint4.GroupSize, 3)
	if err := e.MatMul(s, ops, make([]int32, s.M*s.N)); err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	for _, p := range []Phase{PhaseActivations, PhaseWeights, PhaseCompute} {
		if obs.phases[p] != 1 {
			t.Fatalf("phase %s observed %d times, want 1", p, obs.phases[p])
		}
	}
	if obs.tiles != 2*3 {
		t.Fatalf("tiles = %d, want 6", obs.tiles)
	}
}

func TestComputeRejectsForeignCaches(t *testing.T) {
	t.Parallel()

	s := Shape{M: 16, K: 16, N: 16}
	ops := randomOperands(t, s, mxint4.GroupSize, 8)
	a := NewEngine(WithWorkers(1))
	defer a.Close()
	b := NewEngine(WithWorkers(1), WithTiling(Tiling{PERows: 8, PECols: 8, GroupSize: 16}))
	defer b.Close()

	c, err := a.Preload(s, ops)
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if err := b.Compute(c, make([]int32, 256)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if err := a.Compute(c, make([]int32, 10)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for short output, got %v", err)
	}
}

func TestComputeRejectsNilCaches(t *testing.T) {
	t.Parallel()

	e := NewEngine(WithWorkers(1))
	defer e.Close()
	if err := e.Compute(nil, make([]int32, 16)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestShapeValidateDefaults(t *testing.T) {
	t.Parallel()

	if err := DefaultShape().Validate(DefaultTiling()); err != nil {
		t.Fatalf("default shape invalid: %v", err)
	}
	s := DefaultShape()
	if s.MTiles(DefaultTiling()) != 8 || s.NTiles(DefaultTiling()) != 32 {
		t.Fatalf("unexpected tile counts %d x %d", s.MTiles(DefaultTiling()), s.NTiles(DefaultTiling()))
	}
	if s.FLOPs() != 2*128*4096*512 {
		t.Fatalf("unexpected FLOPs %v", s.FLOPs())
	}
}

func BenchmarkReference(b *testing.B) {
	s := Shape{M: 64, K: 512, N: 128}
	ops := randomOperands(b, s, mxint4.GroupSize, 1)
	out := make([]int32, s.M*s.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := Reference(s, mxint4.GroupSize, ops, out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEngine(b *testing.B) {
	s := Shape{M: 64, K: 512, N: 128}
	ops := randomOperands(b, s, mxint4.GroupSize, 1)
	out := make([]int32, s.M*s.N)
	for _, workers := range []int{1, runtime.GOMAXPROCS(0)} {
		e := NewEngine(WithWorkers(workers))
		b.Run("workers="+strconv.Itoa(workers), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if err := e.MatMul(s, ops, out); err != nil {
					b.Fatal(err)
				}
			}
		})
		e.Close()
	}
}
