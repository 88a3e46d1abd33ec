package gemm

import "testing"

func TestAutotunerPicksBestAndCaches(t *testing.T) {
	t.Parallel()
	s := Shape{M: 64, K: 32, N: 64}
	base := DefaultTiling()

	calls := 0
	score := func(tl Tiling) float64 {
		calls++
		// Prefer wide tiles, then tall ones.
		return float64(tl.PECols*100 + tl.PERows)
	}

	a := NewAutotuner()
	got := a.Tiling(s, base, score)
	if got.PERows != 32 || got.PECols != 32 || got.GroupSize != base.GroupSize {
		t.Fatalf("tuned tiling = %+v, want 32x32", got)
	}
	first := calls
	if again := a.Tiling(s, base, score); again != got {
		t.Fatalf("cached tiling = %+v, want %+v", again, got)
	}
	if calls != first {
		t.Fatalf("cached lookup re-ran the scorer (%d -> %d calls)", first, calls)
	}
}

func TestCandidateTilingsDivideShape(t *testing.T) {
	t.Parallel()
	s := Shape{M: 48, K: 16, N: 16}
	for _, tl := range candidateTilings(s, DefaultTiling()) {
		if err := s.Validate(tl); err != nil {
			t.Fatalf("candidate %+v invalid: %v", tl, err)
		}
		if tl.PERows > maxPE || tl.PECols > maxPE {
			t.Fatalf("candidate %+v exceeds max edge", tl)
		}
	}
}

func TestTunedTilingMatchesReference(t *testing.T) {
	t.Parallel()
	s := Shape{M: 32, K: 64, N: 32}
	ops := randomOperands(t, s, DefaultTiling().GroupSize, 11)
	want := make([]int32, s.M*s.N)
	if err := Reference(s, DefaultTiling().GroupSize, ops, want); err != nil {
		t.Fatal(err)
	}
	for _, tl := range candidateTilings(s, DefaultTiling()) {
		e := NewEngine(WithTiling(tl), WithWorkers(2))
		got := make([]int32, s.M*s.N)
		if err := e.MatMul(s, ops, got); err != nil {
			e.Close()
			t.Fatalf("tiling %+v: %v", tl, err)
		}
		e.Close()
		assertEqualInt32(t, got, want)
	}
}
