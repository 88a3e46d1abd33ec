package testvec

import (
	"math"
	"testing"

	"github.com/samcharles93/mxgemm/internal/gemm"
)

func TestPatternActivations(t *testing.T) {
	t.Parallel()
	a := PatternActivations(2, 20)
	if a[0] != -1 || a[8] != 0 || a[16] != 1 || a[17] != -1 {
		t.Fatalf("unexpected pattern head: %v", a[:18])
	}
}

func TestPatternWeights(t *testing.T) {
	t.Parallel()
	w := PatternWeights(4, 10)
	if w[0] != -1 || w[9] != 0 || w[18] != 1 || w[19] != -1 {
		t.Fatalf("unexpected pattern head: %v", w[:20])
	}
}

func TestQuantizeActivations(t *testing.T) {
	t.Parallel()
	got := QuantizeActivations([]float32{-2, -1, -0.5, 0, 0.004, 0.5, 1, 3})
	want := []int8{-127, -127, -63, 0, 0, 63, 127, 127}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("QuantizeActivations[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRandomIsReproducible(t *testing.T) {
	t.Parallel()
	a := RandomWeights(16, 16, 42, 4)
	b := RandomWeights(16, 16, 42, 4)
	c := RandomWeights(16, 16, 43, 4)
	same := true
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed differs at %d", i)
		}
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Fatal("different seeds produced identical weights")
	}
}

func TestRandomWeightsWithinAmplitude(t *testing.T) {
	t.Parallel()
	for i, w := range RandomWeights(64, 64, 1, 6) {
		if math.Abs(float64(w)) > 6 {
			t.Fatalf("weight %d = %v exceeds amplitude", i, w)
		}
	}
	for i, x := range RandomActivations(8, 64, 1) {
		if x < -1 || x >= 1 {
			t.Fatalf("activation %d = %v out of range", i, x)
		}
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	s := gemm.Shape{M: 16, K: 32, N: 16}
	for _, src := range []string{SourcePattern, SourceRandom, ""} {
		v, err := Generate(src, s, 9)
		if err != nil {
			t.Fatalf("Generate(%q): %v", src, err)
		}
		if len(v.Activations) != s.M*s.K || len(v.Weights) != s.K*s.N {
			t.Fatalf("Generate(%q): lengths %d/%d", src, len(v.Activations), len(v.Weights))
		}
		if v.Shape != s {
			t.Fatalf("Generate(%q): shape %+v", src, v.Shape)
		}
	}
	if _, err := Generate("noise", s, 0); err == nil {
		t.Fatal("expected error for unknown source")
	}
}
