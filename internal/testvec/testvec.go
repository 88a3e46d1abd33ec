// Package testvec synthesizes reproducible activations and weights for the
// verification harness.
package testvec

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/mxgemm/internal/gemm"
)

const (
	SourcePattern = "pattern"
	SourceRandom  = "random"
)

// DefaultAmplitude is the RandomWeights bound used by Generate. Runs then
// span ±8 to ±64, which exercises all four scales.
const DefaultAmplitude = 64

// Vectors are the harness inputs: int8 activations (M×K) and float weights
// (K×N) ready for mxint4.Quantize.
type Vectors struct {
	Shape       gemm.Shape
	Activations []int8
	Weights     []float32
}

// PatternActivations returns ((i mod 17) - 8) / 8 for i in [0, m*k).
func PatternActivations(m, k int) []float32 {
	out := make([]float32, m*k)
	for i := range out {
		out[i] = float32(i%17-8) / 8
	}
	return out
}

// PatternWeights returns ((i mod 19) - 9) / 9 for i in [0, k*n).
func PatternWeights(k, n int) []float32 {
	out := make([]float32, k*n)
	for i := range out {
		out[i] = float32(i%19-9) / 9
	}
	return out
}

// RandomActivations returns uniform values in [-1, 1).
func RandomActivations(m, k int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, m*k)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

// RandomWeights returns values whose magnitude varies per 16-element run so
// every scale exponent shows up: each run draws uniformly from
// [-a, a) with a = amplitude / 2^j, j random in [0, 4).
func RandomWeights(k, n int, seed int64, amplitude float32) []float32 {
	rng := rand.New(rand.NewSource(seed ^ 0x5eed))
	out := make([]float32, k*n)
	a := amplitude
	for i := range out {
		if i%16 == 0 {
			a = amplitude / float32(int(1)<<rng.Intn(4))
		}
		out[i] = (rng.Float32()*2 - 1) * a
	}
	return out
}

// QuantizeActivations scales by 127, clamps to [-127, 127] and truncates
// toward zero.
func QuantizeActivations(src []float32) []int8 {
	out := make([]int8, len(src))
	for i, x := range src {
		v := x * 127
		if v > 127 {
			v = 127
		} else if v < -127 {
			v = -127
		}
		out[i] = int8(v)
	}
	return out
}

// Generate builds the harness inputs for shape from the named source.
func Generate(source string, s gemm.Shape, seed int64) (Vectors, error) {
	v := Vectors{Shape: s}
	switch source {
	case SourcePattern, "":
		v.Activations = QuantizeActivations(PatternActivations(s.M, s.K))
		v.Weights = PatternWeights(s.K, s.N)
	case SourceRandom:
		v.Activations = QuantizeActivations(RandomActivations(s.M, s.K, seed))
		v.Weights = RandomWeights(s.K, s.N, seed, DefaultAmplitude)
	default:
		return Vectors{}, fmt.Errorf("unknown vector source %q (want %s or %s)", source, SourcePattern, SourceRandom)
	}
	return v, nil
}
