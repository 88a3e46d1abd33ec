package gemm

import (
	"errors"
	"fmt"

	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

// Default problem and grid dimensions.
const (
	DefaultM = 128
	DefaultK = 4096
	DefaultN = 512

	DefaultPERows = 16
	DefaultPECols = 16

	// MaxK keeps the int32 accumulator inside its range for int8 activations
	// and dequantized weights in [-512, 448]: 2^14 * 2^7 * 2^9 = 2^30.
	MaxK = 1 << 14
)

// ErrShape marks every precondition violation: dimensions, tiling or buffer
// lengths that do not agree. It is returned before any buffer is touched.
var ErrShape = errors.New("gemm: shape mismatch")

// Shape holds the matrix dimensions of out[M×N] = act[M×K] × w[K×N].
type Shape struct {
	M int `json:"m" yaml:"m"`
	K int `json:"k" yaml:"k"`
	N int `json:"n" yaml:"n"`
}

// Tiling holds the compute grid and quantization group size.
type Tiling struct {
	PERows    int `json:"pe_rows" yaml:"pe_rows"`
	PECols    int `json:"pe_cols" yaml:"pe_cols"`
	GroupSize int `json:"group_size" yaml:"group_size"`
}

// DefaultShape returns the problem size used when none is configured.
func DefaultShape() Shape {
	return Shape{M: DefaultM, K: DefaultK, N: DefaultN}
}

// DefaultTiling returns the default compute grid with MXINT4 groups of 16.
func DefaultTiling() Tiling {
	return Tiling{PERows: DefaultPERows, PECols: DefaultPECols, GroupSize: mxint4.GroupSize}
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.M, s.K, s.N)
}

// FLOPs counts one multiply and one add per MAC.
func (s Shape) FLOPs() float64 {
	return 2 * float64(s.M) * float64(s.K) * float64(s.N)
}

// MTiles returns the number of output tiles along M.
func (s Shape) MTiles(t Tiling) int { return s.M / t.PERows }

// NTiles returns the number of output tiles along N.
func (s Shape) NTiles(t Tiling) int { return s.N / t.PECols }

// Validate checks that the grid dimensions are positive and the group size is usable.
func (t Tiling) Validate() error {
	if t.PERows <= 0 {
		return fmt.Errorf("%w: invalid pe_rows: %d (must be positive)", ErrShape, t.PERows)
	}
	if t.PECols <= 0 {
		return fmt.Errorf("%w: invalid pe_cols: %d (must be positive)", ErrShape, t.PECols)
	}
	if err := mxint4.CheckGroupSize(t.GroupSize); err != nil {
		return fmt.Errorf("%w: %w", ErrShape, err)
	}
	return nil
}

// Validate checks the dimensions against the tiling.
func (s Shape) Validate(t Tiling) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if s.M <= 0 || s.K <= 0 || s.N <= 0 {
		return fmt.Errorf("%w: invalid dims %s (must be positive)", ErrShape, s)
	}
	if s.K > MaxK {
		return fmt.Errorf("%w: invalid k: %d (must be <= %d)", ErrShape, s.K, MaxK)
	}
	if s.M%t.PERows != 0 {
		return fmt.Errorf("%w: m=%d not divisible by pe_rows=%d", ErrShape, s.M, t.PERows)
	}
	if s.N%t.PECols != 0 {
		return fmt.Errorf("%w: n=%d not divisible by pe_cols=%d", ErrShape, s.N, t.PECols)
	}
	if (s.K*s.N)%t.GroupSize != 0 {
		return fmt.Errorf("%w: k*n=%d not divisible by group_size=%d", ErrShape, s.K*s.N, t.GroupSize)
	}
	return nil
}

// Operands are the flat input buffers of one multiplication.
type Operands struct {
	Activations []int8  // M×K, row-major by K
	Packed      []uint8 // K×N/2 nibble pairs
	Scales      []uint8 // K×N/GroupSize, low two bits significant
}

// CheckOperands validates shape, tiling and every buffer length.
func CheckOperands(s Shape, t Tiling, ops Operands, out []int32) error {
	if err := checkInputs(s, t, ops); err != nil {
		return err
	}
	if len(out) != s.M*s.N {
		return fmt.Errorf("%w: output has %d elements, want %d", ErrShape, len(out), s.M*s.N)
	}
	return nil
}

func checkInputs(s Shape, t Tiling, ops Operands) error {
	if err := s.Validate(t); err != nil {
		return err
	}
	if len(ops.Activations) != s.M*s.K {
		return fmt.Errorf("%w: activations have %d elements, want %d", ErrShape, len(ops.Activations), s.M*s.K)
	}
	if err := mxint4.CheckLayout(s.K*s.N, len(ops.Packed), len(ops.Scales), t.GroupSize); err != nil {
		return fmt.Errorf("%w: %w", ErrShape, err)
	}
	return nil
}
