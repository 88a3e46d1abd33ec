package gemm

import "github.com/samcharles93/mxgemm/pkg/mxint4"

// Reference computes out = act × dequant(w) with a plain triple loop.
// It is the correctness oracle for Engine and does no tiling or caching.
func Reference(s Shape, groupSize int, ops Operands, out []int32) error {
	t := Tiling{PERows: 1, PECols: 1, GroupSize: groupSize}
	if err := CheckOperands(s, t, ops, out); err != nil {
		return err
	}

	m, k, n := s.M, s.K, s.N
	for i := 0; i < m; i++ {
		aRow := ops.Activations[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			var sum int32
			for kk := 0; kk < k; kk++ {
				w := mxint4.WeightAt(ops.Packed, ops.Scales, kk*n+j, groupSize)
				sum += int32(aRow[kk]) * int32(w)
			}
			out[i*n+j] = sum
		}
	}
	return nil
}
