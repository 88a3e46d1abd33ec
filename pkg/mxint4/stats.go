package mxint4

import "math"

// Stats summarises how well a weight array survived quantization.
type Stats struct {
	Groups int `json:"groups"`
	// ScaleHistogram counts groups per scale value.
	ScaleHistogram [MaxScale + 1]int `json:"scale_histogram"`
	// Saturated counts elements whose scaled magnitude exceeded the nibble
	// range and were clamped.
	Saturated   int     `json:"saturated"`
	MaxAbsError float32 `json:"max_abs_error"`
	GroupSize   int     `json:"group_size"`
}

// SaturationRate returns the fraction of clamped elements.
func (s Stats) SaturationRate() float64 {
	if s.Groups == 0 || s.GroupSize == 0 {
		return 0
	}
	return float64(s.Saturated) / float64(s.Groups*s.GroupSize)
}

// ScaleStats fills the fields of Stats that need only the scales. Error and
// saturation counts stay zero.
func ScaleStats(scales []uint8, groupSize int) Stats {
	st := Stats{Groups: len(scales), GroupSize: groupSize}
	for _, scale := range scales {
		st.ScaleHistogram[scale&0x3]++
	}
	return st
}

// Analyze compares weights against their quantized form.
func Analyze(weights []float32, packed, scales []uint8, groupSize int) (Stats, error) {
	if err := CheckLayout(len(weights), len(packed), len(scales), groupSize); err != nil {
		return Stats{}, err
	}
	st := ScaleStats(scales, groupSize)
	for grp, scale := range scales {
		step := float64(ScaleStep(scale))
		base := grp * groupSize
		for i := base; i < base+groupSize; i++ {
			w := float64(weights[i])
			scaled := math.Round(w / step)
			if scaled > MaxNibble || scaled < MinNibble {
				st.Saturated++
			}
			diff := math.Abs(float64(WeightAt(packed, scales, i, groupSize)) - w)
			st.MaxAbsError = max(st.MaxAbsError, float32(diff))
		}
	}
	return st, nil
}
