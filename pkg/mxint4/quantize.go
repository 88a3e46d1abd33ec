package mxint4

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// groupsPerTask is the number of groups one parallel task quantizes.
const groupsPerTask = 1024

// GroupScale derives the scale value for a group from its largest magnitude:
// clamp(floor(log2(max_abs)) - 3, 0, 3). Zero or negative max_abs yields 0.
func GroupScale(maxAbs float32) uint8 {
	if !(maxAbs > 0) {
		return 0
	}
	if math.IsInf(float64(maxAbs), 1) {
		return MaxScale
	}
	// Frexp gives maxAbs = frac * 2^exp with frac in [0.5, 1), so
	// floor(log2(maxAbs)) == exp-1 exactly, including at powers of two.
	_, exp := math.Frexp(float64(maxAbs))
	shift := exp - 1 - scaleBias
	return uint8(min(max(shift, 0), MaxScale))
}

// ScaleStep returns the weight value of one nibble unit at the given scale.
func ScaleStep(scale uint8) float32 {
	return float32(int32(1) << ((scale & 0x3) * 2))
}

// QuantizeValue maps w to a nibble at the given scale: divide by the scale
// step, round half away from zero, clamp to [-8,7].
func QuantizeValue(w float32, scale uint8) int8 {
	q := math.Round(float64(w / ScaleStep(scale)))
	if math.IsNaN(q) {
		return 0
	}
	return int8(min(max(q, MinNibble), MaxNibble))
}

// Quantize converts a flat K×N weight array into packed nibbles and scales.
func Quantize(weights []float32, groupSize int) ([]uint8, []uint8, error) {
	packed, scales, err := allocOutputs(len(weights), groupSize)
	if err != nil {
		return nil, nil, err
	}
	quantizeGroups(packed, scales, weights, groupSize, 0, len(scales))
	return packed, scales, nil
}

// QuantizeInto is Quantize with caller-owned output buffers.
func QuantizeInto(packed, scales []uint8, weights []float32, groupSize int) error {
	if err := CheckLayout(len(weights), len(packed), len(scales), groupSize); err != nil {
		return err
	}
	quantizeGroups(packed, scales, weights, groupSize, 0, len(scales))
	return nil
}

// QuantizeParallel produces the same output as Quantize, with groups split
// across up to workers goroutines. workers <= 0 uses GOMAXPROCS.
func QuantizeParallel(ctx context.Context, weights []float32, groupSize, workers int) ([]uint8, []uint8, error) {
	packed, scales, err := allocOutputs(len(weights), groupSize)
	if err != nil {
		return nil, nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	groups := len(scales)
	for gs := 0; gs < groups; gs += groupsPerTask {
		ge := min(gs+groupsPerTask, groups)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			quantizeGroups(packed, scales, weights, groupSize, gs, ge)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return packed, scales, nil
}

func allocOutputs(n, groupSize int) ([]uint8, []uint8, error) {
	if err := CheckGroupSize(groupSize); err != nil {
		return nil, nil, err
	}
	if err := CheckLayout(n, PackedLen(n), ScaleLen(n, groupSize), groupSize); err != nil {
		return nil, nil, err
	}
	return make([]uint8, PackedLen(n)), make([]uint8, ScaleLen(n, groupSize)), nil
}

// quantizeGroups encodes groups [gs, ge). Each group writes only its own
// scale and its own packed bytes.
func quantizeGroups(packed, scales []uint8, weights []float32, groupSize, gs, ge int) {
	for grp := gs; grp < ge; grp++ {
		base := grp * groupSize
		group := weights[base : base+groupSize]

		var maxAbs float32
		for _, w := range group {
			maxAbs = max(maxAbs, float32(math.Abs(float64(w))))
		}
		scale := GroupScale(maxAbs)
		scales[grp] = scale

		for i := 0; i < groupSize; i += 2 {
			w0 := QuantizeValue(group[i], scale)
			w1 := QuantizeValue(group[i+1], scale)
			packed[(base+i)/2] = uint8(w0)&0x0F | (uint8(w1)&0x0F)<<4
		}
	}
}
