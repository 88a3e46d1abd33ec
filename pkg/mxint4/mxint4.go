// Package mxint4 implements the MXINT4 block-scaled weight format.
//
// Weights are stored as signed 4-bit nibbles, two per byte, with one 2-bit
// power-of-two scale shared by every GroupSize consecutive weights of the
// flattened matrix. A scale value s means the nibble is shifted left by 2*s.
//
// Decoded weights are exact int16 values in [-512, 448]. An 8-bit decoder
// wraps for scales 2 and 3; this package does not, so bit patterns differ
// from such decoders whenever the shifted value leaves the int8 range.
package mxint4

import (
	"errors"
	"fmt"
)

const (
	// GroupSize is the default number of weights sharing one scale.
	GroupSize = 16

	// MinNibble and MaxNibble bound the signed 4-bit range.
	MinNibble = -8
	MaxNibble = 7

	// MaxScale is the largest encodable scale value (shift of 6 bits).
	MaxScale = 3

	// scaleBias maps floor(log2(max_abs)) to the scale value.
	scaleBias = 3
)

var (
	ErrGroupSize = errors.New("mxint4: invalid group size")
	ErrLength    = errors.New("mxint4: length mismatch")
)

// PackedLen returns the packed byte count for n weights.
func PackedLen(n int) int { return n / 2 }

// ScaleLen returns the number of scales for n weights.
func ScaleLen(n, groupSize int) int { return n / groupSize }

// CheckGroupSize reports whether groupSize can pair nibbles inside a group.
func CheckGroupSize(groupSize int) error {
	if groupSize <= 0 || groupSize%2 != 0 {
		return fmt.Errorf("%w: %d (must be positive and even)", ErrGroupSize, groupSize)
	}
	return nil
}

// CheckLayout validates weight, packed and scale lengths against groupSize.
func CheckLayout(weights, packed, scales, groupSize int) error {
	if err := CheckGroupSize(groupSize); err != nil {
		return err
	}
	if weights <= 0 || weights%groupSize != 0 {
		return fmt.Errorf("%w: %d weights not divisible by group size %d", ErrLength, weights, groupSize)
	}
	if packed != PackedLen(weights) {
		return fmt.Errorf("%w: packed buffer has %d bytes, want %d", ErrLength, packed, PackedLen(weights))
	}
	if scales != ScaleLen(weights, groupSize) {
		return fmt.Errorf("%w: scale buffer has %d entries, want %d", ErrLength, scales, ScaleLen(weights, groupSize))
	}
	return nil
}
