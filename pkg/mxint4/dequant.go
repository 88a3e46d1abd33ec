package mxint4

// Dequantize reconstructs the integer weight stored in one nibble of packed.
// upper selects the high nibble (odd flattened index). Only the low two bits
// of scale are significant.
//
// The result is exact: nibbles in [-8,7] shifted by up to 6 bits span
// [-512,448], which does not fit int8.
func Dequantize(packed byte, upper bool, scale uint8) int16 {
	nib := packed & 0x0F
	if upper {
		nib = packed >> 4
	}
	if nib&0x08 != 0 {
		nib |= 0xF0
	}
	return int16(int8(nib)) << ((scale & 0x3) * 2)
}

// WeightAt dequantizes the weight at flattened index idx (k*N+n).
// Every consumer of packed weights decodes through this function.
func WeightAt(packed, scales []uint8, idx, groupSize int) int16 {
	return Dequantize(packed[idx>>1], idx&1 == 1, scales[idx/groupSize])
}

// Nibble returns the raw signed 4-bit value without applying the scale.
func Nibble(packed byte, upper bool) int8 {
	return int8(Dequantize(packed, upper, 0))
}
