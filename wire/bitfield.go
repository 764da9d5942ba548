package wire

import "github.com/willf/bitset"

// EncodeBitfield packs bs's first numPieces bits into the BITFIELD
// message's wire format: one bit per piece, MSB-first within each byte,
// padded with zero bits in the final byte.
func EncodeBitfield(bs *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if !bs.Test(uint(i)) {
			continue
		}
		out[i/8] |= 0x80 >> uint(i%8)
	}
	return out
}

// DecodeBitfield unpacks a BITFIELD message's raw payload into a BitSet of
// numPieces bits, per EncodeBitfield's layout. Trailing bits beyond
// numPieces (the spec pads to a byte boundary) are ignored.
func DecodeBitfield(raw []byte, numPieces int) *bitset.BitSet {
	bs := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			break
		}
		if raw[byteIdx]&(0x80>>uint(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return bs
}
