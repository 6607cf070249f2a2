package store

import (
	"encoding/binary"
	"math"
)

// encodeFloat32SliceToBlob packs a float32 slice into the little-endian
// binary layout sqlite-vec expects.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	blob := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// decodeBlobToFloat32Slice reverses encodeFloat32SliceToBlob. Returns nil
// if the blob length is not a multiple of 4.
func decodeBlobToFloat32Slice(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
