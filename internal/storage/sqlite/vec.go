package sqlite

import (
	"encoding/binary"
	"math"
)

// serializeVector converts a float32 slice to the little-endian BLOB layout
// sqlite-vec expects for float[N] columns.
func serializeVector(vec []float32) ([]byte, error) {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}
