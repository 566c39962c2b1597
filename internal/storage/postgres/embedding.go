package postgres

import (
	"encoding/binary"
	"fmt"
	"math"
)

// serializeEmbedding converts a float32 vector to a little-endian byte array,
// 4 bytes per component. A nil vector maps to a nil value (stored as NULL).
// The format matches the SQLite store so databases can be migrated by copying
// rows as-is.
func serializeEmbedding(embedding []float32) []byte {
	if embedding == nil {
		return nil
	}
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding converts a stored byte array back to a float32 vector.
func deserializeEmbedding(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("postgres: embedding value length %d is not a multiple of 4", len(data))
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding, nil
}
