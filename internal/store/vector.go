package store

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"

	sqlite "modernc.org/sqlite"
)

func init() {
	// cbr_similarity(a, b) returns the cosine similarity of two float32 blobs,
	// or NULL when they cannot be compared.
	if err := sqlite.RegisterDeterministicScalarFunction("cbr_similarity", 2, cbrSimilarity); err != nil {
		panic(fmt.Sprintf("failed to register cbr_similarity: %v", err))
	}
}

func cbrSimilarity(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("cbr_similarity expects 2 arguments")
	}
	a, err := decodeBlob(args[0])
	if err != nil {
		return nil, err
	}
	b, err := decodeBlob(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) == 0 || len(a) != len(b) {
		return nil, nil
	}

	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return nil, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// encodeVector packs v as little-endian float32.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func decodeBlob(v driver.Value) ([]float32, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return decodeVector(x)
	case string:
		return decodeVector([]byte(x))
	default:
		return nil, fmt.Errorf("cbr_similarity: unsupported type %T", v)
	}
}
