package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// EmbedStage produces one vector per chunk via the injected ModelService.
// It may never be skipped for cost (embeddings prefer a free local
// provider, per §4.8), only retried on transient failure.
type EmbedStage struct {
	Models ModelService
}

func (EmbedStage) Name() string { return StageEmbed }

func (s EmbedStage) Process(ctx context.Context, d Doc) (StageOutput, error) {
	if len(d.Bytes) == 0 {
		return StageOutput{}, fmt.Errorf("%w: embed received empty input", ErrEmptyContent)
	}

	vec, info, err := s.Models.Embed(ctx, string(d.Bytes), d.Priority)
	if err != nil {
		return StageOutput{}, err
	}

	return StageOutput{Bytes: EncodeVector(vec), Format: "application/x-koi-embedding", ModelInfo: info}, nil
}

// EncodeVector serializes a float32 vector to a deterministic byte
// representation so it can be content-addressed and stored like any
// other artifact: a little-endian float32 array with no padding.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) []float32 {
	n := len(b) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec
}
