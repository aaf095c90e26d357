package pipeline

import (
	"context"
	"fmt"
	"strings"
)

const (
	DefaultTargetTokens = 500
	DefaultOverlap      = 100
)

// ChunkStage splits a markdown artifact into a token-based sliding window
// of in-memory fragments. No chunk is stored as its own artifact: the
// Engine stores one JSON manifest of all chunks under the document's chunk
// RID, and each chunk's Embed/Enrich outputs become artifacts. It never
// calls an external model and cannot be skipped.
type ChunkStage struct {
	TargetTokens int
	Overlap      int
}

func NewChunkStage(targetTokens, overlap int) ChunkStage {
	if targetTokens <= 0 {
		targetTokens = DefaultTargetTokens
	}
	if overlap < 0 || overlap >= targetTokens {
		overlap = DefaultOverlap
	}
	return ChunkStage{TargetTokens: targetTokens, Overlap: overlap}
}

func (c ChunkStage) Name() string { return StageChunk }

// Process splits d.Bytes (markdown text) into Chunks. A token is
// approximated as a whitespace-delimited word; this keeps the stage
// dependency-free while still producing a token-based sliding window
// with deterministic, reproducible offsets.
func (c ChunkStage) Process(ctx context.Context, d Doc) (StageOutput, error) {
	if len(d.Bytes) == 0 {
		return StageOutput{}, fmt.Errorf("%w: chunk received empty input", ErrEmptyContent)
	}

	tokens := strings.Fields(string(d.Bytes))
	if len(tokens) == 0 {
		// Whitespace-only input still produces exactly one chunk.
		return StageOutput{Chunks: []Chunk{{FragmentRid: d.Rid + "#chunk-0", Text: string(d.Bytes), StartToken: 0, EndToken: 0}}}, nil
	}

	step := c.TargetTokens - c.Overlap
	if step <= 0 {
		step = 1
	}

	var chunks []Chunk
	idx := 0
	for start := 0; start < len(tokens); start += step {
		end := start + c.TargetTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, Chunk{
			FragmentRid: fmt.Sprintf("%s#chunk-%d", d.Rid, idx),
			Text:        strings.Join(tokens[start:end], " "),
			StartToken:  start,
			EndToken:    end,
		})
		idx++
		if end == len(tokens) {
			break
		}
	}

	return StageOutput{Chunks: chunks}, nil
}
