package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeStage converts raw bytes into a canonical normalized form:
// UTF-8 validated, BOM stripped, line endings collapsed to "\n", and
// Unicode-normalized to NFC so visually identical text that arrived in
// different composed/decomposed forms hashes identically downstream. It
// never calls an external model and cannot be skipped.
type NormalizeStage struct{}

func (NormalizeStage) Name() string { return StageNormalize }

func (NormalizeStage) Process(ctx context.Context, d Doc) (StageOutput, error) {
	if len(d.Bytes) == 0 {
		return StageOutput{}, fmt.Errorf("%w: normalize received empty input", ErrEmptyContent)
	}
	if !utf8.Valid(d.Bytes) {
		return StageOutput{}, fmt.Errorf("%w: input is not valid utf-8", ErrMalformedInput)
	}

	raw := bytes.TrimPrefix(d.Bytes, []byte{0xEF, 0xBB, 0xBF})
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	raw = bytes.ReplaceAll(raw, []byte("\r"), []byte("\n"))
	raw = norm.NFC.Bytes(raw)

	return StageOutput{Bytes: raw, Format: "text/plain"}, nil
}
