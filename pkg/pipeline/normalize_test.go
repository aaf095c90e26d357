package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStageStripsBOMAndCollapsesLineEndings(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("first\r\nsecond\rthird\n")...)

	out, err := NormalizeStage{}.Process(context.Background(), Doc{Bytes: raw})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird\n", string(out.Bytes))
}

func TestNormalizeStageAppliesNFC(t *testing.T) {
	// "cafe" followed by U+0301 (combining acute accent) is the
	// NFD-decomposed spelling; NFC folds the final "e"+accent pair into
	// the single precomposed U+00E9 rune ("e" with an acute accent).
	decomposed := []byte("café")
	composed := "café"

	out, err := NormalizeStage{}.Process(context.Background(), Doc{Bytes: decomposed})
	require.NoError(t, err)
	assert.Equal(t, composed, string(out.Bytes))
}

func TestNormalizeStageRejectsEmptyInput(t *testing.T) {
	_, err := NormalizeStage{}.Process(context.Background(), Doc{})
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestNormalizeStageRejectsInvalidUTF8(t *testing.T) {
	_, err := NormalizeStage{}.Process(context.Background(), Doc{Bytes: []byte{0xFF, 0xFE, 0xFD}})
	assert.ErrorIs(t, err, ErrMalformedInput)
}
