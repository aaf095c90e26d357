package pipeline

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
)

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// MarkdownStage converts normalized bytes into markdown. Plain text passes
// through unchanged; a minimal HTML-to-markdown pass strips tags and
// unescapes entities for anything declared as HTML. It never calls an
// external model and cannot be skipped.
type MarkdownStage struct{}

func (MarkdownStage) Name() string { return StageMarkdown }

func (MarkdownStage) Process(ctx context.Context, d Doc) (StageOutput, error) {
	if len(d.Bytes) == 0 {
		return StageOutput{}, fmt.Errorf("%w: markdown received empty input", ErrEmptyContent)
	}

	text := string(d.Bytes)
	if isHTMLContentType(d.ContentType) {
		text = htmlTagPattern.ReplaceAllString(text, "")
		text = html.UnescapeString(text)
		text = collapseBlankLines(text)
	}

	return StageOutput{Bytes: []byte(text), Format: "text/markdown"}, nil
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "html")
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
