package valueparse

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// textParser backs STRING and MULTISTRING. A non-empty separator splits the
// accumulated text into several values.
type textParser struct {
	buf       strings.Builder
	rewrite   *rewrite
	separator string
}

func (p *textParser) Parse(chunk string) {
	p.buf.WriteString(chunk)
}

func (p *textParser) Flush() ([]any, error) {
	s := cleanText(p.rewrite.apply(p.buf.String()))
	if s == "" {
		return nil, nil
	}
	if p.separator == "" {
		return []any{s}, nil
	}
	var out []any
	for _, part := range strings.Split(s, p.separator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

// cleanText trims and NFC-normalizes; source systems mix composed and
// decomposed umlauts.
func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
