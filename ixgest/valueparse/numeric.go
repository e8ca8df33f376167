package valueparse

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kulturgut/ingest/errors"
)

// digitGrouping strips thousands separators used in Swiss and German exports
var digitGrouping = strings.NewReplacer("'", "", "’", "", "_", "", " ", "")

type integerParser struct {
	buf strings.Builder
}

func (p *integerParser) Parse(chunk string) { p.buf.WriteString(chunk) }

// Flush never fails: unparseable input yields no value
func (p *integerParser) Flush() ([]any, error) {
	s := digitGrouping.Replace(strings.TrimSpace(p.buf.String()))
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []any{n}, nil
	}
	if f, ok := parseFloat(s); ok && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return []any{int64(f)}, nil
	}
	return nil, nil
}

type doubleParser struct {
	buf strings.Builder
}

func (p *doubleParser) Parse(chunk string) { p.buf.WriteString(chunk) }

// Flush never fails: unparseable input yields no value
func (p *doubleParser) Flush() ([]any, error) {
	s := digitGrouping.Replace(strings.TrimSpace(p.buf.String()))
	if s == "" {
		return nil, nil
	}
	if f, ok := parseFloat(s); ok {
		return []any{f}, nil
	}
	return nil, nil
}

// parseFloat accepts a decimal comma when no decimal point is present
func parseFloat(s string) (float64, bool) {
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

type uuidParser struct {
	buf strings.Builder
}

func (p *uuidParser) Parse(chunk string) { p.buf.WriteString(chunk) }

func (p *uuidParser) Flush() ([]any, error) {
	s := strings.TrimSpace(p.buf.String())
	if s == "" {
		return nil, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid uuid %q", s)
	}
	return []any{u.String()}, nil
}
