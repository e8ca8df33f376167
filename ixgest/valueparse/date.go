package valueparse

import (
	"strings"
	"time"

	"github.com/vjeantet/jodaTime"

	"github.com/kulturgut/ingest/errors"
)

// DefaultDateFormat is used when a DATE attribute sets no format parameter.
// Formats use Joda/Java pattern letters.
const DefaultDateFormat = "yyyy-MM-dd HH:mm:ss"

type dateParser struct {
	buf    strings.Builder
	format string
	loc    *time.Location
}

func (p *dateParser) Parse(chunk string) { p.buf.WriteString(chunk) }

// Flush fails loudly on malformed input
func (p *dateParser) Flush() ([]any, error) {
	s := strings.TrimSpace(p.buf.String())
	if s == "" {
		return nil, nil
	}
	t, err := ParseDate(p.format, s, p.loc)
	if err != nil {
		return nil, err
	}
	return []any{t}, nil
}

// ParseDate parses value with a Joda pattern, interpreting the wall clock in loc
func ParseDate(format, value string, loc *time.Location) (time.Time, error) {
	t, err := jodaTime.Parse(format, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "date %q does not match %q", value, format)
	}
	if loc != nil && loc != time.UTC {
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t, nil
}

// FormatDate renders t with a Joda pattern
func FormatDate(format string, t time.Time) string {
	return jodaTime.Format(format, t)
}
