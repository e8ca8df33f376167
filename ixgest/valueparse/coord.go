package valueparse

import (
	"math"
	"strconv"
	"strings"
)

// coordParser backs COORD_WGS84 and COORD_LV95. Exactly two numeric
// components produce one "lat,lon" value; anything else produces none.
type coordParser struct {
	buf       strings.Builder
	separator string
	swiss     bool
}

func (p *coordParser) Parse(chunk string) { p.buf.WriteString(chunk) }

func (p *coordParser) Flush() ([]any, error) {
	s := strings.TrimSpace(p.buf.String())
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, p.separator)
	if len(parts) != 2 {
		return nil, nil
	}
	a, b := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return nil, nil
	}

	if p.swiss {
		lat, lon := SwissToWGS84(x, y)
		return []any{strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lon, 'f', 6, 64)}, nil
	}
	if math.Abs(x) > 90 || math.Abs(y) > 180 {
		return nil, nil
	}
	return []any{a + "," + b}, nil
}

// SwissToWGS84 converts Swiss grid coordinates (east, north) to WGS84
// latitude and longitude using the swisstopo approximation (about 1m
// accuracy). LV95 (east > 2e6) and LV03 inputs are both accepted.
func SwissToWGS84(east, north float64) (lat, lon float64) {
	if east > 2_000_000 {
		east -= 2_000_000
		north -= 1_000_000
	}
	y := (east - 600_000) / 1_000_000
	x := (north - 200_000) / 1_000_000

	lambda := 2.6779094 +
		4.728982*y +
		0.791484*y*x +
		0.1306*y*x*x -
		0.0436*y*y*y

	phi := 16.9023892 +
		3.238272*x -
		0.270978*y*y -
		0.002528*x*x -
		0.0447*y*y*x -
		0.0140*x*x*x

	return phi * 100 / 36, lambda * 100 / 36
}
