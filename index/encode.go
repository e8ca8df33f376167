package index

import (
	"time"

	"github.com/kulturgut/ingest/ixgest/types"
)

// Encode turns a document into the JSON object Solr expects. Single values
// stay scalar; repeated fields become arrays; times become RFC 3339 UTC.
func Encode(doc *types.Document) map[string]any {
	out := make(map[string]any, doc.Len())
	for _, f := range doc.Fields() {
		vals := doc.Values(f)
		if len(vals) == 0 {
			continue
		}
		enc := make([]any, len(vals))
		for i, v := range vals {
			enc[i] = encodeValue(v)
		}
		if len(enc) == 1 {
			out[f] = enc[0]
		} else {
			out[f] = enc
		}
	}
	return out
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case string, int64, float64, bool:
		return x
	case int:
		return int64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return types.FormatValue(v)
	}
}
