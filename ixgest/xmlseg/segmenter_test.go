package xmlseg

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/ixgest/valueparse"
)

const objectMapping = `
name: objects
format: xml
attributes:
  - source: /export/objects/object/@id
    destination: id
    parser: string
    required: true
  - source: export/objects/object/title
    destination: title
    parser: string
  - source: export/objects/object/keyword
    destination: keywords
    parser: string
    multi_valued: true
  - source: export/objects/object/created
    destination: created
    parser: date
    required: true
    parameters:
      format: yyyy-MM-dd
`

func newSegmenter(t *testing.T, yml string) *Segmenter {
	t.Helper()
	m, err := mapping.Parse([]byte(yml))
	require.NoError(t, err)
	s, err := New(m, valueparse.Deps{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return s
}

func segment(t *testing.T, s *Segmenter, xml string) ([]*types.Document, *types.ProcessingContext) {
	t.Helper()
	pctx := types.NewProcessingContext("job-1", "museum")
	src := s.ReaderSource("inline", func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(xml)), nil
	})
	docs, err := pipeline.Collect(context.Background(), src, pctx)
	require.NoError(t, err)
	return docs, pctx
}

func TestNew_Boundary(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	assert.Equal(t, "export/objects", s.Boundary())
}

func TestNew_RejectsOtherFormats(t *testing.T) {
	m := &mapping.EntityMapping{Name: "j", Format: mapping.FormatJSON}
	_, err := New(m, valueparse.Deps{}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestSegment_InvalidRequiredDate(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, pctx := segment(t, s, `<?xml version="1.0"?>
<export>
  <objects>
    <object id="1"><title>Vase</title><created>2019-03-01</created></object>
    <object id="2"><title>Bowl</title><created>sometime</created></object>
    <object id="3"><title>Cup</title><created>2020-11-30</created></object>
  </objects>
</export>`)

	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].ID())
	assert.Equal(t, "3", docs[1].ID())
	assert.Equal(t, 1, docs[0].Seq)
	assert.Equal(t, 3, docs[1].Seq)

	created, ok := docs[1].First("created")
	require.True(t, ok)
	assert.True(t, time.Date(2020, 11, 30, 0, 0, 0, 0, time.UTC).Equal(created.(time.Time)))

	counts := pctx.Counts()
	assert.Equal(t, int64(1), counts.Errors)
	assert.Equal(t, int64(0), counts.Skipped)

	errs := pctx.EntriesAt(types.LevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, "2", errs[0].DocumentID)
	assert.Equal(t, types.ContextMetadata, errs[0].Context)
	assert.Contains(t, errs[0].Description, "created")
}

func TestSegment_MissingRequired(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, pctx := segment(t, s, `<export><objects>
<object id="7"><title>No date</title></object>
</objects></export>`)

	assert.Empty(t, docs)
	assert.Equal(t, int64(1), pctx.Counts().Errors)
	v := pctx.EntriesAt(types.LevelValidation)
	require.Len(t, v, 1)
	assert.Equal(t, "7", v[0].DocumentID)
}

func TestSegment_MultiAndSingleValued(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, _ := segment(t, s, `<export><objects>
<object id="1">
  <title>First</title><title>Second</title>
  <keyword>glass</keyword><keyword>roman</keyword>
  <created>2001-01-01</created>
</object>
</objects></export>`)

	require.Len(t, docs, 1)
	assert.Equal(t, []string{"First"}, docs[0].Strings("title"))
	assert.Equal(t, []string{"glass", "roman"}, docs[0].Strings("keywords"))
}

func TestSegment_RepeatedAncestorsDoNotReset(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, _ := segment(t, s, `<export>
<objects><object id="1"><created>2001-01-01</created></object></objects>
<objects><object id="2"><created>2002-02-02</created></object></objects>
</export>`)

	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].ID())
	assert.Equal(t, "2", docs[1].ID())
	assert.False(t, docs[1].Has("title"))
}

func TestSegment_IgnoresUnmappedElements(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, _ := segment(t, s, `<export><header><title>not a record</title></header><objects>
<object id="1"><created>2001-01-01</created><notes><title>nested</title></notes></object>
</objects></export>`)

	require.Len(t, docs, 1)
	assert.False(t, docs[0].Has("title"))
}

func TestSegment_SkipsNonRecordSiblings(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, pctx := segment(t, s, `<export><objects>
<count>2</count>
<object id="1"><created>2001-01-01</created></object>
<generated>2024-05-01</generated>
<object id="2"><created>2002-02-02</created></object>
</objects></export>`)

	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].ID())
	assert.Equal(t, 1, docs[0].Seq)
	assert.Equal(t, 2, docs[1].Seq)

	assert.Equal(t, types.Counts{}, pctx.Counts())
	assert.Empty(t, pctx.EntriesAt(types.LevelValidation))
}

func TestSegment_MalformedRecordIsSkipped(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, pctx := segment(t, s, `<export><objects>
<object id="1"><created>2001-01-01</created></object>
<object id="2"><title>broken</titel><created>2001-01-01</created></object>
<object id="3"><created>2003-03-03</created></object>
<object id="4"><created>2004-04-04</created></object>
</objects></export>`)

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID())
	}
	assert.Equal(t, []string{"1", "3", "4"}, ids)

	counts := pctx.Counts()
	assert.Equal(t, int64(1), counts.Skipped)
	assert.Equal(t, int64(0), counts.Errors)

	warnings := pctx.EntriesAt(types.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, types.ContextSystem, warnings[0].Context)
	assert.Equal(t, "2", warnings[0].DocumentID)
}

func TestSegment_Charset(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	raw := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>" +
		"<export><objects><object id=\"1\"><title>Caf\xe9</title><created>2001-01-01</created></object></objects></export>"
	docs, _ := segment(t, s, raw)

	require.Len(t, docs, 1)
	assert.Equal(t, []string{"Café"}, docs[0].Strings("title"))
}

func TestSegment_HTMLEntities(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	docs, _ := segment(t, s, `<export><objects><object id="1"><title>A&nbsp;B &amp; C</title><created>2001-01-01</created></object></objects></export>`)

	require.Len(t, docs, 1)
	assert.Equal(t, []string{"A\u00a0B & C"}, docs[0].Strings("title"))
}

func TestSegment_Cancelled(t *testing.T) {
	s := newSegmenter(t, objectMapping)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Segment(ctx, strings.NewReader(`<export><objects><object id="1"/></objects></export>`),
		types.NewProcessingContext("j", "p"), func(*types.Document) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanToElement(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(`junk</ns:object><objects><ns:object id="9">`))
	raw, err := scanToElement(br, "object")
	require.NoError(t, err)
	assert.Equal(t, "ns:object", raw)

	rest, _ := io.ReadAll(br)
	assert.Equal(t, ` id="9">`, string(rest))
}
