package archive

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/ixgest/valueparse"
	"github.com/kulturgut/ingest/ixgest/xmlseg"
)

const recordID = "3f2b8c1e-6a4d-4e7b-9c0a-1d2e3f4a5b6c"

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func openArchive(t *testing.T, entries map[string]string) *Archive {
	t.Helper()
	a, err := Open(writeArchive(t, entries), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestLookup(t *testing.T) {
	a := openArchive(t, map[string]string{
		"resources/" + recordID + "_2.jpg": "second",
		"resources/" + recordID + ".jpg":   "main",
		"resources/" + recordID + "_1.jpg": "first",
		"resources/plan.png":               "plan",
	})

	ctx := context.Background()
	var bodies []string
	for _, m := range a.Lookup(recordID) {
		b, err := m.Open(ctx)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
	}
	assert.Equal(t, []string{"main", "first", "second"}, bodies)

	found := a.Lookup("images\\PLAN.png")
	require.Len(t, found, 1)
	b, err := found[0].Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plan", string(b))

	assert.Empty(t, a.Lookup("missing.jpg"))
	assert.Empty(t, a.Lookup(""))
}

func TestResourceKey(t *testing.T) {
	key, n := resourceKey("ABC_3.jpg")
	assert.Equal(t, "abc", key)
	assert.Equal(t, 3, n)

	key, n = resourceKey("my_file.tif")
	assert.Equal(t, "my_file", key)
	assert.Equal(t, -1, n)
}

func TestSource_XMLEntries(t *testing.T) {
	a := openArchive(t, map[string]string{
		"metadata/b.xml":      `<export><objects><object><id>3</id><image>` + recordID + `</image></object></objects></export>`,
		"metadata/a.xml":      `<export><objects><object><id>1</id></object><object><id>2</id></object></objects></export>`,
		"metadata/readme.txt": "ignored",
		"resources/" + recordID + ".jpg": "jpeg",
	})
	assert.Equal(t, []string{"metadata/a.xml", "metadata/b.xml", "metadata/readme.txt"}, a.Metadata())

	m, err := mapping.Parse([]byte(`
name: bundle
format: xml
attributes:
  - source: export/objects/object/id
    destination: id
    parser: string
  - source: export/objects/object/image
    destination: images
    parser: image_file
    multi_valued: true
`))
	require.NoError(t, err)
	seg, err := xmlseg.New(m, valueparse.Deps{Resources: a}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	src := a.Source(mapping.FormatXML, func(name string, open func() (io.ReadCloser, error)) pipeline.Source {
		return seg.ReaderSource(name, open)
	})
	docs, err := pipeline.Collect(context.Background(), src, types.NewProcessingContext("job", "p"))
	require.NoError(t, err)

	require.Len(t, docs, 3)
	assert.Equal(t, "1", docs[0].ID())
	assert.Equal(t, "3", docs[2].ID())

	imgs := docs[2].Values("images")
	require.Len(t, imgs, 1)
	provider, ok := imgs[0].(*types.MediaProvider)
	require.True(t, ok)
	b, err := provider.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(b))
}

func TestOpen_NotAZip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "plain.zip")
	require.NoError(t, os.WriteFile(p, []byte("nope"), 0o644))
	_, err := Open(p, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
