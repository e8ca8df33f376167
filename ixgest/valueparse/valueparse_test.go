package valueparse

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/types"
)

type fakeFetcher struct {
	calls []string
	cred  Credentials
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, cred Credentials) ([]byte, error) {
	f.calls = append(f.calls, url)
	f.cred = cred
	return []byte("img:" + url), nil
}

type fakeResources map[string][]*types.MediaProvider

func (r fakeResources) Lookup(ref string) []*types.MediaProvider { return r[ref] }

func parse(t *testing.T, kind mapping.ParserKind, params map[string]string, deps Deps, chunks ...string) ([]any, error) {
	t.Helper()
	f, err := Compile(mapping.AttributeMapping{
		Source: "a", Destination: "a", Parser: kind, Parameters: params,
	}, deps)
	require.NoError(t, err)
	p := f.New()
	for _, c := range chunks {
		p.Parse(c)
	}
	return p.Flush()
}

func TestCompile_UnknownKind(t *testing.T) {
	_, err := Compile(mapping.AttributeMapping{Destination: "x", Parser: "BLOB"}, Deps{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidConfigError(err))
}

func TestCompileAll(t *testing.T) {
	m := &mapping.EntityMapping{Name: "m", Format: mapping.FormatJSON, Attributes: []mapping.AttributeMapping{
		{Source: "a", Destination: "a", Parser: mapping.String},
		{Source: "b", Destination: "b", Parser: mapping.ImageURL},
	}}
	_, err := CompileAll(m, Deps{})
	require.Error(t, err, "IMAGE_URL needs a fetcher")

	fs, err := CompileAll(m, Deps{Fetcher: &fakeFetcher{}})
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, "b", fs[1].Attribute().Destination)
}

func TestNullToken(t *testing.T) {
	for _, kind := range mapping.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			vals, err := parse(t, kind, map[string]string{"url": "http://m/{id}"}, Deps{Fetcher: &fakeFetcher{}})
			assert.NoError(t, err)
			assert.Empty(t, vals)
		})
	}
}

func TestString(t *testing.T) {
	vals, err := parse(t, mapping.String, nil, Deps{}, "  Bronze", "zeit", "liche Fibel \n")
	require.NoError(t, err)
	assert.Equal(t, []any{"Bronzezeitliche Fibel"}, vals)

	// decomposed u + combining diaeresis
	vals, err = parse(t, mapping.String, nil, Deps{}, "Zu\u0308rich")
	require.NoError(t, err)
	assert.Equal(t, []any{"Zürich"}, vals)

	vals, err = parse(t, mapping.String, map[string]string{"search": `^inv\.\s*`, "replace": ""}, Deps{}, "inv. 1234")
	require.NoError(t, err)
	assert.Equal(t, []any{"1234"}, vals)
}

func TestMultiString(t *testing.T) {
	vals, err := parse(t, mapping.MultiString, nil, Deps{}, "Keramik; Rom", "; ;Amphore")
	require.NoError(t, err)
	assert.Equal(t, []any{"Keramik", "Rom", "Amphore"}, vals)

	vals, err = parse(t, mapping.MultiString, map[string]string{"separator": "|"}, Deps{}, "a|b")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, vals)
}

func TestNumeric(t *testing.T) {
	tests := []struct {
		kind mapping.ParserKind
		in   string
		want []any
	}{
		{mapping.Integer, "42", []any{int64(42)}},
		{mapping.Integer, "1'250", []any{int64(1250)}},
		{mapping.Integer, "12.0", []any{int64(12)}},
		{mapping.Integer, "12.5", nil},
		{mapping.Integer, "circa 1900", nil},
		{mapping.Double, "3.75", []any{3.75}},
		{mapping.Double, "3,75", []any{3.75}},
		{mapping.Double, "NaN", nil},
		{mapping.Double, "n/a", nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.in, func(t *testing.T) {
			vals, err := parse(t, tt.kind, nil, Deps{}, tt.in)
			require.NoError(t, err, "numeric parsers never fail")
			assert.Equal(t, tt.want, vals)
		})
	}
}

func TestUUID(t *testing.T) {
	vals, err := parse(t, mapping.UUID, nil, Deps{}, " 5F2B1C4E-8D0A-4F6B-9C3E-2A1B0C9D8E7F ")
	require.NoError(t, err)
	assert.Equal(t, []any{"5f2b1c4e-8d0a-4f6b-9c3e-2a1b0c9d8e7f"}, vals)

	_, err = parse(t, mapping.UUID, nil, Deps{}, "not-a-uuid")
	assert.Error(t, err)
}

func TestDate(t *testing.T) {
	vals, err := parse(t, mapping.Date, nil, Deps{}, "2023-06-01 14:30:00")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, time.Date(2023, 6, 1, 14, 30, 0, 0, time.UTC), vals[0])

	vals, err = parse(t, mapping.Date, map[string]string{"format": "dd.MM.yyyy", "timezone": "Europe/Zurich"}, Deps{}, "01.06.2023")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "2023-05-31T22:00:00Z", types.FormatValue(vals[0]))

	_, err = parse(t, mapping.Date, nil, Deps{}, "2023-02-31 25:00:00")
	assert.Error(t, err, "malformed dates surface")

	_, err = parse(t, mapping.Date, nil, Deps{}, "sometime in spring")
	assert.Error(t, err)
}

func TestDate_InvalidTimezone(t *testing.T) {
	_, err := Compile(mapping.AttributeMapping{
		Destination: "d", Parser: mapping.Date, Parameters: map[string]string{"timezone": "Mars/Olympus"},
	}, Deps{})
	assert.Error(t, err)
}

func TestDate_RoundTrip(t *testing.T) {
	instants := []time.Time{
		time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		time.Date(1848, 9, 12, 8, 5, 3, 0, time.UTC),
	}
	for _, want := range instants {
		text := FormatDate(DefaultDateFormat, want)
		got, err := ParseDate(DefaultDateFormat, text, time.UTC)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "%s -> %s -> %s", want, text, got)
	}
}

func TestCoordWGS84(t *testing.T) {
	vals, err := parse(t, mapping.CoordWGS84, nil, Deps{}, "47.37,8.54")
	require.NoError(t, err)
	assert.Equal(t, []any{"47.37,8.54"}, vals)

	vals, err = parse(t, mapping.CoordWGS84, nil, Deps{}, "47.37")
	require.NoError(t, err)
	assert.Empty(t, vals, "one component yields no value")

	vals, err = parse(t, mapping.CoordWGS84, nil, Deps{}, "47.37,8.54,400")
	require.NoError(t, err)
	assert.Empty(t, vals)

	vals, err = parse(t, mapping.CoordWGS84, map[string]string{"separator": ";"}, Deps{}, "47.37; 8.54")
	require.NoError(t, err)
	assert.Equal(t, []any{"47.37,8.54"}, vals)

	vals, err = parse(t, mapping.CoordWGS84, nil, Deps{}, "147.37,8.54")
	require.NoError(t, err)
	assert.Empty(t, vals, "latitude out of range")
}

func TestCoordLV95(t *testing.T) {
	// Bern, old observatory: the projection origin
	vals, err := parse(t, mapping.CoordLV95, nil, Deps{}, "2600000,1200000")
	require.NoError(t, err)
	assert.Equal(t, []any{"46.951081,7.438637"}, vals)

	vals, err = parse(t, mapping.CoordLV95, nil, Deps{}, "600000,200000")
	require.NoError(t, err)
	assert.Equal(t, []any{"46.951081,7.438637"}, vals, "LV03 input")

	vals, err = parse(t, mapping.CoordLV95, nil, Deps{}, "2683000")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestSwissToWGS84_Zurich(t *testing.T) {
	lat, lon := SwissToWGS84(2683112, 1247918)
	assert.InDelta(t, 47.3769, lat, 0.001)
	assert.InDelta(t, 8.5392, lon, 0.001)
}

func TestImageFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("jpeg-a"), 0o644))

	vals, err := parse(t, mapping.ImageFile,
		map[string]string{"search": `^C:\\images\\`, "replace": ""},
		Deps{BaseDir: dir}, `C:\images\a.jpg; missing.jpg`)
	require.NoError(t, err)
	require.Len(t, vals, 2)

	a := vals[0].(*types.MediaProvider)
	data, err := a.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-a"), data)

	_, err = vals[1].(*types.MediaProvider).Open(context.Background())
	assert.Error(t, err, "missing files surface on open, not on parse")
}

func TestImageFile_Resources(t *testing.T) {
	bundled := types.NewMediaProvider("resources/u1_1.png", func(context.Context) ([]byte, error) { return []byte("png"), nil })
	vals, err := parse(t, mapping.ImageFile, nil, Deps{Resources: fakeResources{"u1": {bundled}}}, "u1")
	require.NoError(t, err)
	assert.Equal(t, []any{bundled}, vals)
}

func TestImageURL(t *testing.T) {
	fetcher := &fakeFetcher{}
	vals, err := parse(t, mapping.ImageURL,
		map[string]string{"username": "u", "password": "p"},
		Deps{Fetcher: fetcher}, "https://img.example/a.jpg; https://img.example/b.jpg")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Empty(t, fetcher.calls, "fetching is deferred")

	data, err := vals[1].(*types.MediaProvider).Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "img:https://img.example/b.jpg", string(data))
	assert.Equal(t, Credentials{Username: "u", Password: "p"}, fetcher.cred)
}

func TestImageMPlus(t *testing.T) {
	fetcher := &fakeFetcher{}
	deps := Deps{Fetcher: fetcher, MPlusURL: "https://mplus.example/ria-ws/application/module/Multimedia/{id}/thumbnail"}

	vals, err := parse(t, mapping.ImageMPlus, nil, deps, "1001;abc;1002")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "https://mplus.example/ria-ws/application/module/Multimedia/1002/thumbnail",
		vals[1].(*types.MediaProvider).Name)

	_, err = parse(t, mapping.ImageMPlus, nil, deps, "abc")
	assert.Error(t, err)

	_, err = Compile(mapping.AttributeMapping{Destination: "m", Parser: mapping.ImageMPlus,
		Parameters: map[string]string{"url": "https://mplus.example/thumb"}}, Deps{Fetcher: fetcher})
	assert.Error(t, err, "template must contain {id}")
}

func TestImageMPlus_DefaultTemplate(t *testing.T) {
	fetcher := &fakeFetcher{}
	params := map[string]string{"base": "https://mplus.example/", "username": "u", "password": "p"}

	vals, err := parse(t, mapping.ImageMPlus, params, Deps{Fetcher: fetcher}, "1001")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "https://mplus.example/ria-ws/application/module/Multimedia/1001/thumbnail?size=EXTRA_EXTRA_LARGE",
		vals[0].(*types.MediaProvider).Name)

	_, err = Compile(mapping.AttributeMapping{Destination: "m", Parser: mapping.ImageMPlus,
		Parameters: map[string]string{"username": "u"}}, Deps{Fetcher: fetcher})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parameter base")

	_, err = Compile(mapping.AttributeMapping{Destination: "m", Parser: mapping.ImageMPlus,
		Parameters: map[string]string{"base": "https://mplus.example"}},
		Deps{Fetcher: fetcher, MPlusURL: "{base}/thumbs/{id}.jpg"})
	assert.NoError(t, err, "configured template may use {base} too")
}
