// Package archive reads delivery bundles: a zip with record files under
// metadata/ and media under resources/.
package archive

import (
	"archive/zip"
	"context"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/types"
)

const (
	MetadataDir  = "metadata/"
	ResourcesDir = "resources/"
)

// EntrySource builds the source for one metadata entry
type EntrySource func(name string, open func() (io.ReadCloser, error)) pipeline.Source

type resource struct {
	file  *zip.File
	index int
}

// Archive is an open bundle. It must stay open until every media provider
// handed out by Lookup has been consumed.
type Archive struct {
	path      string
	zr        *zip.ReadCloser
	metadata  []*zip.File
	byName    map[string]*zip.File
	resources map[string][]resource
	logger    *zap.SugaredLogger
}

// Open indexes the archive at p
func Open(p string, logger *zap.SugaredLogger) (*Archive, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %s", p)
	}
	a := &Archive{
		path:      p,
		zr:        zr,
		byName:    make(map[string]*zip.File),
		resources: make(map[string][]resource),
		logger:    logger,
	}
	count := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(path.Clean(strings.ReplaceAll(f.Name, "\\", "/")), "/")
		switch {
		case strings.HasPrefix(name, MetadataDir):
			a.metadata = append(a.metadata, f)
		case strings.HasPrefix(name, ResourcesDir):
			base := path.Base(name)
			a.byName[strings.ToLower(base)] = f
			a.byName[strings.ToLower(name)] = f
			key, index := resourceKey(base)
			a.resources[key] = append(a.resources[key], resource{file: f, index: index})
			count++
		}
	}
	sort.Slice(a.metadata, func(i, j int) bool { return a.metadata[i].Name < a.metadata[j].Name })
	for key := range a.resources {
		rs := a.resources[key]
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].index < rs[j].index })
	}
	logger.Debugw("Archive indexed", "path", p, "metadata", len(a.metadata), "resources", count)
	return a, nil
}

// resourceKey splits "<uuid>[_<n>].<ext>" into the lower-cased uuid and n;
// an unnumbered resource sorts first.
func resourceKey(base string) (string, int) {
	stem := strings.TrimSuffix(base, path.Ext(base))
	if i := strings.LastIndexByte(stem, '_'); i > 0 {
		if n, err := strconv.Atoi(stem[i+1:]); err == nil {
			return strings.ToLower(stem[:i]), n
		}
	}
	return strings.ToLower(stem), -1
}

// Close releases the zip file
func (a *Archive) Close() error {
	return a.zr.Close()
}

// Metadata lists the metadata entry names in name order
func (a *Archive) Metadata() []string {
	out := make([]string, len(a.metadata))
	for i, f := range a.metadata {
		out[i] = f.Name
	}
	return out
}

// Lookup resolves an IMAGE_FILE reference against the bundled resources.
// A file name matches exactly; a bare record id expands to all its numbered
// resources.
func (a *Archive) Lookup(ref string) []*types.MediaProvider {
	ref = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(ref), "\\", "/"), "/")
	if ref == "" {
		return nil
	}
	if f, ok := a.byName[strings.ToLower(ref)]; ok {
		return []*types.MediaProvider{a.provider(f)}
	}
	if f, ok := a.byName[strings.ToLower(path.Base(ref))]; ok && path.Ext(ref) != "" {
		return []*types.MediaProvider{a.provider(f)}
	}
	rs := a.resources[strings.ToLower(path.Base(ref))]
	out := make([]*types.MediaProvider, 0, len(rs))
	for _, r := range rs {
		out = append(out, a.provider(r.file))
	}
	return out
}

func (a *Archive) provider(f *zip.File) *types.MediaProvider {
	return types.NewMediaProvider(f.Name, func(context.Context) ([]byte, error) {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	})
}

// Extensions returns the metadata file extensions a format reads
func Extensions(format mapping.Format) []string {
	switch format {
	case mapping.FormatXML:
		return []string{".xml"}
	case mapping.FormatJSON:
		return []string{".json"}
	case mapping.FormatExcel:
		return []string{".xlsx", ".xlsm"}
	}
	return nil
}

// Source produces the documents of every metadata entry of the given format,
// in entry name order. Entries of other types are ignored.
func (a *Archive) Source(format mapping.Format, build EntrySource) pipeline.Source {
	exts := Extensions(format)
	var sources []pipeline.Source
	for _, f := range a.metadata {
		ext := strings.ToLower(path.Ext(f.Name))
		if !contains(exts, ext) {
			a.logger.Debugw("Skipping metadata entry", "archive", a.path, "entry", f.Name)
			continue
		}
		f := f
		sources = append(sources, build(f.Name, func() (io.ReadCloser, error) {
			return f.Open()
		}))
	}
	return pipeline.Concat(sources...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
