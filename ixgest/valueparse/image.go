package valueparse

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/types"
)

// imageFileParser resolves local paths (or bundled archive resources) into
// media providers. Missing files surface when the provider is opened.
type imageFileParser struct {
	buf       strings.Builder
	rewrite   *rewrite
	base      string
	separator string
	resources ResourceResolver
}

func (p *imageFileParser) Parse(chunk string) { p.buf.WriteString(chunk) }

func (p *imageFileParser) Flush() ([]any, error) {
	var out []any
	for _, ref := range splitRefs(p.buf.String(), p.separator) {
		ref = strings.TrimSpace(p.rewrite.apply(ref))
		if ref == "" {
			continue
		}
		if p.resources != nil {
			if found := p.resources.Lookup(ref); len(found) > 0 {
				for _, m := range found {
					out = append(out, m)
				}
				continue
			}
		}
		path := ref
		if !filepath.IsAbs(path) && p.base != "" {
			path = filepath.Join(p.base, path)
		}
		out = append(out, FileProvider(path))
	}
	return out, nil
}

// FileProvider returns a provider reading a local file
func FileProvider(path string) *types.MediaProvider {
	return types.NewMediaProvider(path, func(context.Context) ([]byte, error) {
		return os.ReadFile(path)
	})
}

type imageURLParser struct {
	buf       strings.Builder
	separator string
	cred      Credentials
	fetcher   Fetcher
}

func (p *imageURLParser) Parse(chunk string) { p.buf.WriteString(chunk) }

func (p *imageURLParser) Flush() ([]any, error) {
	var out []any
	for _, u := range splitRefs(p.buf.String(), p.separator) {
		out = append(out, URLProvider(u, p.cred, p.fetcher))
	}
	return out, nil
}

// URLProvider returns a provider fetching url on first open
func URLProvider(url string, cred Credentials, fetcher Fetcher) *types.MediaProvider {
	return types.NewMediaProvider(url, func(ctx context.Context) ([]byte, error) {
		return fetcher.Fetch(ctx, url, cred)
	})
}

// mplusParser resolves numeric multimedia ids against a thumbnail URL template
type mplusParser struct {
	buf       strings.Builder
	separator string
	template  string
	cred      Credentials
	fetcher   Fetcher
}

func (p *mplusParser) Parse(chunk string) { p.buf.WriteString(chunk) }

func (p *mplusParser) Flush() ([]any, error) {
	refs := splitRefs(p.buf.String(), p.separator)
	var out []any
	var bad []string
	for _, id := range refs {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			bad = append(bad, id)
			continue
		}
		url := strings.ReplaceAll(p.template, "{id}", id)
		out = append(out, URLProvider(url, p.cred, p.fetcher))
	}
	if len(out) == 0 && len(bad) > 0 {
		return nil, errors.Newf("no numeric multimedia id in %q", strings.Join(bad, p.separator))
	}
	return out, nil
}

// DefaultMPlusURL is the MuseumPlus thumbnail endpoint below a server base URL
const DefaultMPlusURL = "{base}/ria-ws/application/module/Multimedia/{id}/thumbnail?size=EXTRA_EXTRA_LARGE"

// mplusTemplate resolves {base}; {id} is filled per reference
func mplusTemplate(tmpl, base string) (string, error) {
	if tmpl == "" {
		tmpl = DefaultMPlusURL
	}
	if strings.Contains(tmpl, "{base}") {
		if base == "" {
			return "", errors.Newf("thumbnail url template %q needs parameter base", tmpl)
		}
		tmpl = strings.ReplaceAll(tmpl, "{base}", strings.TrimRight(base, "/"))
	}
	if !strings.Contains(tmpl, "{id}") {
		return "", errors.Newf("thumbnail url template %q lacks {id}", tmpl)
	}
	return tmpl, nil
}

func splitRefs(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
