package mapping

import (
	"strings"

	"github.com/kulturgut/ingest/errors"
)

// NormalizePath trims whitespace and surrounding slashes from an XML path
func NormalizePath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

// BoundaryPath derives the record boundary from the mapped XML paths.
//
// The boundary is the character-wise longest common prefix of all paths with
// its last two segments cut off. This assumes every record element sits one
// level below the boundary and its mapped children one level below the record.
// Mappings whose fields all share a deeper common ancestor (for example every
// path under record/images/image) are mis-segmented; the convention is kept
// because existing mapping files depend on it.
func BoundaryPath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := NormalizePath(paths[0])
	for _, p := range paths[1:] {
		prefix = commonPrefix(prefix, NormalizePath(p))
	}
	return truncateSegment(truncateSegment(prefix))
}

// Boundary computes and checks the boundary for an XML mapping
func (m *EntityMapping) Boundary() (string, error) {
	paths := m.Sources()
	boundary := BoundaryPath(paths)
	for _, p := range paths {
		if !IsStrictAncestor(boundary, p) {
			return "", errors.NewInvalidConfigError(
				"mapping %s: boundary %q is not an ancestor of %q", m.Name, boundary, p)
		}
	}
	return boundary, nil
}

// IsStrictAncestor reports whether ancestor is a proper path prefix of p.
// The empty path is the document root and precedes every element.
func IsStrictAncestor(ancestor, p string) bool {
	if ancestor == "" {
		return p != ""
	}
	return strings.HasPrefix(p, ancestor+"/")
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func truncateSegment(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}
