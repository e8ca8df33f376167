// Package transform holds the document transformers run between a source
// and the index sink.
package transform

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/logger"
)

// ImageOptions configure rendering and deployment of media values
type ImageOptions struct {
	DeployDir    string
	BaseURL      string
	Format       string // jpeg or png
	MaxDimension int
	JPEGQuality  int
}

// Images replaces media providers with URLs of deployed, downscaled copies
type Images struct {
	opts   ImageOptions
	cache  *DeployCache
	logger *zap.SugaredLogger
}

// NewImages validates opts. cache may be nil.
func NewImages(opts ImageOptions, cache *DeployCache, logger *zap.SugaredLogger) (*Images, error) {
	opts.Format = strings.ToLower(opts.Format)
	if opts.Format == "jpg" {
		opts.Format = "jpeg"
	}
	if opts.Format != "jpeg" && opts.Format != "png" {
		return nil, errors.NewInvalidConfigError("image format %q (use jpeg or png)", opts.Format)
	}
	if opts.DeployDir == "" {
		return nil, errors.NewInvalidConfigError("image deploy dir is empty")
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = jpeg.DefaultQuality
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Images{opts: opts, cache: cache, logger: logger}, nil
}

func (t *Images) Name() string { return "images" }

// Transform deploys every media value of doc. A failing image is logged as
// a RESOURCE warning and dropped; the document itself always survives.
func (t *Images) Transform(ctx context.Context, doc *types.Document, pctx *types.ProcessingContext) (*types.Document, error) {
	n := 0
	for _, field := range doc.Fields() {
		values := doc.Values(field)
		if !hasMedia(values) {
			continue
		}
		kept := make([]any, 0, len(values))
		for _, v := range values {
			m, ok := v.(*types.MediaProvider)
			if !ok {
				kept = append(kept, v)
				continue
			}
			n++
			url, err := t.deploy(ctx, doc, pctx.Participant, n, m)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				pctx.Logf(doc.Ref(), types.ContextResource, types.LevelWarning, "image %s: %v", m.Name, err)
				continue
			}
			kept = append(kept, url)
		}
		doc.Set(field, kept...)
	}
	return doc, nil
}

func hasMedia(values []any) bool {
	for _, v := range values {
		if _, ok := v.(*types.MediaProvider); ok {
			return true
		}
	}
	return false
}

func (t *Images) deploy(ctx context.Context, doc *types.Document, participant string, n int, m *types.MediaProvider) (string, error) {
	src, err := m.Open(ctx)
	if err != nil {
		return "", err
	}

	r, err := t.render(src)
	if err != nil {
		return "", err
	}

	ext := "jpg"
	if r.Format == "png" {
		ext = "png"
	}
	stem := safeName(doc.ID())
	if stem == "" {
		stem = "record" + strconv.Itoa(doc.Seq)
	}
	file := stem + "_" + strconv.Itoa(n) + "." + ext
	dir := filepath.Join(t.opts.DeployDir, safeName(participant))
	if err := writeAtomic(dir, file, r.Data); err != nil {
		return "", err
	}

	t.logger.Debugw("Image deployed",
		logger.FieldDocumentID, doc.ID(),
		logger.FieldFile, file,
		"width", r.Width, "height", r.Height)

	rel := safeName(participant) + "/" + file
	if t.opts.BaseURL == "" {
		return rel, nil
	}
	return t.opts.BaseURL + "/" + rel, nil
}

// render decodes, downsizes and encodes src, consulting the deploy cache
func (t *Images) render(src []byte) (*Rendition, error) {
	var key string
	if t.cache != nil {
		key = RenditionKey(digest(src), t.opts.Format, t.opts.MaxDimension, t.opts.JPEGQuality)
		cached, err := t.cache.Get(key)
		if err != nil {
			t.logger.Warnw("Deploy cache read failed", logger.FieldError, err)
		} else if cached != nil {
			return cached, nil
		}
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	img = Downscale(img, t.opts.MaxDimension)

	var buf bytes.Buffer
	switch t.opts.Format {
	case "png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: t.opts.JPEGQuality})
	}
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}

	b := img.Bounds()
	r := &Rendition{Format: t.opts.Format, Width: b.Dx(), Height: b.Dy(), Data: buf.Bytes()}
	if t.cache != nil {
		if err := t.cache.Put(key, r); err != nil {
			t.logger.Warnw("Deploy cache write failed", logger.FieldError, err)
		}
	}
	return r, nil
}

// Downscale shrinks img so its longest edge is at most maxDim, keeping the
// aspect ratio. Smaller images and maxDim <= 0 are returned unchanged.
func Downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return img
	}
	nw, nh := maxDim, maxDim
	if w >= h {
		nh = max(1, h*maxDim/w)
	} else {
		nw = max(1, w*maxDim/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "._")
}

func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write image")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close image")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "move image into place")
	}
	return nil
}
