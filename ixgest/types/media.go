package types

import (
	"context"
	"sync"

	"github.com/kulturgut/ingest/errors"
)

// ErrMediaConsumed is returned by Open after the bytes were handed out once
var ErrMediaConsumed = errors.New("media already consumed")

// Opener fetches the bytes behind a MediaProvider
type Opener func(ctx context.Context) ([]byte, error)

// MediaProvider is a deferred image handle created at parse time and
// resolved by the first stage that needs the bytes. Open invokes the
// underlying opener at most once.
type MediaProvider struct {
	// Name is the raw reference (path, URL or id) used in log entries
	Name string

	mu     sync.Mutex
	open   Opener
	opened bool
}

// NewMediaProvider wraps an opener
func NewMediaProvider(name string, open Opener) *MediaProvider {
	return &MediaProvider{Name: name, open: open}
}

// Open returns the media bytes. The first caller takes ownership; later
// calls return ErrMediaConsumed without touching the source again.
func (m *MediaProvider) Open(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return nil, ErrMediaConsumed
	}
	m.opened = true
	open := m.open
	m.open = nil
	if open == nil {
		return nil, errors.Newf("media %s has no source", m.Name)
	}

	data, err := open(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "open media %s", m.Name)
	}
	return data, nil
}

// String implements fmt.Stringer
func (m *MediaProvider) String() string {
	return m.Name
}
