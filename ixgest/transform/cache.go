package transform

import (
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/errors"
)

const renditionPrefix = "rendition:"

// Rendition is an encoded, resized image ready to be written to the deploy dir
type Rendition struct {
	Format string `msgpack:"f"`
	Width  int    `msgpack:"w"`
	Height int    `msgpack:"h"`
	Data   []byte `msgpack:"d"`
}

// DeployCache remembers renditions by source hash and render parameters so
// unchanged images are not decoded and re-encoded on every run.
type DeployCache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.SugaredLogger
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any)   { l.logger.Errorf(msg, items...) }
func (l *badgerLogger) Warningf(msg string, items ...any) { l.logger.Warnf(msg, items...) }
func (l *badgerLogger) Infof(msg string, items ...any)    { l.logger.Debugf(msg, items...) }
func (l *badgerLogger) Debugf(msg string, items ...any)   {}

// OpenDeployCache opens the cache at dir. An empty dir keeps it in memory.
// A zero ttl keeps entries forever.
func OpenDeployCache(dir string, ttl time.Duration, logger *zap.SugaredLogger) (*DeployCache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create cache dir %s", dir)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{logger: logger.Named("badger")}
	// renditions are already compressed images
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open deploy cache %s", dir)
	}
	return &DeployCache{db: db, ttl: ttl, logger: logger}, nil
}

// RenditionKey identifies a rendition of the source bytes with the given digest
func RenditionKey(digest string, format string, maxDim, quality int) string {
	return fmt.Sprintf("%s%s/%s/%d/%d", renditionPrefix, digest, format, maxDim, quality)
}

// Get returns the cached rendition, or nil when absent
func (c *DeployCache) Get(key string) (*Rendition, error) {
	var r *Rendition
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded Rendition
			if err := msgpack.Unmarshal(val, &decoded); err != nil {
				return err
			}
			r = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read rendition %s", key)
	}
	return r, nil
}

// Put stores a rendition
func (c *DeployCache) Put(key string, r *Rendition) error {
	val, err := msgpack.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode rendition")
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), val)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Close closes the underlying store
func (c *DeployCache) Close() error {
	return c.db.Close()
}
