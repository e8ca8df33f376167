package db

import (
	"strings"

	"github.com/kulturgut/ingest/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed
// database, typically while the daemon shuts down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is
// closed. The sql driver returns its own error values, hence the message
// fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
