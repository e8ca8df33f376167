package async

import (
	"database/sql"
	"time"

	"github.com/kulturgut/ingest/errors"
)

// DefaultLeaseTTL is how long a lease survives without a heartbeat
const DefaultLeaseTTL = 30 * time.Second

// Lease is the ledger-wide right to execute jobs. Every process that opens
// the same ledger competes for the single worker_lease row, so at most one
// worker dequeues at a time even across processes.
type Lease struct {
	db     *sql.DB
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// NewLease creates a lease handle for holder. A non-positive ttl uses
// DefaultLeaseTTL.
func NewLease(db *sql.DB, holder string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{db: db, holder: holder, ttl: ttl, now: time.Now}
}

// Holder returns the identity this lease is taken under
func (l *Lease) Holder() string { return l.holder }

// TTL returns the heartbeat expiry
func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire takes the lease if it is free, already ours, or its holder
// stopped heartbeating. The check and the write are one statement.
func (l *Lease) Acquire() (bool, error) {
	now := l.now()
	res, err := l.db.Exec(`
		INSERT INTO worker_lease (id, holder, acquired_at, heartbeat_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = CASE WHEN worker_lease.holder = excluded.holder
				THEN worker_lease.acquired_at ELSE excluded.acquired_at END,
			heartbeat_at = excluded.heartbeat_at
		WHERE worker_lease.holder = excluded.holder OR worker_lease.heartbeat_at < ?`,
		l.holder, now.UnixMilli(), now.UnixMilli(), now.Add(-l.ttl).UnixMilli())
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire worker lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire worker lease")
	}
	return n == 1, nil
}

// Renew refreshes the heartbeat. It reports false once another holder
// has taken over.
func (l *Lease) Renew() (bool, error) {
	res, err := l.db.Exec(`UPDATE worker_lease SET heartbeat_at = ? WHERE id = 1 AND holder = ?`,
		l.now().UnixMilli(), l.holder)
	if err != nil {
		return false, errors.Wrap(err, "failed to renew worker lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to renew worker lease")
	}
	return n == 1, nil
}

// Release gives the lease up if we hold it
func (l *Lease) Release() error {
	if _, err := l.db.Exec(`DELETE FROM worker_lease WHERE id = 1 AND holder = ?`, l.holder); err != nil {
		return errors.Wrap(err, "failed to release worker lease")
	}
	return nil
}

// CurrentHolder returns who holds the lease, or "" when nobody does
func (l *Lease) CurrentHolder() (string, error) {
	var holder string
	err := l.db.QueryRow(`SELECT holder FROM worker_lease WHERE id = 1`).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read worker lease")
	}
	return holder, nil
}
