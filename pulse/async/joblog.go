package async

import (
	"database/sql"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/types"
)

// JobLogStore persists the processing log of finished jobs.
// Entries are written once, after the run, in a single transaction.
type JobLogStore struct {
	db *sql.DB
}

// NewJobLogStore creates a new job log store
func NewJobLogStore(db *sql.DB) *JobLogStore {
	return &JobLogStore{db: db}
}

// Append stores the entries of one job run
func (s *JobLogStore) Append(jobID string, entries []types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrapf(err, "failed to begin job log tx for %s", jobID)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO job_log (
			job_id, seq, document_id, collection_id,
			context, level, description, logged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "failed to prepare job log insert for %s", jobID)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(jobID, e.Seq, e.DocumentID, nullString(e.CollectionID),
			string(e.Context), string(e.Level), e.Description, e.Time); err != nil {
			tx.Rollback()
			err = errors.Wrapf(err, "failed to store job log entry %d", e.Seq)
			return errors.WithDetailf(err, "Job ID: %s", jobID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit job log for %s", jobID)
	}
	return nil
}

// ListForJob returns a job's log entries in sequence order.
// An empty level returns every entry.
func (s *JobLogStore) ListForJob(jobID string, level types.LogLevel) ([]types.LogEntry, error) {
	query := `
		SELECT seq, document_id, collection_id, context, level, description, logged_at
		FROM job_log
		WHERE job_id = ?`
	args := []interface{}{jobID}
	if level != "" {
		query += ` AND level = ?`
		args = append(args, string(level))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query log for job %s", jobID)
	}
	defer rows.Close()

	var entries []types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		var collection sql.NullString
		var ctx, lvl string
		if err := rows.Scan(&e.Seq, &e.DocumentID, &collection, &ctx, &lvl, &e.Description, &e.Time); err != nil {
			return nil, errors.Wrapf(err, "failed to scan log row for job %s", jobID)
		}
		e.CollectionID = collection.String
		e.Context = types.LogContext(ctx)
		e.Level = types.LogLevel(lvl)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating log for job %s", jobID)
	}
	return entries, nil
}

// CountByLevel summarizes a job's log
func (s *JobLogStore) CountByLevel(jobID string) (map[types.LogLevel]int, error) {
	rows, err := s.db.Query(`SELECT level, COUNT(*) FROM job_log WHERE job_id = ? GROUP BY level`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count log for job %s", jobID)
	}
	defer rows.Close()

	counts := make(map[types.LogLevel]int)
	for rows.Next() {
		var lvl string
		var n int
		if err := rows.Scan(&lvl, &n); err != nil {
			return nil, errors.Wrapf(err, "failed to scan log count for job %s", jobID)
		}
		counts[types.LogLevel(lvl)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating log counts for job %s", jobID)
	}
	return counts, nil
}
