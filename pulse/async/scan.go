package async

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns scanned from a job row
type JobScanArgs struct {
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns the scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.HandlerName,
		&job.Name,
		&job.TemplateRef,
		&job.Source,
		&job.Status,
		&job.Processed,
		&job.Skipped,
		&job.Errors,
		&args.ErrorMsg,
		&job.CreatedBy,
		&job.CreatedAt,
		&job.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

// ProcessJobScanArgs copies the nullable columns into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

// ScanJobFromRow scans a single job from sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	ProcessJobScanArgs(job, args)
	return nil
}

// ScanJobFromRows scans a single job from sql.Rows
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	if err := rows.Scan(GetJobScanTargets(job, args)...); err != nil {
		return err
	}
	ProcessJobScanArgs(job, args)
	return nil
}

// StandardJobSelectColumns returns the column list matching GetJobScanTargets
func StandardJobSelectColumns() string {
	return `id, handler_name, name, template_ref, source, status,
		processed, skipped, errors, error, created_by,
		created_at, updated_at, started_at, completed_at`
}
