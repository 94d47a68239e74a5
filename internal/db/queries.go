package db

const jobColumns = `
	seq, request_id, kind, payload, printer_name, copies, paper_size, orientation,
	page_count, state, progress, attempts, max_attempts, failure_reasons, result_json,
	created_at, started_at, finished_at
`

const (
	InsertJob = `
		INSERT INTO print_jobs (
			request_id, kind, payload, printer_name, copies, paper_size, orientation,
			page_count, state, progress, attempts, max_attempts, failure_reasons, result_json,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByRequestID = `SELECT ` + jobColumns + ` FROM print_jobs WHERE request_id = ?`

	GetNextPendingJob = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE state IN ('waiting', 'delayed')
		ORDER BY seq ASC
		LIMIT 1
	`

	// Finished jobs never print again, so their payload is dropped.
	UpdateJob = `
		UPDATE print_jobs SET
			printer_name = ?, state = ?, progress = ?, attempts = ?,
			failure_reasons = ?, result_json = ?, started_at = ?, finished_at = ?,
			payload = CASE WHEN ? IN ('completed', 'failed') THEN NULL ELSE payload END
		WHERE request_id = ?
	`

	CountJobsByState = `SELECT state, COUNT(*) FROM print_jobs GROUP BY state`

	SelectFinishedJobs = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE state = ? AND finished_at IS NOT NULL AND finished_at < ?
		ORDER BY seq ASC
	`

	DeleteJobBySeq = `DELETE FROM print_jobs WHERE seq = ?`

	ResetActiveJobs = `UPDATE print_jobs SET state = 'waiting' WHERE state = 'active'`
)
