package domain

import "errors"

// Sentinel errors shared across the queue, engine and controllers. Handlers
// translate these into the stable API error codes.
var (
	// ErrDuplicateJob: a job with the same (job_type, idempotency_key) already
	// exists. Callers treat this as "already enqueued" and move on.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrStaleResume: a resume was presented for an interrupt that is not the
	// one currently pending on the run.
	ErrStaleResume = errors.New("stale resume")

	// ErrGateStateMismatch: approve/reject was called while the run is not
	// awaiting that gate.
	ErrGateStateMismatch = errors.New("gate state mismatch")

	// ErrUnknownJobType: a claimed job's type has no registered handler. This
	// is a wiring defect, not a retryable condition.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrRunNotFound / ErrJobNotFound: lookups by id that matched nothing.
	ErrRunNotFound = errors.New("run not found")
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost: a lease touch or completion was attempted by a worker
	// that no longer holds the job.
	ErrLeaseLost = errors.New("job lease lost")
)
