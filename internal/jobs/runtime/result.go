package runtime

import "time"

type ResultKind int

const (
	// KindDone: handler finished, mark the job succeeded.
	KindDone ResultKind = iota
	// KindReschedule: a first-class "condition not yet met" outcome. The job
	// is re-queued after RetryAfter without consuming the retry budget.
	KindReschedule
	// KindFailed: a genuine error, retried with backoff up to max_attempts.
	KindFailed
	// KindFatal: a configuration defect. The job fails terminally with no
	// retry (e.g. a job_type with no registered handler).
	KindFatal
)

// Result is the only way a handler reports its outcome. Handlers never touch
// job rows; the worker routes the result to the store.
type Result struct {
	Kind       ResultKind
	RetryAfter time.Duration
	Reason     string
	Err        error
}

func Done() Result {
	return Result{Kind: KindDone}
}

func RescheduleAfter(d time.Duration, reason string) Result {
	return Result{Kind: KindReschedule, RetryAfter: d, Reason: reason}
}

func Failed(err error) Result {
	return Result{Kind: KindFailed, Err: err}
}

func Fatal(err error) Result {
	return Result{Kind: KindFatal, Err: err}
}
