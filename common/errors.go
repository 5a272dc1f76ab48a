package common

import "errors"

// RejectionReason classifies why an article was dropped by a pipeline stage.
// The set is closed: stages must use one of these values so downstream
// analytics and the deduplication index can rely on it.
type RejectionReason string

const (
	RejectInvalidContent   RejectionReason = "invalid_content"
	RejectTooShort         RejectionReason = "too_short"
	RejectTooOld           RejectionReason = "too_old"
	RejectFeedQuota        RejectionReason = "feed_quota_exceeded"
	RejectDomainBlacklist  RejectionReason = "domain_blacklisted"
	RejectLowQuality       RejectionReason = "low_quality"
	RejectDuplicateURL     RejectionReason = "duplicate_url"
	RejectDuplicateContent RejectionReason = "duplicate_content"
	RejectInvalidLanguage  RejectionReason = "invalid_language"
	RejectExtractionFailed RejectionReason = "extraction_failed"
	RejectPaywall          RejectionReason = "paywall"
)

// KnownRejectionReasons lists every valid rejection reason. The dedup index
// invariant requires dup_reason to be a member of this set.
var KnownRejectionReasons = map[RejectionReason]bool{
	RejectInvalidContent:   true,
	RejectTooShort:         true,
	RejectTooOld:           true,
	RejectFeedQuota:        true,
	RejectDomainBlacklist:  true,
	RejectLowQuality:       true,
	RejectDuplicateURL:     true,
	RejectDuplicateContent: true,
	RejectInvalidLanguage:  true,
	RejectExtractionFailed: true,
	RejectPaywall:          true,
}

// ErrorKind classifies pipeline errors for retry decisions and reporting.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindFeedPolicy ErrorKind = "feed_policy"
	KindDedup      ErrorKind = "deduplication"
	KindLanguage   ErrorKind = "language"
	KindExtraction ErrorKind = "extraction"
	KindTransient  ErrorKind = "transient"
	KindCancelled  ErrorKind = "cancelled"
	KindFatal      ErrorKind = "fatal"
)

// Sentinel errors shared across components. Callers test with errors.Is.
var (
	// ErrCircuitOpen is returned when a call is attempted against an open
	// circuit breaker.
	ErrCircuitOpen = errors.New("circuit_open")

	// ErrLockDenied is returned when a lock acquire, renew, or release is
	// refused because another owner holds the lock.
	ErrLockDenied = errors.New("lock_denied")

	// ErrRateLimited is returned when a rate limiter denies a request.
	ErrRateLimited = errors.New("rate_limited")

	// ErrAlreadyInProgress is returned by the idempotency store when a key
	// is already claimed by a concurrent worker.
	ErrAlreadyInProgress = errors.New("already_in_progress")

	// ErrNoCandidates is returned by the planner when no articles match the
	// selection criteria.
	ErrNoCandidates = errors.New("no_candidates")

	// ErrInvalidTransition is returned by the state manager when no edge
	// exists for (current state, trigger).
	ErrInvalidTransition = errors.New("invalid_transition")
)

// PipelineError carries an error kind alongside the underlying cause so the
// retry table can make decisions without string matching.
type PipelineError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return string(e.Kind) + " at stage " + e.Stage + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a kind and the stage it occurred in.
func NewPipelineError(kind ErrorKind, stage string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// KindOf extracts the error kind from err, defaulting to transient for
// unclassified errors so they remain retryable.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return KindFatal
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrRateLimited):
		return KindTransient
	default:
		return KindTransient
	}
}

// Retryable reports whether an error of the given kind should be retried
// for the given attempt. Retry decisions are table-driven so the policy
// stays in one place.
func Retryable(kind ErrorKind, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	switch kind {
	case KindTransient:
		return true
	case KindCancelled, KindFatal, KindValidation, KindFeedPolicy, KindDedup, KindLanguage, KindExtraction:
		return false
	default:
		return false
	}
}
