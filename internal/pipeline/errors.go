package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies run failures.
type Kind string

const (
	KindPrecondition         Kind = "precondition_violation"
	KindMissingArtifact      Kind = "missing_artifact"
	KindStructural           Kind = "structural_validation"
	KindApply                Kind = "apply_failure"
	KindGate                 Kind = "gate_failure"
	KindExternalService      Kind = "external_service"
	KindRetryBudgetExhausted Kind = "retry_budget_exhausted"
	KindPublishAfterDryRun   Kind = "publish_after_dry_run"
)

// Error is the typed failure used across the pipeline.
type Error struct {
	Kind     Kind
	Op       string
	ExitCode int    // exit status of the failing subcommand, 0 if unknown
	Log      string // diagnostic tail (gate or apply output)
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Recoverable reports whether the retry loop may turn err into feedback.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindStructural, KindApply, KindGate, KindExternalService:
		return true
	}
	return false
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.ExitCode > 0 {
			return pe.ExitCode
		}
		switch pe.Kind {
		case KindPrecondition, KindMissingArtifact:
			return 2
		}
	}
	return 1
}

// LogOf returns the diagnostic log attached to err, if any.
func LogOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Log
	}
	return ""
}
