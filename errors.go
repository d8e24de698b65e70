package statecontract

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Contract-load time codes.
const (
	ErrCodeGuardSyntax          = "GUARD_SYNTAX_ERROR"
	ErrCodeGuardInvalidOperator = "GUARD_INVALID_OPERATOR"
	ErrCodeGuardInvalidField    = "GUARD_INVALID_FIELD"
	ErrCodeGuardInvalidValue    = "GUARD_INVALID_VALUE"
	ErrCodeContractInvalid      = "CONTRACT_INVALID"
)

// Runtime codes.
const (
	ErrCodeGuardEvaluation    = "GUARD_EVALUATION_ERROR"
	ErrCodeGuardType          = "GUARD_TYPE_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeInternalTransition = "INTERNAL_TRANSITION_ERROR"
	ErrCodeContextInvalid     = "CONTEXT_INVALID"
	ErrCodeLeaseHeld          = "LEASE_HELD"
	ErrCodeLeaseNotHeld       = "LEASE_NOT_HELD"
	ErrCodeStaleEpoch         = "STALE_EPOCH"
	ErrCodeVersionConflict    = "VERSION_CONFLICT"
	ErrCodeInstanceNotFound   = "INSTANCE_NOT_FOUND"
	ErrCodeExecutorNotFound   = "EXECUTOR_NOT_FOUND"
)

var (
	ErrGuardSyntax = apperrors.New("guard syntax error", apperrors.CategoryValidation).
			WithTextCode(ErrCodeGuardSyntax)
	ErrGuardInvalidOperator = apperrors.New("guard operator not supported", apperrors.CategoryValidation).
				WithTextCode(ErrCodeGuardInvalidOperator)
	ErrGuardInvalidField = apperrors.New("guard field name invalid", apperrors.CategoryValidation).
				WithTextCode(ErrCodeGuardInvalidField)
	ErrGuardInvalidValue = apperrors.New("guard value literal invalid", apperrors.CategoryValidation).
				WithTextCode(ErrCodeGuardInvalidValue)
	ErrContractInvalid = apperrors.New("contract invalid", apperrors.CategoryValidation).
				WithTextCode(ErrCodeContractInvalid)

	ErrGuardEvaluation = apperrors.New("guard evaluation failed", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeGuardEvaluation)
	ErrGuardType = apperrors.New("guard type mismatch", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeGuardType)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrRetryExhausted = apperrors.New("retry limit exhausted", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeRetryExhausted)
	ErrInternalTransition = apperrors.New("internal transition failed", apperrors.CategoryInternal).
				WithTextCode(ErrCodeInternalTransition)
	ErrContextInvalid = apperrors.New("context invalid", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeContextInvalid)
	ErrLeaseHeld = apperrors.New("lease held by another owner", apperrors.CategoryConflict).
			WithTextCode(ErrCodeLeaseHeld)
	ErrLeaseNotHeld = apperrors.New("lease not held", apperrors.CategoryConflict).
			WithTextCode(ErrCodeLeaseNotHeld)
	ErrStaleEpoch = apperrors.New("stale epoch", apperrors.CategoryConflict).
			WithTextCode(ErrCodeStaleEpoch)
	ErrVersionConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrInstanceNotFound = apperrors.New("instance not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrExecutorNotFound = apperrors.New("no executor for intent target", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeExecutorNotFound)
)

// ErrorPhase tells whether a code is raised while loading a contract or while running it.
type ErrorPhase string

const (
	PhaseLoad    ErrorPhase = "load"
	PhaseRuntime ErrorPhase = "runtime"
)

// Phase reports the phase a text code belongs to. Unknown codes are runtime.
func Phase(code string) ErrorPhase {
	switch code {
	case ErrCodeGuardSyntax, ErrCodeGuardInvalidOperator, ErrCodeGuardInvalidField,
		ErrCodeGuardInvalidValue, ErrCodeContractInvalid:
		return PhaseLoad
	default:
		return PhaseRuntime
	}
}

// NewError clones a sentinel error with a specific message, cause and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInternalTransition
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode extracts the text code from err, if any.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
