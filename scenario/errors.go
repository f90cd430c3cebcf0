package scenario

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation             = "MOCKSTATE_VALIDATION"
	ErrCodeNotFound               = "MOCKSTATE_NOT_FOUND"
	ErrCodeConflict               = "MOCKSTATE_CONFLICT"
	ErrCodeStaleState             = "MOCKSTATE_STALE_STATE"
	ErrCodeNoApplicableTransition = "MOCKSTATE_NO_APPLICABLE_TRANSITION"
	ErrCodeBudgetExceeded         = "MOCKSTATE_SUB_SCENARIO_BUDGET_EXCEEDED"
	ErrCodeImport                 = "MOCKSTATE_IMPORT"
)

var (
	ErrValidation = apperrors.New("invalid state machine definition", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrNotFound = apperrors.New("not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrConflict = apperrors.New("state machine already exists", apperrors.CategoryConflict).
			WithTextCode(ErrCodeConflict)
	// ErrStaleState means the current state moved between selection and commit.
	ErrStaleState = apperrors.New("stale state", apperrors.CategoryConflict).
			WithTextCode(ErrCodeStaleState)
	ErrNoApplicableTransition = apperrors.New("no applicable transition", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeNoApplicableTransition)
	ErrBudgetExceeded = apperrors.New("sub-scenario step budget exceeded", apperrors.CategoryHandler).
				WithTextCode(ErrCodeBudgetExceeded)
	ErrImport = apperrors.New("invalid bundle", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeImport)
)

// Issue is one problem found while validating a definition.
type Issue struct {
	Path    string `json:"path" yaml:"path"`
	Message string `json:"message" yaml:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError lists every issue found in a definition.
type ValidationError struct {
	ResourceType string
	Issues       []Issue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid state machine definition"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("invalid state machine definition %q: %s", e.ResourceType, strings.Join(parts, "; "))
}

// Unwrap exposes the coded error so ErrorCode and category checks work.
func (e *ValidationError) Unwrap() error {
	issues := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		issues[i] = issue.String()
	}
	return cloneError(ErrValidation, "", nil, map[string]any{
		"resource_type": e.ResourceType,
		"issues":        issues,
	})
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrValidation
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

func notFound(what, resourceType, resourceID string) error {
	meta := map[string]any{"resource_type": resourceType}
	if resourceID != "" {
		meta["resource_id"] = resourceID
	}
	return cloneError(ErrNotFound, what+" not found", nil, meta)
}

func staleState(resourceType, resourceID, expected, actual string, retryable bool) error {
	return cloneError(ErrStaleState, "current state changed before commit", nil, map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"expected_from": expected,
		"current_state": actual,
		"retryable":     retryable,
	})
}

// ErrorCode returns the text code carried by err, or "".
func ErrorCode(err error) string {
	var ve *ValidationError
	if stderrors.As(err, &ve) {
		return ErrCodeValidation
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsNotFound reports whether err is an unknown resource type or instance.
func IsNotFound(err error) bool { return ErrorCode(err) == ErrCodeNotFound }

// IsStaleState reports whether err is a stale commit.
func IsStaleState(err error) bool { return ErrorCode(err) == ErrCodeStaleState }

// IsBudgetExceeded reports whether a sub-scenario ran out of steps.
func IsBudgetExceeded(err error) bool { return ErrorCode(err) == ErrCodeBudgetExceeded }

// IsRetryable reports whether err carries metadata retryable=true.
func IsRetryable(err error) bool {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) {
		return false
	}
	retryable, _ := ge.Metadata["retryable"].(bool)
	return retryable
}
