package disposition

import (
	stderrors "errors"
	"fmt"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeStage       = "DISPOSITION_STAGE"
	ErrCodeStagePanic  = "DISPOSITION_STAGE_PANIC"
	ErrCodeInvalidRule = "DISPOSITION_INVALID_RULE"
)

var (
	// ErrStage wraps an error a stage returned while deciding whether it claims.
	ErrStage = apperrors.New("disposition stage failed", apperrors.CategoryInternal).
			WithTextCode(ErrCodeStage)
	// ErrStagePanic reports a stage that panicked while claiming.
	ErrStagePanic = apperrors.New("disposition stage panicked", apperrors.CategoryInternal).
			WithTextCode(ErrCodeStagePanic)
	// ErrInvalidRule reports a fixture, fault, proxy or stateful rule that cannot be used.
	ErrInvalidRule = apperrors.New("invalid disposition rule", apperrors.CategoryValidation).
			WithTextCode(ErrCodeInvalidRule)
)

func invalidRule(kind, name string, format string, args ...any) error {
	err := ErrInvalidRule.Clone()
	err.Message = fmt.Sprintf("%s %q: %s", kind, name, fmt.Sprintf(format, args...))
	return err.WithMetadata(map[string]any{"kind": kind, "name": name})
}

func stageError(stage string, source error) error {
	err := ErrStage.Clone()
	err.Message = fmt.Sprintf("stage %s: %v", stage, source)
	err.Source = source
	return err.WithMetadata(map[string]any{"stage": stage})
}

func stagePanic(stage string, value any, stack []byte) error {
	err := ErrStagePanic.Clone()
	err.Message = fmt.Sprintf("stage %s panicked: %v", stage, value)
	return err.WithMetadata(map[string]any{"stage": stage, "stack": string(stack)})
}

// ErrorCode extracts the text code from err.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
