package condition

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const ErrCodeEval = "CONDITION_EVAL"

// ErrEval marks guards that could not be evaluated: unsupported operators,
// malformed paths, bad patterns and incomparable operands.
var ErrEval = apperrors.New("condition evaluation failed", apperrors.CategoryBadInput).
	WithTextCode(ErrCodeEval)

func evalError(message string, op Op, path string) *apperrors.Error {
	err := ErrEval.Clone()
	if message != "" {
		err.Message = message
	}
	meta := map[string]any{}
	if op != "" {
		meta["op"] = string(op)
	}
	if path != "" {
		meta["path"] = path
	}
	if len(meta) > 0 {
		err = err.WithMetadata(meta)
	}
	return err
}

func wrapEvalError(message string, source error, op Op) *apperrors.Error {
	err := evalError(message, op, "")
	err.Source = source
	return err
}

// IsEvalError reports whether err came from guard evaluation or parsing.
func IsEvalError(err error) bool {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode == ErrCodeEval
	}
	return false
}
