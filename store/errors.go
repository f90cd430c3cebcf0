package store

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidEntity    = "STORE_INVALID_ENTITY"
	ErrCodeDanglingRelation = "STORE_DANGLING_RELATION"
	ErrCodeVersionConflict  = "STORE_VERSION_CONFLICT"
	ErrCodeBackend          = "STORE_BACKEND"
)

var (
	ErrInvalidEntity = apperrors.New("invalid entity", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidEntity)
	ErrDanglingRelation = apperrors.New("dangling relation", apperrors.CategoryValidation).
				WithTextCode(ErrCodeDanglingRelation)
	// ErrVersionConflict indicates optimistic-lock compare-and-set failure.
	ErrVersionConflict = apperrors.New("instance version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrBackend = apperrors.New("store backend failure", apperrors.CategoryExternal).
			WithTextCode(ErrCodeBackend)
)

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrBackend
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

func versionConflict(key Key, expected, actual int) error {
	return cloneError(ErrVersionConflict, "", nil, map[string]any{
		"key":              key.String(),
		"expected_version": expected,
		"actual_version":   actual,
	})
}

func backendError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return err
	}
	return cloneError(ErrBackend, op+" failed", err, nil)
}

// ErrorCode returns the text code of a store error, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsVersionConflict reports whether err is an optimistic write conflict.
func IsVersionConflict(err error) bool {
	return ErrorCode(err) == ErrCodeVersionConflict
}

// IsDanglingRelation reports whether err is a dangling relation rejection.
func IsDanglingRelation(err error) bool {
	return ErrorCode(err) == ErrCodeDanglingRelation
}
