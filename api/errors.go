package api

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apperrors "github.com/goliatone/go-errors"

	mockstate "github.com/goliatone/go-mockstate"
	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/disposition"
	"github.com/goliatone/go-mockstate/scenario"
	"github.com/goliatone/go-mockstate/store"
)

const codeInternal = "MOCKSTATE_INTERNAL"

// ErrorMapping is the HTTP rendition of an engine error.
type ErrorMapping struct {
	Code       string
	HTTPStatus int
	Retryable  bool
}

// APIError is the body of every error response.
type APIError struct {
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ErrorEnvelope wraps APIError.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// MapError maps engine error codes to HTTP statuses. Codes without an
// explicit mapping fall back to their go-errors category.
func MapError(err error) ErrorMapping {
	code := strings.TrimSpace(scenario.ErrorCode(err))
	m := ErrorMapping{Code: code, Retryable: scenario.IsRetryable(err)}

	switch code {
	case scenario.ErrCodeValidation, store.ErrCodeInvalidEntity, store.ErrCodeDanglingRelation,
		disposition.ErrCodeInvalidRule:
		m.HTTPStatus = http.StatusUnprocessableEntity
	case scenario.ErrCodeNotFound:
		m.HTTPStatus = http.StatusNotFound
	case scenario.ErrCodeConflict, scenario.ErrCodeStaleState, store.ErrCodeVersionConflict,
		scenario.ErrCodeNoApplicableTransition:
		m.HTTPStatus = http.StatusConflict
	case scenario.ErrCodeImport, condition.ErrCodeEval, mockstate.ErrCodeUnsupported:
		m.HTTPStatus = http.StatusBadRequest
	case scenario.ErrCodeBudgetExceeded:
		m.HTTPStatus = http.StatusInternalServerError
	case store.ErrCodeBackend:
		m.HTTPStatus = http.StatusServiceUnavailable
	default:
		m.HTTPStatus = statusForCategory(err)
		if code == "" {
			m.Code = codeInternal
		}
	}
	return m
}

func statusForCategory(err error) int {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch ge.Category {
	case apperrors.CategoryValidation:
		return http.StatusUnprocessableEntity
	case apperrors.CategoryBadInput:
		return http.StatusBadRequest
	case apperrors.CategoryNotFound:
		return http.StatusNotFound
	case apperrors.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusForError returns the mapped HTTP status for err.
func HTTPStatusForError(err error) int {
	return MapError(err).HTTPStatus
}

func respondError(c *gin.Context, err error) {
	m := MapError(err)
	body := APIError{Message: err.Error(), Code: m.Code, Retryable: m.Retryable}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		body.Message = ge.Message
		if len(ge.Metadata) > 0 {
			body.Metadata = ge.Metadata
		}
	}
	var ve *scenario.ValidationError
	if stderrors.As(err, &ve) {
		body.Message = ve.Error()
	}
	c.AbortWithStatusJSON(m.HTTPStatus, ErrorEnvelope{Error: body})
}

func respondBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorEnvelope{Error: APIError{
		Message: err.Error(),
		Code:    "MOCKSTATE_BAD_REQUEST",
	}})
}
