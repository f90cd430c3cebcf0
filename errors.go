package mockstate

import (
	"fmt"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-mockstate/scenario"
	"github.com/goliatone/go-mockstate/store"
)

const ErrCodeUnsupported = "MOCKSTATE_UNSUPPORTED"

// ErrUnsupported reports an operation the configured backend cannot serve.
var ErrUnsupported = apperrors.New("operation not supported", apperrors.CategoryBadInput).
	WithTextCode(ErrCodeUnsupported)

func notFound(what string, key store.Key) error {
	err := scenario.ErrNotFound.Clone()
	err.Message = fmt.Sprintf("%s %s not found", what, key)
	return err.WithMetadata(map[string]any{
		"resource_type": key.ResourceType,
		"resource_id":   key.ID,
	})
}

func unsupported(operation, backend string) error {
	err := ErrUnsupported.Clone()
	err.Message = fmt.Sprintf("%s is not supported by the %s store", operation, backend)
	return err
}
