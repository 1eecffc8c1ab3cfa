package ingestion

import (
	"fmt"

	"attendedge/internal/apperr"
)

func newValidationError(format string, args ...any) error {
	return apperr.New(apperr.KindValidation, fmt.Sprintf(format, args...))
}
