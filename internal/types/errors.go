package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// ValidationWarning reports a value outside its configured range. It never
// changes the quality of the reading it describes.
type ValidationWarning struct {
	TagID int64           `json:"tag_id"`
	Tag   string          `json:"tag"`
	Value decimal.Decimal `json:"value"`
	Bound string          `json:"bound"`
	Limit decimal.Decimal `json:"limit"`
}

func (w *ValidationWarning) Error() string {
	return fmt.Sprintf("%s: value %s exceeds %s %s", w.Tag, w.Value, w.Bound, w.Limit)
}
