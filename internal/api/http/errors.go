package http

import (
	"errors"
	"net/http"

	cerrors "github.com/covarlab/covar/internal/errors"
)

// errorBody is the error half of the response envelope.
type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// errorEnvelope is the uniform error response shape. Row-level findings
// are not errors; they travel inside validation reports.
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// statusFor maps error codes to HTTP statuses. Codes are the API
// contract; the status is a transport hint layered on top.
func statusFor(code string) int {
	switch code {
	case cerrors.CodeNotFound, cerrors.CodeUnknownVersion:
		return http.StatusNotFound
	case cerrors.CodeSchemaConflict, cerrors.CodeIdentityAmbiguous, cerrors.CodeIdentifierAttached:
		return http.StatusConflict
	case cerrors.CodeMalformedRow, cerrors.CodeUnknownVariable, cerrors.CodeMissingRequired,
		cerrors.CodeTypeMismatch, cerrors.CodeConstraintViolation, cerrors.CodeInvalidPredicate:
		return http.StatusBadRequest
	case cerrors.CodeLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorResponse renders err as the error envelope. Errors outside
// the taxonomy are reported as INTERNAL; their cause stays in logs.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var ce *cerrors.CovarError
	if !errors.As(err, &ce) {
		ce = cerrors.NewInternalError("internal error", err)
	}

	if ce.Retryable {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, statusFor(ce.Code), errorEnvelope{
		Error: errorBody{
			Code:    ce.Code,
			Message: ce.Message,
			Details: ce.Details,
		},
		RequestID: GetRequestID(r.Context()),
	})
}

// badRequest builds the malformed-request error for transport-level
// failures: unreadable bodies, missing form fields, bad parameters.
func badRequest(message string) *cerrors.CovarError {
	return cerrors.New(cerrors.ErrCategoryValidation, cerrors.CodeMalformedRow, message)
}
