package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"sheetvault/internal/sv"
)

// problem is the body of every error response.
type problem struct {
	Error problemDetail `json:"error"`
}

type problemDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// statusFor maps a core error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sv.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, sv.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, sv.ErrBlobNotFound):
		return http.StatusNotFound, "blob_not_found"
	case errors.Is(err, sv.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sv.ErrAlreadyDeleted):
		return http.StatusConflict, "already_deleted"
	case errors.Is(err, sv.ErrFileNotParsed):
		return http.StatusUnprocessableEntity, "file_not_parsed"
	case errors.Is(err, sv.ErrNoSummarizer):
		return http.StatusNotImplemented, "no_summarizer"
	case errors.Is(err, sv.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, sv.ErrNotInitialized), errors.Is(err, sv.ErrNotReady):
		return http.StatusServiceUnavailable, "not_ready"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError logs server-side failures and renders err as a problem body.
// Internal error text is not exposed.
func writeError(w http.ResponseWriter, logger sv.Logger, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		message = http.StatusText(status)
	}
	detail := problemDetail{Code: code, Message: message}
	var verr *sv.ValidationError
	if errors.As(err, &verr) {
		detail.Field = verr.Field
	}
	writeJSON(w, status, problem{Error: detail})
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Error: problemDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
