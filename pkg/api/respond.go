package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
)

const (
	maxBodyBytesTiny  int64 = 64 << 10
	maxBodyBytesLarge int64 = 8 << 20
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error     string                 `json:"error"`
	Status    int                    `json:"status"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Errors    []apperrors.FieldError `json:"errors,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response with an explicit status.
func respondError(w http.ResponseWriter, status int, err error) {
	response := errorResponse{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if appErr, ok := apperrors.As(err); ok {
		response.Code = string(appErr.Code)
		if msg := appErr.Public(); msg != "" {
			response.Message = msg
		}
		response.Errors = appErr.Fields
		response.Retryable = appErr.Retryable
	} else if err != nil && status < http.StatusInternalServerError {
		response.Message = err.Error()
	}
	response.Error = response.Message

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// respondAppError derives the status from the error's code.
func respondAppError(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeAuthentication:
		return http.StatusUnauthorized
	case apperrors.ErrCodeInvalidProject, apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeProjectNotFound, apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// validationError builds a 400 carrying one field complaint.
func validationError(field, msg string) *apperrors.Error {
	return apperrors.New(apperrors.ErrCodeValidation, "Validation failed").WithField(field, msg)
}

// decodeJSONBody decodes r's body into dst. The returned status is non-zero
// when the body was rejected.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEOF bool) (int, error) {
	if r == nil || r.Body == nil {
		if allowEOF {
			return 0, nil
		}
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if allowEOF && errors.Is(err, io.EOF) {
			return 0, nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}

// decodeOrReject decodes the body and writes the rejection itself. It
// reports whether the handler should continue.
func decodeOrReject(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	status, err := decodeJSONBody(w, r, dst, maxBytes, false)
	if err == nil {
		return true
	}
	if status == http.StatusRequestEntityTooLarge {
		respondError(w, status, err)
		return false
	}
	respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeValidation, "Invalid request body").
		WithField("body", "must be a JSON object"))
	return false
}
