// Package response writes the json envelopes returned by the broker.
// Errors follow the shape {"error": ..., "details": ..., "status": ...}
// which browser clients already parse.
package response

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"
)

// ErrorResponse is the json error envelope
type ErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
	Status  int         `json:"status,omitempty"`
}

// JSON writes v with the given status code
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Raw writes an already encoded json body, as received from upstream
func Raw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// BadRequest writes a 400 with a message and optional details
func BadRequest(w http.ResponseWriter, message string, details interface{}) {
	JSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Details: details})
}

// Upstream relays a failed upstream call with its original status code
func Upstream(w http.ResponseWriter, status int, message string, details interface{}) {
	JSON(w, status, ErrorResponse{Error: message, Details: details, Status: status})
}

// Internal writes a 500 with the error text as details. The error is
// also reported to sentry, which is a no-op unless sentry.Init was
// called with a DSN.
func Internal(w http.ResponseWriter, err error) {
	var details interface{}
	if err != nil {
		details = err.Error()
		sentry.CaptureException(err)
	}
	JSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal server error",
		Details: details,
	})
}

// DecodeBody decodes a json request body into v. An empty body leaves v
// untouched.
func DecodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DetailsFromBody turns an upstream body into a details value: the
// named field when the body is a json object carrying it, the decoded
// json otherwise, or the body text when it is not json at all.
func DetailsFromBody(body []byte, fields ...string) interface{} {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	if obj, ok := decoded.(map[string]interface{}); ok {
		for _, f := range fields {
			if v, ok := obj[f]; ok && v != nil && v != "" {
				return v
			}
		}
	}
	return decoded
}
