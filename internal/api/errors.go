package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pagewise/internal/util"
)

var (
	errRouteNotFound    = errors.New("not found")
	errMethodNotAllowed = errors.New("method not allowed")
	errBackfillDisabled = errors.New("backfill is not configured")
	errForbidden        = errors.New("caller is not an administrator")
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, util.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, util.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, util.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, util.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, util.ErrTransientBackend):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, code int, err error) {
	apiErr := toAPIError(code, err)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

type apiError struct {
	Code    string
	Message string
}

func toAPIError(status int, err error) apiError {
	msg := "Request failed."
	code := "PW-API-4000"
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case status == http.StatusBadGateway:
		return apiError{Code: "PW-API-5020", Message: "Upstream provider unavailable. Retry shortly."}
	case status == http.StatusServiceUnavailable:
		return apiError{Code: "PW-API-5030", Message: "This feature is not enabled on this server."}
	case status == http.StatusGatewayTimeout:
		return apiError{Code: "PW-API-5040", Message: "The request took too long. Retry shortly."}
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{
				Code:    "PW-DB-5001",
				Message: "Database schema is not initialized. Restart the API to apply it.",
			}
		case strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{
				Code:    "PW-DB-5002",
				Message: "Database connection is unavailable. Check local services and retry.",
			}
		default:
			return apiError{
				Code:    "PW-API-5000",
				Message: "Internal server error. Please retry or check service logs.",
			}
		}
	case status == http.StatusBadRequest:
		code = "PW-API-4001"
		msg = "Invalid request. Check inputs and retry."
	case status == http.StatusUnauthorized:
		code = "PW-API-4010"
		msg = "Caller identity could not be resolved."
	case status == http.StatusForbidden:
		code = "PW-API-4030"
		msg = "This operation is restricted to administrators."
	case status == http.StatusNotFound:
		// never says whether the resource exists for someone else
		code = "PW-API-4004"
		msg = "Requested resource was not found."
	case status == http.StatusMethodNotAllowed:
		code = "PW-API-4005"
		msg = "This endpoint does not support the requested method."
	case status == http.StatusConflict:
		code = "PW-API-4009"
		msg = "Operation conflicts with current state. Retry after checking status."
	case status == http.StatusRequestEntityTooLarge:
		code = "PW-API-4013"
		msg = "The upload exceeds the size limit."
	}

	// For 4xx, keep user-safe validation context only.
	if status == http.StatusBadRequest && err != nil {
		switch {
		case strings.Contains(raw, "not a pdf"):
			msg = "Only PDF files are accepted."
		case strings.Contains(raw, "empty upload"):
			msg = "The uploaded file is empty."
		case strings.Contains(raw, "limit"):
			msg = "The upload exceeds the size limit."
		case strings.Contains(raw, "no file"):
			msg = "No PDF file was provided."
		case strings.Contains(raw, "invalid json"):
			msg = "Malformed JSON request body."
		case strings.Contains(raw, "page"):
			msg = "Page is missing or outside the document."
		case strings.Contains(raw, "sort"):
			msg = "Unknown sort key."
		}
	}
	if status == http.StatusConflict && strings.Contains(raw, "not ready") {
		msg = "Document is still being processed."
	}
	return apiError{Code: code, Message: msg}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, util.ErrValidation)...)
}
