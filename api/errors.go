package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/parentcoop/hours-engine/generic"
)

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps a coop error to its status code:
//
//	validation  400
//	not found   404
//	conflict    409
//	anything    500, logged, details withheld
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *log.Logger, err error) {
	var (
		invalid  *generic.ValidationError
		notFound *generic.NotFoundError
	)
	if generic.IsClientError(err) {
		logger.Debug("request rejected", "path", r.URL.Path, "err", err)
	}
	switch {
	case errors.As(err, &invalid):
		resp := ErrorResponse{Error: "Invalid request", Details: invalid.Error()}
		if invalid.Field != "" {
			resp.Fields = map[string]string{invalid.Field: invalid.Message}
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case generic.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Entity+" not found", err)
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, conflictMessage(err), err)
	default:
		logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

// conflictMessage strips the "conflict: " prefix shared by every conflict.
func conflictMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, generic.ErrConflict.Error()+": "); i >= 0 {
		msg = msg[i+len(generic.ErrConflict.Error())+2:]
	}
	return msg
}

// writeDecodeError reports a body that could not be parsed or failed its
// struct tags.
func writeDecodeError(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field()] = describe(fe)
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Fields: fields})
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "required"
	case "email":
		return "must be a valid email"
	case "datetime":
		return "expected format " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
