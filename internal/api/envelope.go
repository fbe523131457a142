package api

import (
	"encoding/json"
	"net/http"
)

// Envelope codes. Every response body is {code, message, data?}.
const (
	CodeOK           = 0
	CodeInternal     = 1
	CodeValidation   = 2
	CodeNotFound     = 3
	CodeUnauthorized = 4
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func success(data any) Envelope {
	return Envelope{Code: CodeOK, Message: "success", Data: data}
}

func failure(code int, message string) Envelope {
	return Envelope{Code: code, Message: message}
}

func (a *API) respond(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

func (a *API) validationError(w http.ResponseWriter, message string) {
	a.respond(w, http.StatusBadRequest, failure(CodeValidation, message))
}

func (a *API) notFound(w http.ResponseWriter) {
	a.respond(w, http.StatusNotFound, failure(CodeNotFound, "timer not found"))
}

func (a *API) storeError(w http.ResponseWriter, err error) {
	a.respond(w, http.StatusInternalServerError, failure(CodeInternal, "Database error: "+err.Error()))
}
