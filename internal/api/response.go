package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/store"
)

// envelope is the body of every response.
type envelope struct {
	Data  any       `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func fail(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: msg}})
}

func badRequest(w http.ResponseWriter, msg string) {
	fail(w, http.StatusBadRequest, "BAD_REQUEST", msg)
}

func notFound(w http.ResponseWriter, msg string) {
	fail(w, http.StatusNotFound, "NOT_FOUND", msg)
}

// storeError maps a store failure onto a response. Internal details are
// logged, not returned.
func storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, "resource not found")
		return
	}
	zap.L().Error("api: request failed",
		zap.String("component", "api"),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	fail(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}
