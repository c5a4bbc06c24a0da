package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/fota/internal/model"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: model.Code(err), Message: err.Error()}})
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrNotAssigned):
		return http.StatusNotFound
	case model.IsInputError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// wantsJSON reports whether the client asked for JSON rather than the
// browser redirect flow of the operator forms.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// finishForm completes an operator form post: JSON clients get data or an
// error body, browsers are redirected to the dashboard with a message.
func (s *Server) finishForm(w http.ResponseWriter, r *http.Request, data any, message string, err error) {
	if wantsJSON(r) {
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, data)
		return
	}

	if err != nil {
		message = "Error: " + err.Error()
	}
	http.Redirect(w, r, "/?"+url.Values{"msg": {message}}.Encode(), http.StatusSeeOther)
}

// clientAddress is the address devices are recorded under: the peer of
// the connection, without the port.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
