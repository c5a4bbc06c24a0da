package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/roach88/fota/internal/model"
)

// maxPingBytes bounds a liveness report body.
const maxPingBytes = 4 << 10

type pingRequest struct {
	MAC     string `json:"mac"`
	Version string `json:"version"`
}

// desiredResponse is the body devices poll. The two fields are all the
// device firmware reads; an empty version means no update.
type desiredResponse struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPingBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if _, err := s.svc.ReportLiveness(r.Context(), req.MAC, clientAddress(r), req.Version); err != nil {
		if errors.Is(err, model.ErrMissingIdentity) {
			http.Error(w, "missing mac", http.StatusBadRequest)
			return
		}
		s.requestLogger(r).Error("recording liveness", "device_id", req.MAC, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "OK")
}

func (s *Server) handleDeviceFirmware(w http.ResponseWriter, r *http.Request) {
	mac := model.NormalizeDeviceID(r.URL.Query().Get("mac"))
	if mac == "" {
		writeError(w, http.StatusBadRequest, model.ErrMissingIdentity)
		return
	}

	desired := s.svc.ResolveDesiredFirmware(r.Context(), mac)
	writeJSON(w, http.StatusOK, desiredResponse{Version: desired.Version, URL: desired.URL})
}
