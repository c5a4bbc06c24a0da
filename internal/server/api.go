package server

import (
	"net/http"
	"time"

	"github.com/roach88/fota/internal/model"
)

type firmwareView struct {
	Version     string    `json:"version"`
	FileName    string    `json:"file_name"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	Digest      string    `json:"digest"`
	Compression string    `json:"compression"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func (s *Server) firmwareView(img model.FirmwareImage) firmwareView {
	return firmwareView{
		Version:     img.Version,
		FileName:    img.FileName,
		URL:         s.svc.Catalog().URL(img.Version),
		Size:        img.Size,
		Digest:      img.Digest.String(),
		Compression: img.Compression,
		UploadedAt:  img.UploadedAt,
	}
}

func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Fleet(r.Context()))
}

func (s *Server) handleAPIDesired(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ResolveDesiredFirmware(r.Context(), r.PathValue("id")))
}

func (s *Server) handleAPIFirmwares(w http.ResponseWriter, r *http.Request) {
	images := s.svc.Catalog().List(r.Context())
	views := make([]firmwareView, 0, len(images))
	for _, img := range images {
		views = append(views, s.firmwareView(img))
	}
	writeJSON(w, http.StatusOK, views)
}
