package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/roach88/fota/internal/model"
)

// multipartMemory is how much of an upload is buffered in memory before
// the multipart reader spills to a temp file.
const multipartMemory = 1 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	img, err := s.upload(r)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.requestLogger(r).Error("upload failed", "error", err)
		}
		s.finishForm(w, r, nil, "", err)
		return
	}

	s.finishForm(w, r, s.firmwareView(img), fmt.Sprintf("Firmware %s uploaded.", img.Version), nil)
}

func (s *Server) upload(r *http.Request) (model.FirmwareImage, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.FirmwareImage{}, err
		}
		return model.FirmwareImage{}, fmt.Errorf("%w: %v", model.ErrMissingParameters, err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("firmware")
	if err != nil {
		return model.FirmwareImage{}, fmt.Errorf("%w: firmware file is required", model.ErrMissingParameters)
	}
	defer file.Close()

	return s.svc.PublishFirmwareStream(r.Context(), r.FormValue("version"), header.Filename, file)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Assign(r.Context(), r.FormValue("mac"), r.FormValue("version"))
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.requestLogger(r).Error("assign failed", "error", err)
		}
		s.finishForm(w, r, nil, "", err)
		return
	}

	s.finishForm(w, r, a, fmt.Sprintf("Firmware %s assigned to %s.", a.Version, a.DeviceID), nil)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	version, ok := model.ParseFirmwareFileName(r.PathValue("file"))
	if !ok {
		http.Error(w, "firmware not found", http.StatusNotFound)
		return
	}

	rc, img, err := s.svc.Catalog().Open(r.Context(), version)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "firmware not found", http.StatusNotFound)
			return
		}
		s.requestLogger(r).Error("opening firmware", "version", version, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	etag := `"` + img.Digest.String() + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(img.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+img.FileName+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		s.requestLogger(r).Warn("firmware download interrupted", "version", version, "error", err)
	}
}
