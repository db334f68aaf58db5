package service

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/edgegate/db/blob"
	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/objects"
	"github.com/InsulaLabs/edgegate/registry"
)

const maxCredentialsBody = 64 << 10

func (s *Service) decodeCredentials(w http.ResponseWriter, r *http.Request) (models.DeviceCredentials, bool) {
	defer r.Body.Close()
	var p models.DeviceCredentials
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCredentialsBody)).Decode(&p); err != nil {
		s.logger.Debug("Invalid JSON payload for device request", "path", r.URL.Path, "error", err)
		s.writeError(w, &registry.Error{Kind: registry.KindInvalidInput, Reason: "invalid JSON payload"})
		return p, false
	}
	return p, true
}

func (s *Service) registerDeviceHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	setRequestDevice(r.Context(), p.DeviceID)

	if err := s.registry.Register(r.Context(), p.DeviceID, p.DeviceToken); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, models.MessageResponse{Message: "Device registered successfully"})
}

func (s *Service) attestDeviceHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	setRequestDevice(r.Context(), p.DeviceID)

	if err := s.registry.Attest(r.Context(), p.DeviceID, p.DeviceToken); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Device attested successfully"})
}

func (s *Service) listFilesHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gateway.CollectFiles(r.Context())
	if err != nil {
		s.logger.Error("Could not list files", "error", err)
		s.writeError(w, &registry.Error{Kind: registry.KindStoreUnavailable, Reason: "file store unavailable", Err: err})
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Service) deviceHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := DeviceFromContext(r.Context())
	if !ok {
		// only reachable when /api/device is left ungated
		s.writeError(w, &registry.Error{Kind: registry.KindUnauthenticated, Reason: registry.ReasonMissingHeaders})
		return
	}
	state, err := s.registry.Lookup(r.Context(), rec.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.DeviceStatusResponse{
		DeviceID: rec.DeviceID,
		State:    state,
		Attested: state == models.DeviceStateAttested,
	})
}

// uploadedFiles gathers the file parts of both accepted field names.
func uploadedFiles(form *multipart.Form) []objects.Upload {
	var files []objects.Upload
	for _, field := range []string{UploadField, LegacyUploadField} {
		for _, fh := range form.File[field] {
			files = append(files, objects.Upload{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Open: func() (io.ReadCloser, error) {
					return fh.Open()
				},
			})
		}
	}
	return files
}

func (s *Service) uploadFilesHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.UploadMaxMemory); err != nil {
		s.logger.Debug("Could not parse upload form", "error", err)
		s.writeError(w, &registry.Error{Kind: registry.KindInvalidInput, Reason: "expected a multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	results := s.gateway.UploadBatch(r.Context(), uploadedFiles(r.MultipartForm))
	stored, skipped := objects.Summarize(results)
	w.Header().Set("X-Files-Stored", strconv.Itoa(stored))
	w.Header().Set("X-Files-Skipped", strconv.Itoa(skipped))
	http.Redirect(w, r, PathIndex, http.StatusSeeOther)
}

func (s *Service) fileHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rc, b, err := s.gateway.OpenFile(r.Context(), name)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			s.writeJSON(w, http.StatusNotFound, models.ErrorResponse{
				ErrorType: ErrorTypeNotFound,
				Message:   "file not found",
			})
			return
		}
		s.logger.Error("Could not open file", "name", name, "error", err)
		s.writeError(w, &registry.Error{Kind: registry.KindStoreUnavailable, Reason: "file store unavailable", Err: err})
		return
	}
	defer rc.Close()

	if b.ContentType != "" {
		w.Header().Set("Content-Type", b.ContentType)
	}
	w.Header().Set("ETag", `"`+b.Hash+`"`)
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, b.Name, b.UploadedAt, rs)
		return
	}
	w.Header().Set("Last-Modified", b.UploadedAt.UTC().Format(http.TimeFormat))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("Could not stream file", "name", name, "error", err)
	}
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	s.writeJSON(w, http.StatusOK, models.HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	})
}
