package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/text-scanner/internal/acquire"
	"github.com/zombor/text-scanner/internal/archive"
	"github.com/zombor/text-scanner/internal/history"
	"github.com/zombor/text-scanner/internal/lifecycle"
	"github.com/zombor/text-scanner/internal/quota"
)

// scanResponse is a lifecycle status plus the affordances the client should offer
type scanResponse struct {
	lifecycle.Status
	Upgrade bool `json:"upgrade,omitempty"`
	Retry   bool `json:"retry,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusCode maps a scan status to its HTTP status code
func statusCode(st lifecycle.Status) int {
	switch st.State {
	case lifecycle.StateDone:
		if st.Record != nil {
			return http.StatusCreated
		}
		return http.StatusOK
	case lifecycle.StateQuotaExceeded:
		return http.StatusPaymentRequired
	case lifecycle.StateCancelled, lifecycle.StateIdle:
		return http.StatusOK
	case lifecycle.StateFailed:
		switch st.Reason {
		case lifecycle.ReasonCameraUnavailable, lifecycle.ReasonQuotaUnavailable:
			return http.StatusServiceUnavailable
		case lifecycle.ReasonUnsupportedFormat:
			return http.StatusUnsupportedMediaType
		case lifecycle.ReasonRecognitionFailed:
			return http.StatusBadGateway
		default:
			return http.StatusInternalServerError
		}
	default:
		return http.StatusAccepted
	}
}

func writeScan(w http.ResponseWriter, st lifecycle.Status) {
	writeJSON(w, statusCode(st), scanResponse{
		Status:  st,
		Upgrade: st.UpgradeRequired(),
		Retry:   st.Retryable(),
	})
}

// writeStartError handles errors that prevented an attempt from starting
func writeStartError(w http.ResponseWriter, st lifecycle.Status, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrBusy):
		writeJSON(w, http.StatusConflict, scanResponse{Status: st})
	case errors.Is(err, quota.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		slog.Error("Error starting scan", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func ownerOf(r *http.Request) string {
	id, _ := OwnerFromContext(r.Context())
	return id
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleScanFile runs a scan of an uploaded file to completion
func (s *Server) handleScanFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Please compress or resize your image."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	src := acquire.NewFileSource(acquire.Selection{
		Filename:    header.Filename,
		ContentType: strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type"))),
		Data:        data,
	}, s.cfg.MaxUploadSize)

	ownerID := ownerOf(r)
	st, err := s.registry.For(ownerID).Scan(r.Context(), ownerID, history.SourceImage, src)
	if err != nil {
		if r.Context().Err() != nil {
			slog.Warn("Client went away during scan", "owner", ownerID, "attempt", st.AttemptID)
			return
		}
		writeStartError(w, st, err)
		return
	}
	writeScan(w, st)
}

// handleScanCamera starts a camera scan. The client fires the shutter with
// POST /api/scans/capture.
func (s *Server) handleScanCamera(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerOf(r)
	st, err := s.registry.For(ownerID).Start(r.Context(), ownerID, history.SourceCamera, acquire.NewCameraSource(s.camera))
	if err != nil {
		writeStartError(w, st, err)
		return
	}
	writeScan(w, st)
}

// handleCapture fires the shutter and waits for the scan to finish
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	m := s.registry.For(ownerOf(r))
	if err := m.Capture(); err != nil {
		writeJSON(w, http.StatusConflict, scanResponse{Status: m.Status()})
		return
	}
	st, err := m.Wait(r.Context())
	if err != nil {
		slog.Warn("Client went away waiting for capture", "attempt", st.AttemptID)
		return
	}
	writeScan(w, st)
}

// handleCancel cancels a camera scan that has not captured yet
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	m := s.registry.For(ownerOf(r))
	if err := m.Cancel(); err != nil {
		writeJSON(w, http.StatusConflict, scanResponse{Status: m.Status()})
		return
	}
	st, err := m.Wait(r.Context())
	if err != nil {
		slog.Warn("Client went away waiting for cancel", "attempt", st.AttemptID)
		return
	}
	writeScan(w, st)
}

// handleCurrentScan returns the status of the owner's current or last scan
func (s *Server) handleCurrentScan(w http.ResponseWriter, r *http.Request) {
	st := s.registry.For(ownerOf(r)).Status()
	writeJSON(w, http.StatusOK, scanResponse{
		Status:  st,
		Upgrade: st.UpgradeRequired(),
		Retry:   st.Retryable(),
	})
}

// handleListHistory returns the owner's active scans, newest first
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.history.ListActive(r.Context(), ownerOf(r), history.ListOptions{
		Query: r.URL.Query().Get("q"),
	})
	if err != nil {
		slog.Error("Error listing history", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Ensure we always return an array, not nil
	if records == nil {
		records = []*history.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleDeleteRecord soft-deletes a scan
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Scan ID required")
		return
	}
	if err := s.history.SoftDelete(r.Context(), ownerOf(r), id); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Scan not found")
			return
		}
		slog.Error("Error deleting scan", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Error deleting scan")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetImage returns the archived source image of a scan
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.history.Get(r.Context(), ownerOf(r), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Scan not found")
			return
		}
		slog.Error("Error getting scan", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if record.ImageKey == "" || s.images == nil {
		writeError(w, http.StatusNotFound, "No image stored for this scan")
		return
	}

	data, contentType, err := s.images.Get(r.Context(), record.ImageKey)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Image not found")
			return
		}
		slog.Error("Error getting image", "key", record.ImageKey, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if contentType == "" {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleQuota returns the owner's quota for the current period
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	state, err := s.quota.State(r.Context(), ownerOf(r))
	if err != nil {
		slog.Error("Error reading quota", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Quota is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, state)
}
