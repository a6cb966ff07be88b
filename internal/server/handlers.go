package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/imaging"
	"github.com/hyperjump/miru/internal/index"
	"github.com/hyperjump/miru/internal/vector"
)

type searchResponse struct {
	Results []vector.Result `json:"results"`
}

func (s *Server) handleVisualSearch(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.config.Search.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "Image too large. Maximum size is 10MB.")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Missing 'image' upload field.")
		return
	}
	defer file.Close()

	// Tolerate an absent content type (proxy forwards strip it).
	if ct := header.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		s.respondError(w, http.StatusBadRequest, "Invalid file type. Please upload an image (JPG, PNG, WebP).")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Could not read the uploaded image.")
		return
	}
	if len(data) == 0 {
		s.respondError(w, http.StatusBadRequest, "Empty image file.")
		return
	}

	img, err := imaging.DecodeImage(bytes.NewReader(data), s.config.Search.MaxImageEdge)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Could not process the uploaded image.")
		return
	}

	s.logger.Debug("visual search request",
		zap.Int("bytes", len(data)),
		zap.String("content_type", header.Header.Get("Content-Type")))

	query, err := s.embedder.EmbedImage(r.Context(), img)
	if err != nil {
		s.logger.Error("query embedding failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "AI processing error.")
		return
	}

	results, err := s.manager.Search(r.Context(), query, s.config.Search.DefaultK)
	if errors.Is(err, index.ErrNotReady) {
		s.respondError(w, http.StatusServiceUnavailable, "Visual search is still initializing. Please try again in a moment.")
		return
	}
	if err != nil {
		s.logger.Error("visual search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "AI processing error.")
		return
	}
	if results == nil {
		results = []vector.Result{}
	}
	s.logger.Debug("visual search results", zap.Int("count", len(results)))
	s.respondJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.manager.TriggerRebuild()
	if errors.Is(err, index.ErrRebuildInProgress) {
		s.respondJSON(w, http.StatusConflict, map[string]string{
			"error": "index rebuild already in progress",
			"jobId": jobID,
		})
		return
	}
	s.logger.Info("index rebuild triggered", zap.String("job_id", jobID))
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "rebuild started",
		"jobId":  jobID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Status()
	status := "not_ready"
	if st.TotalVectors > 0 {
		status = "ready"
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"totalVectors":  st.TotalVectors,
		"totalProducts": st.TotalProducts,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"service": "miru visual search",
		"status":  "running",
		"model":   s.config.Embedding.ModelName,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
