package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dkaplan/importd/internal/importer"
	"github.com/dkaplan/importd/internal/logging"
	"github.com/dkaplan/importd/internal/receiver"
	"github.com/dkaplan/importd/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// createJobRequest is the body of POST /api/jobs.
type createJobRequest struct {
	TargetCollection string            `json:"targetCollection"`
	FieldMapping     map[string]string `json:"fieldMapping"`
	FileSize         int64             `json:"fileSize"`
}

// handleCreateJob creates a new pending import job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, &store.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		TargetCollection: req.TargetCollection,
		FieldMapping:     req.FieldMapping,
		FileSize:         req.FileSize,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("import job created",
		"job_id", job.ID,
		"collection", job.TargetCollection,
		"mapped_columns", len(job.FieldMapping),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"importId": job.ID})
}

// handleUpload stages one transfer of the job's file. Without a
// Content-Range header the body is a fresh transfer from offset 0; with one,
// the range must continue exactly at the staged size. When the staged file
// is complete, a ready event starts processing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	rng, err := receiver.ParseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		respondError(w, r, &store.ValidationError{Field: "Content-Range", Reason: err.Error()})
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)
	res, err := s.receiver.Receive(r.Context(), jobID, rng, r.Header.Get("X-File-Name"), body)
	if err != nil {
		respondError(w, r, err)
		return
	}

	log := logging.FromContext(r.Context())
	log.Info("upload chunk staged",
		"job_id", jobID,
		"bytes_received", res.BytesReceived,
		"total_bytes", res.TotalBytes,
		"complete", res.Complete,
	)

	if res.Complete {
		s.bus.PublishReady(jobID)
	}

	writeJSON(w, http.StatusOK, res)
}

// handleUploadProbe reports the staged offset and declared length as
// headers, with no body, so a client can resume an interrupted transfer.
func (s *Server) handleUploadProbe(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	current, err := s.receiver.Probe(jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	total := int64(0)
	if rng, err := receiver.ParseContentRange(r.Header.Get("Content-Range")); err == nil && rng != nil {
		total = rng.Total
	} else if job, err := s.store.Job(r.Context(), jobID); err == nil {
		total = job.FileSize
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(current, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(total, 10))
	w.WriteHeader(http.StatusOK)
}

// jobResponse is the body of GET /api/jobs/{importID}: the job record, its
// ledger, and byte progress while processing.
type jobResponse struct {
	*store.ImportJob
	FailedRows    []store.FailedRow      `json:"failedRows"`
	DuplicateRows []store.DuplicateRow   `json:"duplicateRows"`
	Progress      *importer.FileProgress `json:"progress,omitempty"`
}

// handleGetJob returns the full accounting for one import job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.parseJobID(w, r)
	if !ok {
		return
	}

	job, err := s.store.Job(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	ledger, err := s.store.Ledger(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := jobResponse{
		ImportJob:     job,
		FailedRows:    ledger.Failed,
		DuplicateRows: ledger.Duplicates,
	}
	if resp.FailedRows == nil {
		resp.FailedRows = []store.FailedRow{}
	}
	if resp.DuplicateRows == nil {
		resp.DuplicateRows = []store.DuplicateRow{}
	}
	if job.Status == store.StatusProcessing && job.FilePath != "" {
		if progress, err := importer.Progress(job.FilePath); err == nil {
			resp.Progress = &progress
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseJobID extracts and validates the importID URL parameter.
func (s *Server) parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "importID"))
	if err != nil {
		respondError(w, r, &store.ValidationError{Field: "importID", Reason: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// jobFromRequest parses the importID and verifies the job exists.
func (s *Server) jobFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := s.parseJobID(w, r)
	if !ok {
		return uuid.Nil, false
	}
	if _, err := s.store.Job(r.Context(), id); err != nil {
		respondError(w, r, err)
		return uuid.Nil, false
	}
	return id, true
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
