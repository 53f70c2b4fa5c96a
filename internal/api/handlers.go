package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/phishing-support/pipeline/internal/ids"
	"github.com/phishing-support/pipeline/internal/pipeline"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
	"github.com/phishing-support/pipeline/internal/store"
)

// maxEmailBytes bounds uploaded .eml samples. Forwarded phishing mails
// with inline screenshots stay well under this.
const maxEmailBytes = 25 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type websiteSubmissionRequest struct {
	URL              string `json:"url"`
	ProxyCountryHint string `json:"proxyCountryHint"`
}

// handleSubmitWebsite accepts a suspicious URL and starts the website
// pipeline in the background. The submission id is allocated up front so
// the client can open the event stream before any work has happened.
func (s *Server) handleSubmitWebsite(w http.ResponseWriter, r *http.Request) {
	var req websiteSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	id := s.ids.Next()
	go func() {
		ctx := context.Background()
		if _, err := s.runner.RunWebsite(ctx, req.URL, pipeline.RunOptions{
			SubmissionID: id,
			CountryHint:  req.ProxyCountryHint,
		}); err != nil {
			logger.Error("website pipeline", "submissionId", id, "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"submissionId": ids.Format(id)})
}

// handleSubmitEmail accepts a forwarded phishing mail, either as a
// multipart upload under the "file" field or as the raw request body.
func (s *Server) handleSubmitEmail(w http.ResponseWriter, r *http.Request) {
	eml, err := readEmailBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(eml) == 0 {
		respondError(w, http.StatusBadRequest, "empty message")
		return
	}

	id := s.ids.Next()
	go func() {
		ctx := context.Background()
		if _, err := s.runner.RunEmail(ctx, eml, pipeline.RunOptions{
			SubmissionID: id,
		}); err != nil {
			logger.Error("email pipeline", "submissionId", id, "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"submissionId": ids.Format(id)})
}

func readEmailBody(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxEmailBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxEmailBytes); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing file field: %w", err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return io.ReadAll(r.Body)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	subs, err := s.store.ListSubmissions(r.Context(), limit)
	if err != nil {
		logger.Error("list submissions", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}
	if subs == nil {
		subs = []*store.Submission{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

// submissionDetail is the full case view: the submission row plus its
// analysis runs, outbound reports and artifact metadata (blobs excluded;
// they are fetched individually via /api/artifacts/{id}).
type submissionDetail struct {
	*store.Submission
	Runs      []*store.AnalysisRun `json:"runs"`
	Reports   []*store.Report      `json:"reports"`
	Artifacts []*store.Artifact    `json:"artifacts"`
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission id")
		return
	}

	sub, err := s.store.GetSubmission(r.Context(), id)
	if err == store.ErrNotFound {
		respondError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		logger.Error("get submission", "submissionId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}

	detail := submissionDetail{Submission: sub}
	if detail.Runs, err = s.store.ListRunsForSubmission(r.Context(), id); err != nil {
		logger.Error("list runs", "submissionId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}
	if detail.Reports, err = s.store.ListReportsForSubmission(r.Context(), id); err != nil {
		logger.Error("list reports", "submissionId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}
	if detail.Artifacts, err = s.store.ListArtifactsForSubmission(r.Context(), id); err != nil {
		logger.Error("list artifacts", "submissionId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}
	if detail.Runs == nil {
		detail.Runs = []*store.AnalysisRun{}
	}
	if detail.Reports == nil {
		detail.Reports = []*store.Report{}
	}
	if detail.Artifacts == nil {
		detail.Artifacts = []*store.Artifact{}
	}

	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid artifact id")
		return
	}

	a, err := s.store.GetArtifact(r.Context(), id)
	if err == store.ErrNotFound {
		respondError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		logger.Error("get artifact", "artifactId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}

	name := a.Name
	if name == "" {
		name = fmt.Sprintf("artifact-%d", a.ID)
	}
	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Blob)))
	w.WriteHeader(http.StatusOK)
	w.Write(a.Blob)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
