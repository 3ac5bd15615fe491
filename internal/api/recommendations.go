package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"pagewise/internal/recommend"
)

const maxK = 50

func (s *Server) parseQuery(r *http.Request) (recommend.Query, error) {
	q := r.URL.Query()
	// other documents are searched unless the caller opts out
	out := recommend.Query{
		UserID:       userID(r),
		DocumentID:   chi.URLParam(r, "documentID"),
		Persona:      strings.TrimSpace(q.Get("persona")),
		Job:          strings.TrimSpace(q.Get("job")),
		IncludeCross: true,
	}
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		return out, badRequest("page must be a positive integer")
	}
	out.Page = page

	if raw := q.Get("include_cross_document"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return out, badRequest("include_cross_document must be a boolean")
		}
		out.IncludeCross = v
	}
	if raw := q.Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k < 1 || k > maxK {
			return out, badRequest("k must be between 1 and %d", maxK)
		}
		out.K = k
	}
	return out, nil
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.Recommend.Recommend(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.Recommend.Insights(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type classifyRequest struct {
	UserInput string `json:"user_input"`
	Persona   string `json:"persona"`
	Job       string `json:"job"`
}

func (s *Server) handleClassifyIntent(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, badRequest("invalid json"))
		return
	}
	req.UserInput = strings.TrimSpace(req.UserInput)
	req.Persona = strings.TrimSpace(req.Persona)
	req.Job = strings.TrimSpace(req.Job)

	var err error
	var resp any
	switch {
	case req.UserInput != "":
		resp, err = s.Classifier.ClassifyText(r.Context(), req.UserInput)
	case req.Persona != "" || req.Job != "":
		resp, err = s.Classifier.Classify(r.Context(), req.Persona, req.Job)
	default:
		writeErr(w, http.StatusBadRequest, badRequest("user_input or persona/job is required"))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Classifier.Catalog())
}
