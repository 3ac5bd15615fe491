package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pagewise/internal/ingest"
	"pagewise/internal/models"
	"pagewise/internal/storage"
	"pagewise/internal/util"
)

const (
	defaultUploadLimit = 50 << 20
	// multipart framing on top of the file itself
	uploadOverheadBytes = 1 << 20
)

var errUploadTooLarge = errors.New("upload exceeds the size limit")

type uploadResponse struct {
	DocumentID string                `json:"document_id"`
	JobID      string                `json:"job_id"`
	Status     models.DocumentStatus `json:"status"`
	Duplicate  bool                  `json:"duplicate"`
}

type documentResponse struct {
	models.Document
	Job *models.IngestionJob `json:"job,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.Config.MaxUploadBytes()
	if limit <= 0 {
		limit = defaultUploadLimit
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+uploadOverheadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeErr(w, http.StatusBadRequest, badRequest("no file in multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, badRequest("no file in multipart form"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, badRequest("read upload"))
		return
	}
	if int64(len(data)) > limit {
		writeErr(w, http.StatusRequestEntityTooLarge, errUploadTooLarge)
		return
	}

	sub, err := s.Ingest.Submit(r.Context(), ingest.Upload{
		UserID:  userID(r),
		Name:    header.Filename,
		Data:    data,
		Persona: strings.TrimSpace(r.FormValue("persona")),
		Job:     strings.TrimSpace(r.FormValue("job")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{
		DocumentID: sub.Document.DocumentID,
		JobID:      sub.Job.JobID,
		Status:     sub.Document.Status,
		Duplicate:  sub.Duplicate,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{SortBy: q.Get("sort_by")}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
		opts.Desc = true
	case "asc":
	default:
		writeErr(w, http.StatusBadRequest, badRequest("unknown sort order %q", q.Get("order")))
		return
	}
	if opts.SortBy == "" {
		opts.SortBy = storage.SortUploadDate
	}
	opts, ok := opts.Normalize()
	if !ok {
		writeErr(w, http.StatusBadRequest, badRequest("unknown sort key %q", q.Get("sort_by")))
		return
	}

	docs, err := s.Store.ListDocuments(r.Context(), userID(r), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for i := range docs {
		docs[i].FileURL = fileURL(docs[i].DocumentID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Store.GetDocument(r.Context(), userID(r), chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	doc.FileURL = fileURL(doc.DocumentID)
	out := documentResponse{Document: doc}
	if job, ok := s.Ingest.ActiveJob(doc.DocumentID); ok {
		out.Job = &job
	} else if job, err := s.Store.LatestJob(r.Context(), doc.DocumentID); err == nil {
		out.Job = &job
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpenDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	if err := s.Store.TouchOpened(r.Context(), userID(r), id, time.Now().UTC()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "opened": true})
}

func (s *Server) handleDocumentFile(w http.ResponseWriter, r *http.Request) {
	doc, err := s.Store.GetDocument(r.Context(), userID(r), chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.Blobs.Get(r.Context(), doc.BlobKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", "inline; filename=\""+strings.ReplaceAll(doc.Name, "\"", "")+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	if err := s.Ingest.Delete(r.Context(), userID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "deleted": true})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Ingest.Job(r.Context(), userID(r), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func fileURL(documentID string) string {
	return "/documents/" + documentID + "/file"
}

// fail logs server-side failures and writes the mapped envelope.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("user_id", userID(r)),
			zap.Error(err))
	} else if errors.Is(err, util.ErrValidation) {
		s.log.Debug("rejected request", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeErr(w, code, err)
}
