package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/file"
)

// multipartOverhead is allowed on top of the file size limit for the
// multipart framing and any other form fields.
const multipartOverhead = 1 << 20

// FileService is the file surface used by the file handlers.
type FileService interface {
	Upload(ctx context.Context, teamID, uploaderID string, in file.UploadInput) (*file.Record, error)
	List(ctx context.Context, teamID, requesterID string) ([]*file.Record, error)
	Open(ctx context.Context, teamID, fileID, requesterID string) (*file.Record, io.ReadCloser, error)
	MaxUploadSize() int64
}

type filesHandler struct {
	files FileService
}

func newFilesHandler(svc FileService) *filesHandler {
	return &filesHandler{files: svc}
}

// List handles GET /files/{teamId}.
func (h *filesHandler) List(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	records, err := h.files.List(r.Context(), chi.URLParam(r, "teamId"), u.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if records == nil {
		records = []*file.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Upload handles POST /files/{teamId}. The "file" part of the multipart
// body is streamed to storage without buffering the whole upload.
func (h *filesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	teamID := chi.URLParam(r, "teamId")

	if limit := h.files.MaxUploadSize(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeAppError(w, r, file.ErrFileRequired)
		return
	}

	var in file.UploadInput
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeAppError(w, r, uploadReadError(err))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		in = file.UploadInput{
			OriginalName: part.FileName(),
			MimeType:     part.Header.Get("Content-Type"),
			Body:         part,
		}
		if n, err := strconv.ParseInt(part.Header.Get("Content-Length"), 10, 64); err == nil {
			in.Size = n
		}
		break
	}
	if in.Body == nil {
		writeAppError(w, r, file.ErrFileRequired)
		return
	}

	rec, err := h.files.Upload(r.Context(), teamID, u.ID, in)
	if err != nil {
		writeAppError(w, r, uploadReadError(err))
		return
	}

	auditLog(r, "upload", "file", rec.ID, "team_id", teamID, "size", rec.FileSize)
	writeJSON(w, http.StatusOK, rec)
}

// uploadReadError reports an exceeded request body limit as an oversized
// file.
func uploadReadError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return file.ErrFileTooLarge
	}
	return err
}

// Download handles GET /files/{teamId}/{fileId}/download.
func (h *filesHandler) Download(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	rec, rc, err := h.files.Open(r.Context(), chi.URLParam(r, "teamId"), chi.URLParam(r, "fileId"), u.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()

	ct := rec.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.FileSize, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.OriginalName}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
