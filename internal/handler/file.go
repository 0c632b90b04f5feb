package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/chatroom/internal/fileserver"
)

type FileHandler struct {
	fileSvc *fileserver.Service
}

func NewFileHandler(fileSvc *fileserver.Service) *FileHandler {
	return &FileHandler{fileSvc: fileSvc}
}

// Upload accepts multipart/form-data with a "file" field.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// multipart framing on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, h.fileSvc.MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusBadRequest, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	res, err := h.fileSvc.Save(r.Context(), file, header.Filename)
	switch {
	case errors.Is(err, fileserver.ErrTooLarge), errors.Is(err, fileserver.ErrBlocked), errors.Is(err, fileserver.ErrEmpty):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		writeServiceError(w, "file.Upload", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Serve streams a stored upload; ?name= sets the download file name.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	f, info, err := h.fileSvc.Open(chi.URLParam(r, "filename"))
	if errors.Is(err, fileserver.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeServiceError(w, "file.Serve", err)
		return
	}
	defer f.Close()

	ctype := fileserver.ContentType(f)
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
	name := fileserver.SafeFilename(r.URL.Query().Get("name"))
	switch {
	case name != "":
		w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(name))
	case !fileserver.Inline(ctype):
		w.Header().Set("Content-Disposition", "attachment")
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
