package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/media"
)

// UploadMedia handles POST /api/media (multipart/form-data, fields "type" and "file").
// The stored asset is a draft until a capsule claims it.
//
//	@Summary		Upload one draft media file
//	@Tags			media
//	@Accept			mpfd
//	@Produce		json
//	@Success		201	{object}	MediaUploadResponse
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/media [post]
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+(1<<20))

	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	t, err := capsule.ParseMediaType(r.FormValue("type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("type must be photo, video or message"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}
	ref, err := h.svc.Upload(r.Context(), t, data, uploadExt(header.Filename, header.Header.Get("Content-Type")))
	if err != nil {
		writeError(w, "upload media", err)
		return
	}
	writeJSON(w, http.StatusCreated, MediaUploadResponse{Ref: ref.String(), Type: string(t), Size: len(data)})
}

// DiscardMedia handles DELETE /api/media/{ref}.
//
//	@Summary		Discard a draft upload
//	@Tags			media
//	@Param			ref	path	string	true	"Asset ref"
//	@Success		204	"Discarded"
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/media/{ref} [delete]
func (h *Handler) DiscardMedia(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DiscardUpload(r.Context(), media.AssetRef(chi.URLParam(r, "ref"))); err != nil {
		writeError(w, "discard media", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeMedia handles GET /api/media/{ref}. Only media of unlocked capsules
// are served.
//
//	@Summary		Download a media file
//	@Tags			media
//	@Param			ref	path	string	true	"Asset ref"
//	@Success		200	"File bytes"
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/media/{ref} [get]
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	path, err := h.svc.OpenMedia(r.Context(), media.AssetRef(chi.URLParam(r, "ref")), h.svc.Now())
	if err != nil {
		writeError(w, "serve media", err)
		return
	}
	http.ServeFile(w, r, path)
}
