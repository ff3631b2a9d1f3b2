package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/capsuleservice"
	"github.com/starford/timesnap/internal/media"
	"github.com/starford/timesnap/internal/unlock"
)

// maxFilesPerRequest bounds the multipart body of a create request.
const maxFilesPerRequest = 16

// Handler holds API route handlers.
type Handler struct {
	svc       *capsuleservice.Service
	maxUpload int64
}

// NewHandler creates a new Handler. maxUpload caps each uploaded file.
func NewHandler(svc *capsuleservice.Service, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = capsuleservice.DefaultMaxUpload
	}
	return &Handler{svc: svc, maxUpload: maxUpload}
}

// ListCapsules handles GET /api/capsules.
//
//	@Summary		List capsules in creation order; locked ones hide their content
//	@Tags			capsules
//	@Produce		json
//	@Success		200	{object}	CapsuleListResponse
//	@Security		BearerAuth
//	@Router			/capsules [get]
func (h *Handler) ListCapsules(w http.ResponseWriter, r *http.Request) {
	views := h.svc.ListGated(r.Context(), h.svc.Now())
	writeJSON(w, http.StatusOK, CapsuleListResponse{Capsules: views})
}

// GetCapsule handles GET /api/capsules/{id}.
//
//	@Summary		Get one capsule
//	@Tags			capsules
//	@Produce		json
//	@Param			id	path		string	true	"Capsule id"
//	@Success		200	{object}	CapsuleView
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/capsules/{id} [get]
func (h *Handler) GetCapsule(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ReadGated(r.Context(), chi.URLParam(r, "id"), h.svc.Now())
	if err != nil {
		writeError(w, "get capsule", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateCapsule handles POST /api/capsules (multipart/form-data).
// Metadata fields: title, description, unlock_at (RFC 3339), include_time,
// color, shared_with (repeatable). Files: photo, video, message; a
// thumbnail file attaches to the preceding video. File order is preserved.
//
//	@Summary		Create a capsule with its media in one all-or-nothing request
//	@Tags			capsules
//	@Accept			mpfd
//	@Produce		json
//	@Success		201	{object}	CapsuleResponse
//	@Failure		400	{object}	errResponse
//	@Failure		413	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/capsules [post]
func (h *Handler) CreateCapsule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload*maxFilesPerRequest)
	in, err := h.parseCreateForm(r)
	if err != nil {
		writeError(w, "create capsule", err)
		return
	}
	c, err := h.svc.Create(r.Context(), in)
	if hard := splitWarnings(w, err); hard != nil {
		writeError(w, "create capsule", hard)
		return
	}
	writeJSON(w, http.StatusCreated, h.response(c, err))
}

// CreateFromDraft handles POST /api/capsules/from-draft.
//
//	@Summary		Create a capsule around previously uploaded media
//	@Tags			capsules
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateFromDraftRequest	true	"Capsule metadata and media refs"
//	@Success		201		{object}	CapsuleResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/capsules/from-draft [post]
func (h *Handler) CreateFromDraft(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateFromDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	meta, err := req.metadata()
	if err != nil {
		writeError(w, "create from draft", err)
		return
	}
	items, err := req.items()
	if err != nil {
		writeError(w, "create from draft", err)
		return
	}
	c, err := h.svc.CreateWithItems(r.Context(), meta, items)
	if hard := splitWarnings(w, err); hard != nil {
		writeError(w, "create from draft", hard)
		return
	}
	writeJSON(w, http.StatusCreated, h.response(c, err))
}

// DeleteCapsule handles DELETE /api/capsules/{id}.
//
//	@Summary		Delete a capsule and its media (idempotent)
//	@Tags			capsules
//	@Param			id	path	string	true	"Capsule id"
//	@Success		204	"Capsule deleted or absent"
//	@Security		BearerAuth
//	@Router			/capsules/{id} [delete]
func (h *Handler) DeleteCapsule(w http.ResponseWriter, r *http.Request) {
	_, err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"))
	if hard := splitWarnings(w, err); hard != nil {
		writeError(w, "delete capsule", hard)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddShare handles POST /api/capsules/{id}/shares.
//
//	@Summary		Share a capsule with an e-mail address
//	@Tags			shares
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Capsule id"
//	@Param			body	body		ShareRequest	true	"Recipient"
//	@Success		200		{object}	CapsuleResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/capsules/{id}/shares [post]
func (h *Handler) AddShare(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	view, err := h.svc.Share(r.Context(), chi.URLParam(r, "id"), req.Email)
	if hard := splitWarnings(w, err); hard != nil {
		writeError(w, "share capsule", hard)
		return
	}
	writeJSON(w, http.StatusOK, CapsuleResponse{CapsuleView: view, PersistWarning: persistWarning(err)})
}

// RemoveShare handles DELETE /api/capsules/{id}/shares/{email}.
//
//	@Summary		Stop sharing a capsule with an e-mail address
//	@Tags			shares
//	@Produce		json
//	@Param			id		path		string	true	"Capsule id"
//	@Param			email	path		string	true	"Recipient"
//	@Success		200		{object}	CapsuleResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/capsules/{id}/shares/{email} [delete]
func (h *Handler) RemoveShare(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Unshare(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "email"))
	if hard := splitWarnings(w, err); hard != nil {
		writeError(w, "unshare capsule", hard)
		return
	}
	writeJSON(w, http.StatusOK, CapsuleResponse{CapsuleView: view, PersistWarning: persistWarning(err)})
}

// RemoveMedia handles DELETE /api/capsules/{id}/media/{mediaID}.
//
//	@Summary		Detach one media item and delete its file
//	@Tags			capsules
//	@Param			id		path	string	true	"Capsule id"
//	@Param			mediaID	path	string	true	"Media item id"
//	@Success		204		"Media removed"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/capsules/{id}/media/{mediaID} [delete]
func (h *Handler) RemoveMedia(w http.ResponseWriter, r *http.Request) {
	err := h.svc.RemoveMedia(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mediaID"))
	if hard := splitWarnings(w, err); hard != nil {
		writeError(w, "remove media", hard)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /api/status.
//
//	@Summary		Persistence health
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	capsuleservice.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *Handler) response(c capsule.Capsule, err error) CapsuleResponse {
	return CapsuleResponse{CapsuleView: unlock.Reveal(c, h.svc.Now()), PersistWarning: persistWarning(err)}
}

func (h *Handler) parseCreateForm(r *http.Request) (capsuleservice.Input, error) {
	var in capsuleservice.Input
	mr, err := r.MultipartReader()
	if err != nil {
		return in, fmt.Errorf("%w: expected multipart/form-data", apperr.ErrInvalid)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return in, nil
		}
		if err != nil {
			return in, h.bodyError(err)
		}
		data, err := io.ReadAll(io.LimitReader(part, h.maxUpload+1))
		part.Close()
		if err != nil {
			return in, h.bodyError(err)
		}
		if part.FileName() != "" {
			if err := addFilePart(&in, part, data); err != nil {
				return in, err
			}
			continue
		}
		if err := applyField(&in.Metadata, part.FormName(), string(data)); err != nil {
			return in, err
		}
	}
}

func (h *Handler) bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: malformed multipart body: %w", apperr.ErrInvalid, err)
}

func addFilePart(in *capsuleservice.Input, part *multipart.Part, data []byte) error {
	name := part.FormName()
	if name == "thumbnail" {
		n := len(in.Media)
		if n == 0 || in.Media[n-1].Type != capsule.MediaVideo {
			return fmt.Errorf("%w: thumbnail must follow a video", apperr.ErrInvalid)
		}
		in.Media[n-1].Thumbnail = data
		return nil
	}
	t, err := capsule.ParseMediaType(name)
	if err != nil {
		return fmt.Errorf("%w: unexpected file field %q", apperr.ErrInvalid, name)
	}
	in.Media = append(in.Media, capsuleservice.MediaUpload{
		Type: t,
		Data: data,
		Ext:  uploadExt(part.FileName(), part.Header.Get("Content-Type")),
	})
	return nil
}

func applyField(meta *capsuleservice.Metadata, name, value string) error {
	switch name {
	case "title":
		meta.Title = value
	case "description":
		meta.Description = value
	case "unlock_at":
		if strings.TrimSpace(value) == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: unlock_at must be RFC 3339", apperr.ErrInvalid)
		}
		meta.UnlockAt = t
	case "include_time":
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: include_time must be a boolean", apperr.ErrInvalid)
		}
		meta.IncludeTime = b
	case "color":
		c, err := capsule.ParseColor(value)
		if err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
		}
		meta.Color = &c
	case "shared_with":
		for _, e := range strings.Split(value, ",") {
			if e = strings.TrimSpace(e); e != "" {
				meta.SharedWith = append(meta.SharedWith, e)
			}
		}
	}
	return nil
}

// uploadExt picks the stored extension from the client file name, then the
// part's content type. An empty result lets the media type decide.
func uploadExt(filename, contentType string) string {
	if ext, err := media.NormalizeExt(filepath.Ext(filename)); err == nil && filepath.Ext(filename) != "" {
		return ext
	}
	return media.ExtForMIME(contentType)
}
