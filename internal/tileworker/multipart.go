package tileworker

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/mapstats/service/internal/response"
	"github.com/mapstats/service/internal/storage"
)

type initiateRequest struct {
	Key         string `json:"key"         validate:"required" example:"club/42/course-imagery.tif"`
	ContentType string `json:"contentType"                     example:"image/tiff"`
}

type initiateData struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

type partData struct {
	ETag       string `json:"etag"`
	PartNumber int    `json:"partNumber"`
}

type completeRequest struct {
	Key      string         `json:"key"      validate:"required"`
	UploadID string         `json:"uploadId" validate:"required"`
	Parts    []storage.Part `json:"parts"    validate:"required,min=1"`
}

type abortRequest struct {
	Key      string `json:"key"      validate:"required"`
	UploadID string `json:"uploadId" validate:"required"`
}

type successData struct {
	Success bool `json:"success"`
}

// InitiateMultipart godoc
//
//	@Summary		Start a multipart upload
//	@Tags			multipart
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		initiateRequest	true	"Key and content type"
//	@Success		200		{object}	initiateData
//	@Failure		400		{object}	response.Envelope
//	@Router			/worker/multipart/initiate [post]
func (h *Handler) InitiateMultipart(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.cfg.Sessions.Initiate(r.Context(), req.Key, req.ContentType)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("key", s.Key).Str("upload_id", s.UploadID).Msg("multipart upload initiated")
	response.JSON(w, http.StatusOK, initiateData{UploadID: s.UploadID, Key: s.Key})
}

// UploadPart godoc
//
//	@Summary		Upload one part
//	@Tags			multipart
//	@Accept			application/octet-stream
//	@Produce		json
//	@Security		BearerAuth
//	@Param			X-Key			header		string	true	"Object key"
//	@Param			X-Upload-Id		header		string	true	"Upload id from initiate"
//	@Param			X-Part-Number	header		int		true	"1-based part number"
//	@Success		200				{object}	partData
//	@Failure		400				{object}	response.Envelope
//	@Failure		404				{object}	response.Envelope
//	@Failure		409				{object}	response.Envelope
//	@Router			/worker/multipart/part [put]
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Key")
	uploadID := r.Header.Get("X-Upload-Id")
	number, err := strconv.Atoi(r.Header.Get("X-Part-Number"))
	if key == "" || uploadID == "" || err != nil || number == 0 {
		response.BadRequest(w, "Missing headers")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxPartBytes)
	p, err := h.cfg.Sessions.UploadPart(r.Context(), key, uploadID, number, body, r.ContentLength)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			response.Error(w, http.StatusRequestEntityTooLarge, "part too large")
			return
		}
		h.fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, partData{ETag: p.ETag, PartNumber: p.Number})
}

// CompleteMultipart godoc
//
//	@Summary		Complete a multipart upload
//	@Description	parts must list every uploaded part, numbered 1..n in ascending order, with the etags returned by part uploads.
//	@Tags			multipart
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		completeRequest	true	"Upload and its parts"
//	@Success		200		{object}	keyResult
//	@Failure		400		{object}	response.Envelope
//	@Failure		404		{object}	response.Envelope
//	@Failure		409		{object}	response.Envelope
//	@Router			/worker/multipart/complete [post]
func (h *Handler) CompleteMultipart(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !h.decode(w, r, &req) {
		return
	}
	info, err := h.cfg.Sessions.Complete(r.Context(), req.Key, req.UploadID, req.Parts)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("key", req.Key).Int64("size", info.Size).Int("parts", len(req.Parts)).Msg("multipart upload completed")
	response.JSON(w, http.StatusOK, keyResult{Success: true, Key: req.Key})
}

// AbortMultipart godoc
//
//	@Summary		Abort a multipart upload
//	@Tags			multipart
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		abortRequest	true	"Upload"
//	@Success		200		{object}	successData
//	@Failure		404		{object}	response.Envelope
//	@Router			/worker/multipart/abort [post]
func (h *Handler) AbortMultipart(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.cfg.Sessions.Abort(r.Context(), req.Key, req.UploadID); err != nil {
		h.fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, successData{Success: true})
}
