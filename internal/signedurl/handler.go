package signedurl

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mapstats/service/internal/authz"
	"github.com/mapstats/service/internal/metrics"
	"github.com/mapstats/service/internal/middleware"
	"github.com/mapstats/service/internal/response"
)

// maxBodyBytes bounds the JSON body, which for uploadFile carries base64 data.
const maxBodyBytes = 32 << 20

// Handler serves the single signing endpoint.
type Handler struct {
	svc      *Service
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a new signing Handler.
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{svc: svc, validate: v, log: logger}
}

// action is the closed set of request shapes the endpoint accepts.
type action interface {
	isAction()
}

type putURLRequest struct {
	Key              string `json:"key"              validate:"required" example:"augusta/tiles/15/1000/2000.png"`
	ContentType      string `json:"contentType"      validate:"required" example:"image/png"`
	ExpiresInSeconds int    `json:"expiresInSeconds" validate:"gte=0"   example:"900"`
}

type getURLRequest struct {
	Key              string `json:"key"              validate:"required" example:"augusta/tiles/15/1000/2000.png"`
	ExpiresInSeconds int    `json:"expiresInSeconds" validate:"gte=0"   example:"900"`
}

type deleteRequest struct {
	Key string `json:"key" validate:"required"`
}

type listRequest struct {
	Prefix string `json:"prefix"`
}

type uploadFileRequest struct {
	Key         string `json:"key"         validate:"required"`
	ContentType string `json:"contentType" validate:"required"`
	FileData    string `json:"fileData"    validate:"required"`
}

func (putURLRequest) isAction()     {}
func (getURLRequest) isAction()     {}
func (deleteRequest) isAction()     {}
func (listRequest) isAction()       {}
func (uploadFileRequest) isAction() {}

// signRequest documents the wire shape; Sign decodes it per action.
type signRequest struct {
	Action           string `json:"action"                     example:"getPutUrl" enums:"getPutUrl,getGetUrl,deleteObject,listObjects,uploadFile"`
	Key              string `json:"key,omitempty"              example:"augusta/tiles/15/1000/2000.png"`
	ContentType      string `json:"contentType,omitempty"      example:"image/png"`
	ExpiresInSeconds int    `json:"expiresInSeconds,omitempty" example:"900"`
	Prefix           string `json:"prefix,omitempty"           example:"club/42/"`
	FileData         string `json:"fileData,omitempty"         example:"iVBORw0KGgo="`
}

type urlData struct {
	URL    string `json:"url"    example:"https://map-stats-tiles-prod.acct.r2.cloudflarestorage.com/augusta/tiles/15/1000/2000.png?X-Amz-Algorithm=AWS4-HMAC-SHA256"`
	Key    string `json:"key"    example:"augusta/tiles/15/1000/2000.png"`
	Method string `json:"method" example:"PUT"`
}

type successData struct {
	Success bool `json:"success" example:"true"`
}

func (h *Handler) decode(body []byte) (action, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, badRequest("invalid request body")
	}

	var a action
	switch head.Action {
	case "getPutUrl":
		a = &putURLRequest{}
	case "getGetUrl":
		a = &getURLRequest{}
	case "deleteObject":
		a = &deleteRequest{}
	case "listObjects":
		a = &listRequest{}
	case "uploadFile":
		a = &uploadFileRequest{}
	case "":
		return nil, badRequest("Missing action")
	default:
		return nil, badRequest("Invalid action")
	}
	if err := json.Unmarshal(body, a); err != nil {
		return nil, badRequest("invalid request body")
	}
	if err := h.validate.Struct(a); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			if ve[0].Tag() == "required" {
				return nil, badRequest("Missing " + ve[0].Field())
			}
			return nil, badRequest("Invalid " + ve[0].Field())
		}
		return nil, badRequest("invalid request body")
	}
	return a, nil
}

// Sign godoc
//
//	@Summary		Presign or perform an object-store operation
//	@Description	Single endpoint dispatching on action. getPutUrl and getGetUrl return a presigned URL; deleteObject and uploadFile are executed server-side; listObjects returns keys under the caller's effective prefix.
//	@Tags			storage
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		signRequest	true	"Action and its arguments"
//	@Success		200		{object}	urlData
//	@Success		200		{object}	successData
//	@Success		200		{object}	InlineResult
//	@Success		200		{object}	Listing
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Failure		502		{object}	response.Envelope
//	@Router			/r2-sign [post]
func (h *Handler) Sign(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		h.fail(w, ErrUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, badRequest("request body too large"))
		return
	}
	a, err := h.decode(body)
	if err != nil {
		h.fail(w, err)
		return
	}

	ctx := r.Context()
	switch req := a.(type) {
	case *putURLRequest:
		g, err := h.svc.GetUploadURL(ctx, id, req.Key, req.ContentType, req.ExpiresInSeconds)
		if err != nil {
			h.fail(w, err)
			return
		}
		response.JSON(w, http.StatusOK, urlData{URL: g.URL, Key: g.Key, Method: g.Method})
	case *getURLRequest:
		g, err := h.svc.GetDownloadURL(ctx, id, req.Key, req.ExpiresInSeconds)
		if err != nil {
			h.fail(w, err)
			return
		}
		response.JSON(w, http.StatusOK, urlData{URL: g.URL, Key: g.Key, Method: g.Method})
	case *deleteRequest:
		if err := h.svc.DeleteObject(ctx, id, req.Key); err != nil {
			h.fail(w, err)
			return
		}
		response.JSON(w, http.StatusOK, successData{Success: true})
	case *listRequest:
		l, err := h.svc.List(ctx, id, req.Prefix)
		if err != nil {
			h.fail(w, err)
			return
		}
		response.JSON(w, http.StatusOK, l)
	case *uploadFileRequest:
		data, err := decodeFileData(req.FileData)
		if err != nil {
			h.fail(w, err)
			return
		}
		res, err := h.svc.UploadInline(ctx, id, req.Key, req.ContentType, data)
		if err != nil {
			h.fail(w, err)
			return
		}
		response.JSON(w, http.StatusOK, res)
	default:
		h.fail(w, badRequest("Invalid action"))
	}
}

// decodeFileData accepts raw base64 or a data URL.
func decodeFileData(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, badRequest("fileData is not valid base64")
	}
	return data, nil
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var up *UpstreamError
	switch {
	case errors.Is(err, ErrUnauthorized):
		response.Unauthorized(w, "Unauthorized")
	case errors.Is(err, ErrBadRequest):
		metrics.SignFailures.WithLabelValues("bad_request").Inc()
		response.BadRequest(w, strings.TrimPrefix(err.Error(), ErrBadRequest.Error()+": "))
	case errors.Is(err, authz.ErrForbidden):
		metrics.SignFailures.WithLabelValues("forbidden").Inc()
		response.Forbidden(w, "Forbidden")
	case errors.As(err, &up):
		metrics.SignFailures.WithLabelValues("upstream").Inc()
		h.log.Warn().Str("op", up.Op).Int("status", up.Status).Msg("object store rejected request")
		response.BadGateway(w, up.Error())
	default:
		metrics.SignFailures.WithLabelValues("internal").Inc()
		h.log.Error().Err(err).Msg("signing request failed")
		response.InternalError(w)
	}
}
