package api

import (
	"encoding/json"
	"html"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"timevault/cfg"
	"timevault/pkg/domain"
	"timevault/svc/lim"
	"timevault/svc/svc"
	"timevault/svc/util"
)

type Hdl struct {
	capsule *svc.Capsule
	cfg     *cfg.Cfg
}

type CreateReq struct {
	Title          string `json:"title"`
	Content        string `json:"content"`
	Password       string `json:"password,omitempty"`
	UnlockAt       string `json:"unlock_at"`
	OpenOnce       bool   `json:"open_once,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	MediaRef       string `json:"media_ref,omitempty"`
	MediaKind      string `json:"media_kind,omitempty"`
}
type CreateResp struct {
	ID            string    `json:"id"`
	ShareToken    string    `json:"share_token"`
	DeletionToken string    `json:"deletion_token"`
	UnlockAt      time.Time `json:"unlock_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerifyReq distinguishes an absent password from an empty one; the gate
// treats only a missing field as "no attempt".
type VerifyReq struct {
	Password *string `json:"password,omitempty"`
}

type MediaURLReq struct {
	MediaPath string `json:"media_path"`
}
type MediaURLResp struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *Hdl) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}
	limit := h.cfg.MaxCapsuleSize * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return false
		}
		if cl > limit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrCapsuleTooLarge, requestID)
			return false
		}
		if ce := r.Header.Get("Content-Encoding"); ce != "" {
			log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return false
		}
	} else {
		log.Warn().Msg("missing Content-Length on POST")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func (h *Hdl) CreateCapsule(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		log.Warn().Msg("empty title")
		writeErr(w, domain.ErrTitleRequired, requestID)
		return
	}
	if int64(len(req.Content)) > h.cfg.MaxCapsuleSize {
		log.Warn().Int("content_length", len(req.Content)).Msg("content exceeds maximum size")
		writeErr(w, domain.ErrCapsuleTooLarge, requestID)
		return
	}
	unlockAt, err := time.Parse(time.RFC3339, req.UnlockAt)
	if err != nil {
		log.Warn().Err(err).Str("unlock_at", req.UnlockAt).Msg("invalid unlock_at")
		writeErr(w, domain.ErrInvalidUnlockAt, requestID)
		return
	}
	mediaKind := domain.MediaNone
	if req.MediaRef != "" {
		kind, ok := domain.ParseMediaKind(req.MediaKind)
		if !ok || kind == domain.MediaNone {
			log.Warn().Str("media_kind", req.MediaKind).Msg("invalid media kind")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		mediaKind = kind
	}

	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	ipHasher, err := util.GetIPHasher()
	if err != nil {
		log.Error().Err(err).Msg("IP hasher not initialized")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	ipHash, err := ipHasher.HashIP(realIP)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(realIP)).Msg("failed to hash client IP")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}

	params := domain.CreateParams{
		Title:          sanitizeContent(req.Title),
		Content:        sanitizeContent(req.Content),
		MediaRef:       req.MediaRef,
		MediaKind:      mediaKind,
		RecipientEmail: strings.TrimSpace(req.RecipientEmail),
		Password:       req.Password,
		UnlockAt:       unlockAt,
		OpenOnce:       req.OpenOnce,
		CreatorIPHash:  ipHash,
	}
	result, err := h.capsule.Create(r.Context(), params)
	if err != nil {
		var derr *domain.Err
		if errors.As(err, &derr) {
			log.Warn().Err(err).Msg("capsule create rejected")
			writeErr(w, derr, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to create capsule")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("capsule_id", result.Capsule.ID).
		Time("unlock_at", result.Capsule.UnlockAt).
		Bool("password_protected", req.Password != "").
		Bool("open_once", req.OpenOnce).
		Msg("capsule created")
	resp := CreateResp{
		ID:            result.Capsule.ID,
		ShareToken:    result.Capsule.ShareToken,
		DeletionToken: result.DeletionToken,
		UnlockAt:      result.Capsule.UnlockAt,
		CreatedAt:     result.Capsule.CreatedAt,
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) VerifyCapsule(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	var req VerifyReq
	if !h.readJSON(w, r, &req) {
		return
	}
	view, err := h.capsule.Verify(r.Context(), token, req.Password)
	if err != nil {
		var derr *domain.Err
		if errors.As(err, &derr) {
			log.Warn().
				Str("token", util.RedactToken(token)).
				Str("code", derr.Code).
				Msg("capsule access denied")
			writeErr(w, derr, requestID)
			return
		}
		log.Error().Err(err).Str("token", util.RedactToken(token)).Msg("verify failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("token", util.RedactToken(token)).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("capsule disclosed")
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) IssueMediaURL(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	var req MediaURLReq
	if !h.readJSON(w, r, &req) {
		return
	}
	if req.MediaPath == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	url, err := h.capsule.IssueMediaAccess(r.Context(), token, req.MediaPath)
	if err != nil {
		var derr *domain.Err
		if errors.As(err, &derr) {
			log.Warn().
				Str("token", util.RedactToken(token)).
				Str("code", derr.Code).
				Str("path", util.RedactMediaPath(req.MediaPath)).
				Msg("media access denied")
			writeErr(w, derr, requestID)
			return
		}
		log.Error().Err(err).Str("token", util.RedactToken(token)).Msg("media url issuance failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(MediaURLResp{
		URL:       url,
		ExpiresIn: int64(h.cfg.MediaURLValidity.Seconds()),
	})
}

func (h *Hdl) MarkOpened(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	if err := h.capsule.MarkOpened(r.Context(), token); err != nil {
		var derr *domain.Err
		if errors.As(err, &derr) {
			writeErr(w, derr, requestID)
			return
		}
		log.Error().Err(err).Str("token", util.RedactToken(token)).Msg("mark opened failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "opened"})
}

func (h *Hdl) DeleteCapsule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := r.Header.Get("X-Deletion-Token")
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if token == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "missing X-Deletion-Token header",
			"request_id": requestID,
		})
		return
	}
	if err := h.capsule.Delete(r.Context(), id, token); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, util.ErrTokenForged) ||
			errors.Is(err, util.ErrTokenExpired) || errors.Is(err, util.ErrTokenMalformed) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":      "invalid deletion token",
				"request_id": requestID,
			})
			return
		}
		if errors.Is(err, domain.ErrCapsuleNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("id", id).Msg("failed to delete capsule")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "internal server error",
			"request_id": requestID,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	return html.EscapeString(s)
}
