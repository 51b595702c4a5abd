package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrInvalidToken    = NewErr("INVALID_TOKEN", "invalid share token", http.StatusBadRequest)
	ErrCapsuleNotFound = NewErr("CAPSULE_NOT_FOUND", "capsule not found", http.StatusNotFound)
	ErrStillSealed     = NewErr("STILL_SEALED", "capsule is still sealed", http.StatusForbidden)
	ErrAlreadyOpened   = NewErr("ALREADY_OPENED", "capsule can only be opened once", http.StatusForbidden)

	// Credential denials carry the not-found wire shape: a well formed token
	// must not reveal whether a capsule exists behind a password. The values
	// stay distinct so logs and metrics can tell the cases apart.
	ErrPasswordRequired = NewErr("CAPSULE_NOT_FOUND", "capsule not found", http.StatusNotFound)
	ErrWrongPassword    = NewErr("CAPSULE_NOT_FOUND", "capsule not found", http.StatusNotFound)

	ErrPathMismatch      = NewErr("PATH_MISMATCH", "media path mismatch", http.StatusForbidden)
	ErrNoMedia           = NewErr("NO_MEDIA", "no media attached", http.StatusNotFound)
	ErrTitleRequired     = NewErr("TITLE_REQUIRED", "title required", http.StatusBadRequest)
	ErrInvalidPassword   = NewErr("INVALID_PASSWORD", "password must be 1 to 100 characters", http.StatusBadRequest)
	ErrCapsuleTooLarge   = NewErr("CAPSULE_TOO_LARGE", "capsule too large", http.StatusBadRequest)
	ErrInvalidUnlockAt   = NewErr("INVALID_UNLOCK_AT", "invalid unlock time", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUnauthorized      = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGeneration      = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
