package domain

import (
	"time"
)

type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

func ParseMediaKind(s string) (MediaKind, bool) {
	switch MediaKind(s) {
	case MediaNone, MediaImage, MediaVideo, MediaAudio:
		return MediaKind(s), true
	}
	return MediaNone, false
}

// Capsule is the persisted record. ID is internal only; ShareToken is the
// only identifier that may appear in links. Content lives inside the
// encrypted blob and is populated in memory after a successful disclosure;
// it is excluded from serialization so plaintext never reaches a cache.
// Clients only ever see PublicCapsuleView.
type Capsule struct {
	ID               string    `json:"id"`
	ShareToken       string    `json:"share_token"`
	Title            string    `json:"title"`
	Content          string    `json:"-"`
	SealedBlob       []byte    `json:"sealed_blob,omitempty"`
	EncryptedDEK     []byte    `json:"encrypted_dek,omitempty"`
	MediaRef         string    `json:"media_ref,omitempty"`
	MediaKind        MediaKind `json:"media_kind,omitempty"`
	RecipientEmail   string    `json:"recipient_email,omitempty"`
	PasswordHash     string    `json:"password_hash,omitempty"`
	UnlockAt         time.Time `json:"unlock_at"`
	OpenOnce         bool      `json:"open_once"`
	IsOpened         bool      `json:"is_opened"`
	NotificationSent bool      `json:"notification_sent"`
	CreatorIPHash    string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

func (c *Capsule) HasPassword() bool {
	return c.PasswordHash != ""
}

func (c *Capsule) HasMedia() bool {
	return c.MediaRef != ""
}

type CreateParams struct {
	Title          string
	Content        string
	MediaRef       string
	MediaKind      MediaKind
	RecipientEmail string
	Password       string
	UnlockAt       time.Time
	OpenOnce       bool
	CreatorIPHash  string
}

// PublicCapsuleView is the subset of fields safe to return to a viewer.
// The password hash never leaves the service.
type PublicCapsuleView struct {
	Title       string    `json:"title"`
	Content     string    `json:"content,omitempty"`
	MediaRef    string    `json:"media_ref,omitempty"`
	MediaKind   MediaKind `json:"media_kind,omitempty"`
	UnlockAt    time.Time `json:"unlock_at"`
	CreatedAt   time.Time `json:"created_at"`
	OpenOnce    bool      `json:"open_once"`
	IsOpened    bool      `json:"is_opened"`
	HasPassword bool      `json:"has_password"`
}

func (c *Capsule) PublicView() PublicCapsuleView {
	return PublicCapsuleView{
		Title:       c.Title,
		Content:     c.Content,
		MediaRef:    c.MediaRef,
		MediaKind:   c.MediaKind,
		UnlockAt:    c.UnlockAt,
		CreatedAt:   c.CreatedAt,
		OpenOnce:    c.OpenOnce,
		IsOpened:    c.IsOpened,
		HasPassword: c.HasPassword(),
	}
}
