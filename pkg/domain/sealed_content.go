package domain

import (
	"time"
)

// SealedContent is the plaintext structure that gets AEAD-encrypted under a
// per-capsule DEK before it touches the row store. Only the gate-approved
// disclosure path ever opens it.
type SealedContent struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Version   int       `json:"version"`
}

func NewSealedContent(content string, createdAt time.Time) *SealedContent {
	return &SealedContent{
		Content:   content,
		CreatedAt: createdAt,
		Version:   1,
	}
}
