package chat

import (
	"time"

	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/user"
)

// MaxContentLength is the longest message body accepted, in characters.
const MaxContentLength = 5000

// EventNewMessage is the room event emitted after a message is stored.
const EventNewMessage = "new-message"

// Type classifies a message.
type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo:
		return true
	}
	return false
}

var (
	ErrTeamNotFound    = apperr.New(apperr.KindNotFound, "team not found")
	ErrContentRequired = apperr.New(apperr.KindValidation, "message content or file is required")
	ErrContentTooLong  = apperr.New(apperr.KindValidation, "message content is too long")
	ErrInvalidType     = apperr.New(apperr.KindValidation, "message type must be text, image or video")
	ErrInvalidLimit    = apperr.New(apperr.KindValidation, "limit must not be negative")
)

// Message is one immutable chat entry. Seq is the per-team insertion
// counter; CreatedAt is strictly increasing with it.
type Message struct {
	ID        string     `json:"id"`
	TeamID    string     `json:"teamId"`
	Seq       int64      `json:"seq"`
	Sender    user.Brief `json:"sender"`
	Content   string     `json:"content"`
	Type      Type       `json:"type"`
	FileURL   string     `json:"fileUrl,omitempty"`
	FileName  string     `json:"fileName,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// SendInput is the client-supplied part of a new message.
type SendInput struct {
	Content  string `json:"content"`
	Type     Type   `json:"type"`
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
}

// HistoryParams narrows a history read. After is an exclusive Seq lower
// bound; Limit 0 returns everything after it.
type HistoryParams struct {
	After int64
	Limit int
}
