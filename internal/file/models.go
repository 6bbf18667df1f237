package file

import (
	"io"
	"strings"
	"time"

	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/user"
)

// EventNewFile is the room event emitted after an upload is stored.
const EventNewFile = "new-file"

// Type is the coarse media class of an uploaded file.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
	TypeOther Type = "other"
)

// Classify maps a MIME type to its media class.
func Classify(mimeType string) Type {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return TypeImage
	case strings.HasPrefix(mt, "video/"):
		return TypeVideo
	default:
		return TypeOther
	}
}

var (
	ErrTeamNotFound = apperr.New(apperr.KindNotFound, "team not found")
	ErrFileNotFound = apperr.New(apperr.KindNotFound, "file not found")
	ErrFileRequired = apperr.New(apperr.KindValidation, "no file uploaded")
	ErrFileTooLarge = apperr.New(apperr.KindValidation, "file exceeds the upload size limit")
)

// Record is the metadata of an uploaded file. URL is derived from the
// public base URL and never stored.
type Record struct {
	ID           string     `json:"id"`
	TeamID       string     `json:"teamId"`
	OriginalName string     `json:"originalName"`
	StoredPath   string     `json:"-"`
	URL          string     `json:"url"`
	MimeType     string     `json:"mimeType"`
	FileType     Type       `json:"fileType"`
	FileSize     int64      `json:"fileSize"`
	UploadedBy   user.Brief `json:"uploadedBy"`
	UploadedAt   time.Time  `json:"uploadedAt"`
}

// UploadInput carries one uploaded file. Size is the client-declared size
// and may be -1 when unknown.
type UploadInput struct {
	OriginalName string
	MimeType     string
	Size         int64
	Body         io.Reader
}
