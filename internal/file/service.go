package file

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/innova-app/teamcollab/internal/activity"
)

// sniffLen is how much of an upload is read to detect its type.
const sniffLen = 3072

var extPattern = regexp.MustCompile(`^\.[a-zA-Z0-9]{1,10}$`)

// Repository is the metadata surface used by Service.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	List(ctx context.Context, teamID string) ([]*Record, error)
	Get(ctx context.Context, teamID, fileID string) (*Record, error)
}

// Membership checks team membership. *team.Service implements it.
type Membership interface {
	RequireMember(ctx context.Context, teamID, userID string) error
}

// Broadcaster delivers an event to every connection joined to a team room.
type Broadcaster interface {
	Broadcast(ctx context.Context, teamID, event string, data any) error
}

// ActivityRecorder receives team activity events.
type ActivityRecorder interface {
	Record(e activity.Event)
}

// ServiceDeps holds the collaborators of Service.
type ServiceDeps struct {
	Repo          Repository
	Storage       Storage
	Members       Membership
	Broadcaster   Broadcaster
	Activity      ActivityRecorder
	PublicBaseURL string
	MaxUploadSize int64
	OnUploaded    func(r *Record)
}

// Service implements team file sharing.
type Service struct {
	repo       Repository
	storage    Storage
	members    Membership
	bc         Broadcaster
	activity   ActivityRecorder
	baseURL    string
	maxSize    int64
	onUploaded func(r *Record)
}

// NewService creates a file service.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:       deps.Repo,
		storage:    deps.Storage,
		members:    deps.Members,
		bc:         deps.Broadcaster,
		activity:   deps.Activity,
		baseURL:    strings.TrimRight(deps.PublicBaseURL, "/"),
		maxSize:    deps.MaxUploadSize,
		onUploaded: deps.OnUploaded,
	}
}

// SetBroadcaster installs b after the realtime hub is built.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.bc = b
}

// MaxUploadSize returns the configured limit in bytes (0 = unlimited).
func (s *Service) MaxUploadSize() int64 {
	return s.maxSize
}

// Upload stores the file's bytes and metadata, then announces it to the
// team room. The blob is removed again if the metadata cannot be stored.
func (s *Service) Upload(ctx context.Context, teamID, uploaderID string, in UploadInput) (*Record, error) {
	if err := s.members.RequireMember(ctx, teamID, uploaderID); err != nil {
		return nil, err
	}
	if in.Body == nil {
		return nil, ErrFileRequired
	}
	if s.maxSize > 0 && in.Size > s.maxSize {
		return nil, ErrFileTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(in.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, ErrFileRequired
	}
	head = head[:n]

	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(head).String()
	}

	name := originalName(in.OriginalName)
	key := teamID + "/" + uuid.NewString() + safeExt(name)

	body := io.MultiReader(bytes.NewReader(head), in.Body)
	if s.maxSize > 0 {
		body = io.LimitReader(body, s.maxSize+1)
	}
	size, err := s.storage.Save(ctx, key, body)
	if err != nil {
		s.discard(key)
		return nil, err
	}
	if s.maxSize > 0 && size > s.maxSize {
		s.discard(key)
		return nil, ErrFileTooLarge
	}

	rec := &Record{
		TeamID:       teamID,
		OriginalName: name,
		StoredPath:   key,
		MimeType:     mimeType,
		FileType:     Classify(mimeType),
		FileSize:     size,
	}
	rec.UploadedBy.ID = uploaderID
	if err := s.repo.Insert(ctx, rec); err != nil {
		s.discard(key)
		return nil, err
	}
	rec.URL = s.downloadURL(rec)

	if s.onUploaded != nil {
		s.onUploaded(rec)
	}
	if s.activity != nil {
		s.activity.Record(activity.Event{
			TeamID: teamID,
			UserID: uploaderID,
			Kind:   activity.KindFileUploaded,
			Detail: map[string]any{"fileId": rec.ID, "name": rec.OriginalName, "size": rec.FileSize},
		})
	}
	if s.bc != nil {
		if err := s.bc.Broadcast(ctx, teamID, EventNewFile, rec); err != nil {
			slog.Warn("file broadcast failed", "team_id", teamID, "file_id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// List returns the team's files, newest first.
func (s *Service) List(ctx context.Context, teamID, requesterID string) ([]*Record, error) {
	if err := s.members.RequireMember(ctx, teamID, requesterID); err != nil {
		return nil, err
	}
	records, err := s.repo.List(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		r.URL = s.downloadURL(r)
	}
	return records, nil
}

// Open returns a file's metadata and a reader over its bytes. The caller
// must close the reader.
func (s *Service) Open(ctx context.Context, teamID, fileID, requesterID string) (*Record, io.ReadCloser, error) {
	if err := s.members.RequireMember(ctx, teamID, requesterID); err != nil {
		return nil, nil, err
	}
	rec, err := s.repo.Get(ctx, teamID, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.storage.Open(ctx, rec.StoredPath)
	if err != nil {
		return nil, nil, err
	}
	rec.URL = s.downloadURL(rec)
	return rec, rc, nil
}

func (s *Service) downloadURL(r *Record) string {
	return s.baseURL + "/files/" + r.TeamID + "/" + r.ID + "/download"
}

func (s *Service) discard(key string) {
	if err := s.storage.Delete(context.Background(), key); err != nil {
		slog.Warn("removing orphaned blob failed", "key", key, "error", err)
	}
}

// originalName keeps only the final path element of a client file name.
func originalName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	base := filepath.Base(filepath.FromSlash(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "file"
	}
	return base
}

func safeExt(name string) string {
	ext := filepath.Ext(name)
	if !extPattern.MatchString(ext) {
		return ""
	}
	return strings.ToLower(ext)
}
