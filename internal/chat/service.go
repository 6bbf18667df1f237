package chat

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/innova-app/teamcollab/internal/activity"
)

// Repository is the persistence surface used by Service.
type Repository interface {
	Insert(ctx context.Context, teamID, senderID string, in SendInput) (*Message, error)
	History(ctx context.Context, teamID string, p HistoryParams) ([]*Message, error)
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

// ServiceDeps holds the collaborators of Service. Broadcaster, Activity and
// OnStored are optional.
type ServiceDeps struct {
	Repo        Repository
	Members     Membership
	Broadcaster Broadcaster
	Activity    ActivityRecorder
	OnStored    func(m *Message)
}

// Service is the single entry point for writing and reading messages,
// whether the caller is a REST handler or a realtime connection.
type Service struct {
	repo        Repository
	members     Membership
	broadcaster Broadcaster
	activity    ActivityRecorder
	onStored    func(m *Message)
}

// NewService creates a message service.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:        deps.Repo,
		members:     deps.Members,
		broadcaster: deps.Broadcaster,
		activity:    deps.Activity,
		onStored:    deps.OnStored,
	}
}

// SetBroadcaster installs b. The realtime hub depends on Service, so it is
// attached after both exist.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// SendMessage stores a message from senderID and then announces it to the
// team room. Nothing is announced when storing fails.
func (s *Service) SendMessage(ctx context.Context, teamID, senderID string, in SendInput) (*Message, error) {
	if err := s.members.RequireMember(ctx, teamID, senderID); err != nil {
		return nil, err
	}

	in, err := normalize(in)
	if err != nil {
		return nil, err
	}

	m, err := s.repo.Insert(ctx, teamID, senderID, in)
	if err != nil {
		return nil, err
	}

	if s.onStored != nil {
		s.onStored(m)
	}
	if s.activity != nil {
		s.activity.Record(activity.Event{
			TeamID: teamID,
			UserID: senderID,
			Kind:   activity.KindMessageSent,
			Detail: map[string]any{"messageId": m.ID, "type": string(m.Type)},
		})
	}
	s.broadcast(ctx, teamID, EventNewMessage, m)
	return m, nil
}

// GetHistory returns the team's messages in creation order.
func (s *Service) GetHistory(ctx context.Context, teamID, requesterID string, p HistoryParams) ([]*Message, error) {
	if err := s.members.RequireMember(ctx, teamID, requesterID); err != nil {
		return nil, err
	}
	if p.Limit < 0 || p.After < 0 {
		return nil, ErrInvalidLimit
	}
	return s.repo.History(ctx, teamID, p)
}

func (s *Service) broadcast(ctx context.Context, teamID, event string, data any) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(ctx, teamID, event, data); err != nil {
		slog.Warn("message broadcast failed", "team_id", teamID, "event", event, "error", err)
	}
}

func normalize(in SendInput) (SendInput, error) {
	in.Content = strings.TrimSpace(in.Content)
	in.FileURL = strings.TrimSpace(in.FileURL)
	in.FileName = strings.TrimSpace(in.FileName)

	if in.Content == "" && in.FileURL == "" {
		return in, ErrContentRequired
	}
	if utf8.RuneCountInString(in.Content) > MaxContentLength {
		return in, ErrContentTooLong
	}
	if in.Type == "" {
		in.Type = TypeText
	}
	if !in.Type.Valid() {
		return in, ErrInvalidType
	}
	return in, nil
}
