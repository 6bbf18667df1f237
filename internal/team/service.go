package team

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/innova-app/teamcollab/internal/activity"
	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/mail"
	"github.com/innova-app/teamcollab/internal/user"
)

// Repository is the persistence surface used by Service. *Store implements
// it; tests use an in-memory version with the same atomicity.
type Repository interface {
	Create(ctx context.Context, name, description, ownerID string) (*Team, error)
	Get(ctx context.Context, teamID string) (*Team, error)
	ListForUser(ctx context.Context, userID string) ([]*Team, error)
	MemberRole(ctx context.Context, teamID, userID string) (Role, error)
	CreateInvitation(ctx context.Context, teamID, email, invitedBy, tokenHash string) (*Invitation, error)
	AcceptInvitation(ctx context.Context, tokenHash, userID, email string) (string, error)
	RemoveMember(ctx context.Context, teamID, userID string) error
	Delete(ctx context.Context, teamID string) error
}

// UserLookup resolves account records.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// Mailer delivers invitation emails.
type Mailer interface {
	SendInvite(ctx context.Context, msg mail.Invite) error
}

// ActivityRecorder receives team activity events.
type ActivityRecorder interface {
	Record(e activity.Event)
}

// RoomCloser ends realtime access for users who lost membership. The
// realtime hub implements it.
type RoomCloser interface {
	RevokeMembership(ctx context.Context, teamID, userID string) error
	CloseRoom(ctx context.Context, teamID string) error
}

// ServiceDeps holds the collaborators of Service. Mailer, Activity, Rooms
// and OnMailFailure are optional.
type ServiceDeps struct {
	Repo          Repository
	Users         UserLookup
	Mailer        Mailer
	Activity      ActivityRecorder
	Rooms         RoomCloser
	ClientURL     string
	OnMailFailure func()
}

// Service implements team membership operations.
type Service struct {
	repo          Repository
	users         UserLookup
	mailer        Mailer
	activity      ActivityRecorder
	rooms         RoomCloser
	clientURL     string
	onMailFailure func()
	validate      *validator.Validate
}

// NewService creates a new team service.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:          deps.Repo,
		users:         deps.Users,
		mailer:        deps.Mailer,
		activity:      deps.Activity,
		rooms:         deps.Rooms,
		clientURL:     strings.TrimRight(deps.ClientURL, "/"),
		onMailFailure: deps.OnMailFailure,
		validate:      validator.New(),
	}
}

// SetRoomCloser installs the realtime hub once it exists. Call before
// serving requests.
func (s *Service) SetRoomCloser(r RoomCloser) {
	s.rooms = r
}

// CreateTeam creates a team owned by ownerID.
func (s *Service) CreateTeam(ctx context.Context, ownerID string, in CreateTeamInput) (*Team, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrNameRequired
	}

	t, err := s.repo.Create(ctx, name, strings.TrimSpace(in.Description), ownerID)
	if err != nil {
		return nil, err
	}
	s.record(t.ID, ownerID, activity.KindTeamCreated, map[string]any{"name": t.Name})
	return t, nil
}

// GetTeam returns the team if requesterID is a member.
func (s *Service) GetTeam(ctx context.Context, teamID, requesterID string) (*Team, error) {
	t, err := s.repo.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if t.RoleOf(requesterID) == "" {
		return nil, ErrNotMember
	}
	return t, nil
}

// ListTeamsForUser returns the teams userID belongs to, newest first.
func (s *Service) ListTeamsForUser(ctx context.Context, userID string) ([]*Team, error) {
	return s.repo.ListForUser(ctx, userID)
}

// RequireMember returns ErrTeamNotFound or ErrNotMember unless userID is a
// member of teamID.
func (s *Service) RequireMember(ctx context.Context, teamID, userID string) error {
	role, err := s.repo.MemberRole(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if role == "" {
		return ErrNotMember
	}
	return nil
}

// IsMember reports whether userID is a member of teamID. A missing team is
// not an error.
func (s *Service) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	err := s.RequireMember(ctx, teamID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTeamNotFound), errors.Is(err, ErrNotMember):
		return false, nil
	default:
		return false, err
	}
}

// InviteMember creates a pending invitation for email and returns the
// plaintext token with its link. Email delivery is best effort.
func (s *Service) InviteMember(ctx context.Context, teamID, requesterID, email string) (*InviteResult, error) {
	email = user.NormalizeEmail(email)
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		return nil, ErrInvalidEmail
	}

	t, err := s.repo.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if t.RoleOf(requesterID) == "" {
		return nil, ErrNotMember
	}

	token, hash, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	inv, err := s.repo.CreateInvitation(ctx, teamID, email, requesterID, hash)
	if err != nil {
		return nil, err
	}

	link := s.clientURL + "/accept-invite/" + token
	s.sendInvite(ctx, t, requesterID, email, link)
	s.record(teamID, requesterID, activity.KindMemberInvited, map[string]any{"email": email})

	return &InviteResult{Invitation: inv, Token: token, InviteLink: link}, nil
}

func (s *Service) sendInvite(ctx context.Context, t *Team, inviterID, email, link string) {
	if s.mailer == nil {
		return
	}

	inviter := "A teammate"
	for _, m := range t.Members {
		if m.User.ID == inviterID && m.User.Name != "" {
			inviter = m.User.Name
		}
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	err := s.mailer.SendInvite(sendCtx, mail.Invite{
		To:          email,
		TeamName:    t.Name,
		InviterName: inviter,
		Link:        link,
	})
	if err != nil {
		derr := apperr.Wrap(apperr.KindDependency, "sending invitation email", err)
		slog.Error("invitation email failed", "team_id", t.ID, "email", email, "error", derr)
		if s.onMailFailure != nil {
			s.onMailFailure()
		}
	}
}

// AcceptInvite adds requesterID to the team of the pending invitation
// identified by token.
func (s *Service) AcceptInvite(ctx context.Context, token, requesterID string) (*Team, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvitationNotFound
	}

	u, err := s.users.GetByID(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	teamID, err := s.repo.AcceptInvitation(ctx, auth.HashToken(token), u.ID, u.Email)
	if err != nil {
		return nil, err
	}
	s.record(teamID, u.ID, activity.KindMemberJoined, map[string]any{"email": u.Email})

	return s.repo.Get(ctx, teamID)
}

// RemoveMember removes targetID from the team. The requester must be an
// owner or admin and the owner can never be removed.
func (s *Service) RemoveMember(ctx context.Context, teamID, requesterID, targetID string) error {
	t, err := s.repo.Get(ctx, teamID)
	if err != nil {
		return err
	}
	if !t.RoleOf(requesterID).CanManageMembers() {
		return ErrPermissionDenied
	}
	if targetID == t.Owner.ID {
		return ErrOwnerUnremovable
	}
	if t.RoleOf(targetID) == "" {
		return ErrMemberNotFound
	}

	if err := s.repo.RemoveMember(ctx, teamID, targetID); err != nil {
		return err
	}
	s.record(teamID, requesterID, activity.KindMemberRemoved, map[string]any{"userId": targetID})

	if s.rooms != nil {
		if err := s.rooms.RevokeMembership(ctx, teamID, targetID); err != nil {
			slog.Error("failed to revoke realtime access", "team_id", teamID, "user_id", targetID, "error", err)
		}
	}
	return nil
}

// DeleteTeam deletes the team. Only the owner may do so.
func (s *Service) DeleteTeam(ctx context.Context, teamID, requesterID string) error {
	t, err := s.repo.Get(ctx, teamID)
	if err != nil {
		return err
	}
	if t.Owner.ID != requesterID {
		return ErrOwnerOnly
	}
	if err := s.repo.Delete(ctx, teamID); err != nil {
		return err
	}

	if s.rooms != nil {
		if err := s.rooms.CloseRoom(ctx, teamID); err != nil {
			slog.Error("failed to close realtime room", "team_id", teamID, "error", err)
		}
	}
	return nil
}

func (s *Service) record(teamID, userID string, kind activity.Kind, detail map[string]any) {
	if s.activity == nil {
		return
	}
	s.activity.Record(activity.Event{
		TeamID: teamID,
		UserID: userID,
		Kind:   kind,
		Detail: detail,
	})
}
