package team

import (
	"time"

	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/user"
)

// Role is a member's permission level within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanManageMembers reports whether the role may remove other members.
func (r Role) CanManageMembers() bool {
	return r == RoleOwner || r == RoleAdmin
}

// InvitationStatus is the lifecycle state of an invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
)

var (
	ErrTeamNotFound       = apperr.New(apperr.KindNotFound, "team not found")
	ErrNotMember          = apperr.New(apperr.KindForbidden, "access denied: not a team member")
	ErrMemberNotFound     = apperr.New(apperr.KindNotFound, "member not found")
	ErrNameRequired       = apperr.New(apperr.KindValidation, "team name is required")
	ErrInvalidEmail       = apperr.New(apperr.KindValidation, "a valid email is required")
	ErrAlreadyMember      = apperr.New(apperr.KindConflict, "user is already a member")
	ErrAlreadyInvited     = apperr.New(apperr.KindConflict, "invitation already sent to this email")
	ErrInvitationNotFound = apperr.New(apperr.KindNotFound, "invalid or expired invitation")
	ErrEmailMismatch      = apperr.New(apperr.KindForbidden, "this invitation was sent to a different email address")
	ErrPermissionDenied   = apperr.New(apperr.KindForbidden, "only owners and admins can remove members")
	ErrOwnerUnremovable   = apperr.New(apperr.KindValidation, "cannot remove team owner")
	ErrOwnerOnly          = apperr.New(apperr.KindForbidden, "only the owner can delete the team")
)

// Member is one entry of a team's ordered member list.
type Member struct {
	User     user.Brief `json:"user"`
	Role     Role       `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
}

// Invitation is an email invitation to join a team. Only the hash of the
// token is stored.
type Invitation struct {
	ID        string           `json:"id"`
	TeamID    string           `json:"teamId"`
	Email     string           `json:"email"`
	InvitedBy string           `json:"invitedBy"`
	TokenHash string           `json:"-"`
	Status    InvitationStatus `json:"status"`
	InvitedAt time.Time        `json:"invitedAt"`
}

// Team is a collaboration space with its members and invitations.
type Team struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Owner       user.Brief   `json:"owner"`
	Members     []Member     `json:"members"`
	Invitations []Invitation `json:"invitations"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// RoleOf returns the role of userID, or "" when not a member.
func (t *Team) RoleOf(userID string) Role {
	for _, m := range t.Members {
		if m.User.ID == userID {
			return m.Role
		}
	}
	return ""
}

// CreateTeamInput holds the fields accepted when creating a team.
type CreateTeamInput struct {
	Name        string `json:"name" validate:"max=100"`
	Description string `json:"description" validate:"max=1000"`
}

// InviteResult is returned to the inviter. Token is the plaintext
// credential and is never stored.
type InviteResult struct {
	Invitation *Invitation `json:"invitation"`
	Token      string      `json:"token"`
	InviteLink string      `json:"inviteLink"`
}
