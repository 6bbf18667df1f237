package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/innova-app/teamcollab/internal/activity"
	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/team"
)

// TeamService is the team membership surface used by the team handlers.
type TeamService interface {
	CreateTeam(ctx context.Context, ownerID string, in team.CreateTeamInput) (*team.Team, error)
	GetTeam(ctx context.Context, teamID, requesterID string) (*team.Team, error)
	ListTeamsForUser(ctx context.Context, userID string) ([]*team.Team, error)
	RequireMember(ctx context.Context, teamID, userID string) error
	InviteMember(ctx context.Context, teamID, requesterID, email string) (*team.InviteResult, error)
	AcceptInvite(ctx context.Context, token, requesterID string) (*team.Team, error)
	RemoveMember(ctx context.Context, teamID, requesterID, targetID string) error
	DeleteTeam(ctx context.Context, teamID, requesterID string) error
}

// ActivityLister pages through a team's activity log.
type ActivityLister interface {
	List(ctx context.Context, p activity.ListParams) ([]*activity.Event, string, error)
}

// teamsHandler groups team-related HTTP handlers.
type teamsHandler struct {
	teams    TeamService
	activity ActivityLister
}

func newTeamsHandler(teams TeamService, activity ActivityLister) *teamsHandler {
	return &teamsHandler{teams: teams, activity: activity}
}

type createTeamRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=1000"`
}

type inviteRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// CreateTeam handles POST /teams.
func (h *teamsHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	var req createTeamRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	t, err := h.teams.CreateTeam(r.Context(), u.ID, team.CreateTeamInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "create", "team", t.ID, "name", t.Name)
	writeJSON(w, http.StatusCreated, t)
}

// ListTeams handles GET /teams and returns the caller's teams.
func (h *teamsHandler) ListTeams(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	teams, err := h.teams.ListTeamsForUser(r.Context(), u.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if teams == nil {
		teams = []*team.Team{}
	}
	writeJSON(w, http.StatusOK, teams)
}

// GetTeam handles GET /teams/{teamId}.
func (h *teamsHandler) GetTeam(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	t, err := h.teams.GetTeam(r.Context(), chi.URLParam(r, "teamId"), u.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Invite handles POST /teams/{teamId}/invite.
func (h *teamsHandler) Invite(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	teamID := chi.URLParam(r, "teamId")

	var req inviteRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}

	res, err := h.teams.InviteMember(r.Context(), teamID, u.ID, req.Email)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "invite", "team", teamID, "email", res.Invitation.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Invitation sent successfully",
		"token":      res.Token,
		"inviteLink": res.InviteLink,
		"invitation": res.Invitation,
	})
}

// AcceptInvite handles POST /teams/accept-invite/{token}.
func (h *teamsHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	t, err := h.teams.AcceptInvite(r.Context(), chi.URLParam(r, "token"), u.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "accept_invite", "team", t.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Successfully joined team",
		"team":    t,
	})
}

// RemoveMember handles DELETE /teams/{teamId}/members/{userId}.
func (h *teamsHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	teamID := chi.URLParam(r, "teamId")
	targetID := chi.URLParam(r, "userId")

	if err := h.teams.RemoveMember(r.Context(), teamID, u.ID, targetID); err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "remove_member", "team", teamID, "member_id", targetID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Member removed successfully"})
}

// DeleteTeam handles DELETE /teams/{teamId}.
func (h *teamsHandler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	teamID := chi.URLParam(r, "teamId")

	if err := h.teams.DeleteTeam(r.Context(), teamID, u.ID); err != nil {
		writeAppError(w, r, err)
		return
	}

	auditLog(r, "delete", "team", teamID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Team deleted successfully"})
}

// ListActivity handles GET /teams/{teamId}/activity.
func (h *teamsHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	teamID := chi.URLParam(r, "teamId")

	if err := h.teams.RequireMember(r.Context(), teamID, u.ID); err != nil {
		writeAppError(w, r, err)
		return
	}

	limit, err := intParam(r, "limit")
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	events, next, err := h.activity.List(r.Context(), activity.ListParams{
		TeamID: teamID,
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if events == nil {
		events = []*activity.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"nextCursor": next,
	})
}

// intParam parses an optional non-negative integer query parameter.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation(name + " must be a non-negative integer")
	}
	return n, nil
}
