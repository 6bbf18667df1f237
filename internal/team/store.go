package team

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/innova-app/teamcollab/internal/user"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for teams, members and invitations.
// Every multi-row mutation runs in one transaction.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new team store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// validID reports whether id can reference a row; malformed ids are treated
// as absent rather than surfacing a cast error from Postgres.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts the team, its owner membership and the owner's side index
// entry.
func (s *Store) Create(ctx context.Context, name, description, ownerID string) (*Team, error) {
	var teamID string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO teams (name, description, owner_id)
			 VALUES ($1, $2, $3)
			 RETURNING id`,
			name, description, ownerID,
		).Scan(&teamID); err != nil {
			return fmt.Errorf("inserting team: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)`,
			teamID, ownerID, RoleOwner,
		); err != nil {
			return fmt.Errorf("inserting owner membership: %w", err)
		}

		return user.AddTeamIndex(ctx, tx, ownerID, teamID)
	})
	if err != nil {
		return nil, fmt.Errorf("creating team: %w", err)
	}
	return s.Get(ctx, teamID)
}

// Get loads a team with its members in join order and its invitations.
func (s *Store) Get(ctx context.Context, teamID string) (*Team, error) {
	if !validID(teamID) {
		return nil, ErrTeamNotFound
	}

	t := &Team{}
	err := s.pool.QueryRow(ctx,
		`SELECT t.id, t.name, t.description, t.created_at, u.id, u.name, u.email
		 FROM teams t JOIN users u ON u.id = t.owner_id
		 WHERE t.id = $1`, teamID,
	).Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt, &t.Owner.ID, &t.Owner.Name, &t.Owner.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTeamNotFound
		}
		return nil, fmt.Errorf("getting team: %w", err)
	}

	if t.Members, err = s.members(ctx, teamID); err != nil {
		return nil, err
	}
	if t.Invitations, err = s.invitations(ctx, teamID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) members(ctx context.Context, teamID string) ([]Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.name, u.email, m.role, m.joined_at
		 FROM team_members m JOIN users u ON u.id = m.user_id
		 WHERE m.team_id = $1
		 ORDER BY m.id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.User.ID, &m.User.Name, &m.User.Email, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) invitations(ctx context.Context, teamID string) ([]Invitation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, team_id, email, invited_by, token_hash, status, invited_at
		 FROM team_invitations
		 WHERE team_id = $1
		 ORDER BY invited_at, id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}
	defer rows.Close()

	invs := []Invitation{}
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.ID, &inv.TeamID, &inv.Email, &inv.InvitedBy, &inv.TokenHash, &inv.Status, &inv.InvitedAt); err != nil {
			return nil, fmt.Errorf("scanning invitation row: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// ListForUser returns every team userID belongs to, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Team, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id
		 FROM teams t JOIN team_members m ON m.team_id = t.id
		 WHERE m.user_id = $1
		 ORDER BY t.created_at DESC, t.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing teams for user: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning team ids: %w", err)
	}

	teams := make([]*Team, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrTeamNotFound) {
			continue // deleted between the two reads
		}
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, nil
}

// MemberRole returns userID's role in teamID, or "" when the user is not a
// member. ErrTeamNotFound is returned when the team does not exist.
func (s *Store) MemberRole(ctx context.Context, teamID, userID string) (Role, error) {
	if !validID(teamID) {
		return "", ErrTeamNotFound
	}

	var role Role
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM teams WHERE id = $1),
		        COALESCE((SELECT role FROM team_members WHERE team_id = $1 AND user_id::text = $2), '')`,
		teamID, userID,
	).Scan(&exists, &role)
	if err != nil {
		return "", fmt.Errorf("getting member role: %w", err)
	}
	if !exists {
		return "", ErrTeamNotFound
	}
	return role, nil
}

// CreateInvitation records a pending invitation. The team row is locked so
// the membership check and the insert see a consistent member list; the
// partial unique index on pending (team_id, email) rejects duplicates.
func (s *Store) CreateInvitation(ctx context.Context, teamID, email, invitedBy, tokenHash string) (*Invitation, error) {
	if !validID(teamID) {
		return nil, ErrTeamNotFound
	}

	inv := &Invitation{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx,
			`SELECT id FROM teams WHERE id = $1 FOR UPDATE`, teamID,
		).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTeamNotFound
			}
			return fmt.Errorf("locking team: %w", err)
		}

		var member bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM team_members m JOIN users u ON u.id = m.user_id
			   WHERE m.team_id = $1 AND u.email = $2)`,
			teamID, email,
		).Scan(&member); err != nil {
			return fmt.Errorf("checking membership: %w", err)
		}
		if member {
			return ErrAlreadyMember
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO team_invitations (team_id, email, invited_by, token_hash, status)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, team_id, email, invited_by, token_hash, status, invited_at`,
			teamID, email, invitedBy, tokenHash, InvitationPending,
		).Scan(&inv.ID, &inv.TeamID, &inv.Email, &inv.InvitedBy, &inv.TokenHash, &inv.Status, &inv.InvitedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyInvited
			}
			return fmt.Errorf("inserting invitation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// AcceptInvitation consumes the pending invitation identified by tokenHash
// on behalf of userID. The invitation row is locked for the duration, so
// concurrent accepts of one token serialize and the loser observes a
// non-pending invitation.
func (s *Store) AcceptInvitation(ctx context.Context, tokenHash, userID, email string) (string, error) {
	var teamID string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var invID, invEmail string
		err := tx.QueryRow(ctx,
			`SELECT id, team_id, email FROM team_invitations
			 WHERE token_hash = $1 AND status = $2
			 FOR UPDATE`,
			tokenHash, InvitationPending,
		).Scan(&invID, &teamID, &invEmail)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvitationNotFound
			}
			return fmt.Errorf("locking invitation: %w", err)
		}

		if !strings.EqualFold(invEmail, email) {
			return ErrEmailMismatch
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO team_members (team_id, user_id, role)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (team_id, user_id) DO NOTHING`,
			teamID, userID, RoleMember)
		if err != nil {
			return fmt.Errorf("inserting member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyMember
		}

		if _, err := tx.Exec(ctx,
			`UPDATE team_invitations SET status = $2 WHERE id = $1`,
			invID, InvitationAccepted,
		); err != nil {
			return fmt.Errorf("updating invitation status: %w", err)
		}

		return user.AddTeamIndex(ctx, tx, userID, teamID)
	})
	if err != nil {
		return "", err
	}
	return teamID, nil
}

// RemoveMember deletes a non-owner membership and the user's side index
// entry.
func (s *Store) RemoveMember(ctx context.Context, teamID, userID string) error {
	if !validID(teamID) || !validID(userID) {
		return ErrMemberNotFound
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM team_members
			 WHERE team_id = $1 AND user_id = $2 AND role <> $3`,
			teamID, userID, RoleOwner)
		if err != nil {
			return fmt.Errorf("deleting member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrMemberNotFound
		}
		return user.RemoveTeamIndex(ctx, tx, teamID, userID)
	})
}

// Delete removes the team (members, invitations, messages, files and
// activity cascade) and pulls it from every member's side index.
func (s *Store) Delete(ctx context.Context, teamID string) error {
	if !validID(teamID) {
		return ErrTeamNotFound
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT user_id::text FROM team_members WHERE team_id = $1`, teamID)
		if err != nil {
			return fmt.Errorf("listing members: %w", err)
		}
		memberIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scanning member ids: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM teams WHERE id = $1`, teamID)
		if err != nil {
			return fmt.Errorf("deleting team: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTeamNotFound
		}

		return user.RemoveTeamIndex(ctx, tx, teamID, memberIDs...)
	})
}
