package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx, so side
// index updates can join a caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides database operations for users.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new user store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, email, password_hash, name, teams, created_at`

// scanUser scans a user row, handling the JSONB teams column.
func scanUser(scan func(dest ...any) error) (*User, error) {
	u := &User{}
	var teamsJSON []byte
	err := scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &teamsJSON, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(teamsJSON) > 0 {
		if err := json.Unmarshal(teamsJSON, &u.Teams); err != nil {
			return nil, fmt.Errorf("unmarshaling teams: %w", err)
		}
	}
	if u.Teams == nil {
		u.Teams = []string{}
	}
	return u, nil
}

// Create inserts a new user with a bcrypt-hashed password. The email is
// stored lower-cased.
func (s *Store) Create(ctx context.Context, in CreateUserInput) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO users (email, password_hash, name)
			 VALUES ($1, $2, $3)
			 RETURNING `+userColumns,
			NormalizeEmail(in.Email), string(hash), strings.TrimSpace(in.Name),
		).Scan(dest...)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
		).Scan(dest...)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting user by id: %w", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email address, case-insensitively.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email),
		).Scan(dest...)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}

// AddTeamIndex appends teamID to the user's team list if absent.
func AddTeamIndex(ctx context.Context, db DBTX, userID, teamID string) error {
	_, err := db.Exec(ctx,
		`UPDATE users SET teams = teams || to_jsonb($2::text)
		 WHERE id = $1 AND NOT (teams ? $2::text)`,
		userID, teamID)
	if err != nil {
		return fmt.Errorf("adding team to user index: %w", err)
	}
	return nil
}

// RemoveTeamIndex drops teamID from the team list of every given user.
func RemoveTeamIndex(ctx context.Context, db DBTX, teamID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := db.Exec(ctx,
		`UPDATE users SET teams = teams - $1::text WHERE id = ANY($2::uuid[])`,
		teamID, userIDs)
	if err != nil {
		return fmt.Errorf("removing team from user index: %w", err)
	}
	return nil
}

// CheckPassword verifies a plaintext password against the user's stored hash.
func CheckPassword(u *User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// NormalizeEmail trims and lower-cases an address for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
