package activity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/innova-app/teamcollab/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// DBTX is the subset of *pgxpool.Pool used by Store.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store provides database operations for the team activity log.
type Store struct {
	db DBTX
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// batchInsertSQL inserts one row per array element, skipping rows whose team
// no longer exists so that a deleted team cannot fail the whole batch.
const batchInsertSQL = `INSERT INTO team_activity (team_id, user_id, kind, detail, occurred_at)
	SELECT e.team_id::uuid, e.user_id::uuid, e.kind, e.detail::jsonb, e.occurred_at
	FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::timestamptz[])
		AS e(team_id, user_id, kind, detail, occurred_at)
	WHERE EXISTS (SELECT 1 FROM teams t WHERE t.id = e.team_id::uuid)`

// BatchInsert writes events in a single statement. Events of teams that
// have been deleted are dropped. It is a no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	teamIDs := make([]string, len(events))
	userIDs := make([]string, len(events))
	kinds := make([]string, len(events))
	details := make([]string, len(events))
	times := make([]time.Time, len(events))

	for i, e := range events {
		detail := e.Detail
		if detail == nil {
			detail = map[string]any{}
		}
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshaling activity detail: %w", err)
		}
		teamIDs[i], userIDs[i], kinds[i] = e.TeamID, e.UserID, string(e.Kind)
		details[i], times[i] = string(detailJSON), e.OccurredAt
	}

	tag, err := s.db.Exec(ctx, batchInsertSQL, teamIDs, userIDs, kinds, details, times)
	if isForeignKeyViolation(err) {
		// A team was deleted between the existence check and the insert.
		tag, err = s.db.Exec(ctx, batchInsertSQL, teamIDs, userIDs, kinds, details, times)
	}
	if err != nil {
		return fmt.Errorf("batch inserting activity: %w", err)
	}
	if dropped := int64(len(events)) - tag.RowsAffected(); dropped > 0 {
		slog.Debug("dropped activity of deleted teams", "count", dropped)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// List returns one page of a team's activity, newest first, and the cursor
// of the next page ("" when exhausted).
func (s *Store) List(ctx context.Context, p ListParams) ([]*Event, string, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT id, team_id, user_id, kind, detail, occurred_at
		FROM team_activity WHERE team_id = $1`
	args := []any{p.TeamID}

	if p.Cursor != "" {
		ts, id, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.KindValidation, "invalid cursor", err)
		}
		query += ` AND (occurred_at, id) < ($2, $3)`
		args = append(args, ts, id)
	}

	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var kind string
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.TeamID, &e.UserID, &kind, &detailJSON, &e.OccurredAt); err != nil {
			return nil, "", fmt.Errorf("scanning activity row: %w", err)
		}
		e.Kind = Kind(kind)
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, "", fmt.Errorf("unmarshaling activity detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating activity rows: %w", err)
	}

	var nextCursor string
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		nextCursor = encodeCursor(last.OccurredAt, last.ID)
	}
	return events, nextCursor, nil
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id int64) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + strconv.FormatInt(id, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, 0, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parsing cursor id: %w", err)
	}
	return ts, id, nil
}
