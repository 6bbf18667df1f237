package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/innova-app/teamcollab/internal/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists messages. Content is sealed with the team id as scope when
// a cipher is configured.
type Store struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
}

// NewStore creates a message store. cipher may be nil.
func NewStore(pool *pgxpool.Pool, cipher *crypto.Cipher) *Store {
	return &Store{pool: pool, cipher: cipher}
}

// Insert appends a message to the team's conversation. Incrementing the
// team's message_seq row-locks the team, so concurrent inserts for one team
// serialize; created_at is forced past the previous message's timestamp.
func (s *Store) Insert(ctx context.Context, teamID, senderID string, in SendInput) (*Message, error) {
	if _, err := uuid.Parse(teamID); err != nil {
		return nil, ErrTeamNotFound
	}

	content, err := s.cipher.Seal(teamID, in.Content)
	if err != nil {
		return nil, fmt.Errorf("sealing message content: %w", err)
	}

	m := &Message{
		TeamID:   teamID,
		Content:  in.Content,
		Type:     in.Type,
		FileURL:  in.FileURL,
		FileName: in.FileName,
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`UPDATE teams SET message_seq = message_seq + 1
			 WHERE id = $1
			 RETURNING message_seq`, teamID,
		).Scan(&m.Seq); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTeamNotFound
			}
			return fmt.Errorf("advancing message sequence: %w", err)
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (team_id, seq, sender_id, content, type, file_url, file_name, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, GREATEST(
			   clock_timestamp(),
			   COALESCE((SELECT created_at FROM messages WHERE team_id = $1 ORDER BY seq DESC LIMIT 1)
			            + interval '1 microsecond', clock_timestamp())))
			 RETURNING id, created_at`,
			teamID, m.Seq, senderID, content, m.Type, m.FileURL, m.FileName,
		).Scan(&m.ID, &m.CreatedAt); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		if err := tx.QueryRow(ctx,
			`SELECT id, name, email FROM users WHERE id = $1`, senderID,
		).Scan(&m.Sender.ID, &m.Sender.Name, &m.Sender.Email); err != nil {
			return fmt.Errorf("loading sender: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// History returns a team's messages in creation order.
func (s *Store) History(ctx context.Context, teamID string, p HistoryParams) ([]*Message, error) {
	if _, err := uuid.Parse(teamID); err != nil {
		return nil, ErrTeamNotFound
	}

	query := `SELECT m.id, m.team_id, m.seq, m.content, m.type, m.file_url, m.file_name, m.created_at,
	                 u.id, u.name, u.email
	          FROM messages m JOIN users u ON u.id = m.sender_id
	          WHERE m.team_id = $1 AND m.seq > $2
	          ORDER BY m.created_at, m.seq`
	if p.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, p.Limit)
	}

	rows, err := s.pool.Query(ctx, query, teamID, p.After)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TeamID, &m.Seq, &m.Content, &m.Type, &m.FileURL, &m.FileName, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.Name, &m.Sender.Email); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if m.Content, err = s.cipher.Open(teamID, m.Content); err != nil {
			return nil, fmt.Errorf("opening message %s: %w", m.ID, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
