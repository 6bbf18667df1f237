package file

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for file metadata.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new file metadata store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const selectColumns = `f.id, f.team_id, f.original_name, f.stored_path, f.mime_type, f.file_type,
	f.file_size, f.uploaded_at, u.id, u.name, u.email`

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	err := row.Scan(&r.ID, &r.TeamID, &r.OriginalName, &r.StoredPath, &r.MimeType, &r.FileType,
		&r.FileSize, &r.UploadedAt, &r.UploadedBy.ID, &r.UploadedBy.Name, &r.UploadedBy.Email)
	return r, err
}

// Insert stores rec's metadata and fills in its id, upload time and
// uploader display fields.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	err := s.pool.QueryRow(ctx,
		`WITH f AS (
		   INSERT INTO files (team_id, original_name, stored_path, mime_type, file_type, file_size, uploaded_by)
		   VALUES ($1, $2, $3, $4, $5, $6, $7)
		   RETURNING id, uploaded_at, uploaded_by
		 )
		 SELECT f.id, f.uploaded_at, u.name, u.email
		 FROM f JOIN users u ON u.id = f.uploaded_by`,
		rec.TeamID, rec.OriginalName, rec.StoredPath, rec.MimeType, rec.FileType, rec.FileSize, rec.UploadedBy.ID,
	).Scan(&rec.ID, &rec.UploadedAt, &rec.UploadedBy.Name, &rec.UploadedBy.Email)
	if err != nil {
		return fmt.Errorf("inserting file record: %w", err)
	}
	return nil
}

// List returns a team's files, newest first.
func (s *Store) List(ctx context.Context, teamID string) ([]*Record, error) {
	if _, err := uuid.Parse(teamID); err != nil {
		return nil, ErrTeamNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+`
		 FROM files f JOIN users u ON u.id = f.uploaded_by
		 WHERE f.team_id = $1
		 ORDER BY f.uploaded_at DESC, f.id DESC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return records, nil
}

// Get returns one file of a team.
func (s *Store) Get(ctx context.Context, teamID, fileID string) (*Record, error) {
	if _, err := uuid.Parse(teamID); err != nil {
		return nil, ErrFileNotFound
	}
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, ErrFileNotFound
	}

	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+`
		 FROM files f JOIN users u ON u.id = f.uploaded_by
		 WHERE f.team_id = $1 AND f.id = $2`, teamID, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("getting file: %w", err)
	}
	return r, nil
}
