package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateWriter(ctx context.Context, writer Writer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO writers (id, pen_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, writer.ID, writer.PenName, writer.Email, writer.PasswordHash, writer.IsEmailVerified, writer.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert writer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWriterByEmail(ctx context.Context, email string) (Writer, error) {
	var writer Writer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pen_name, email, password_hash, is_email_verified, created_at
		FROM writers WHERE email = $1
	`, email).Scan(&writer.ID, &writer.PenName, &writer.Email, &writer.PasswordHash, &writer.IsEmailVerified, &writer.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Writer{}, err
	}
	if err != nil {
		return Writer{}, fmt.Errorf("lookup writer by email: %w", err)
	}
	return writer, nil
}

func (s *PostgresStore) GetWriterByID(ctx context.Context, id string) (Writer, error) {
	var writer Writer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pen_name, email, password_hash, is_email_verified, created_at
		FROM writers WHERE id = $1
	`, id).Scan(&writer.ID, &writer.PenName, &writer.Email, &writer.PasswordHash, &writer.IsEmailVerified, &writer.CreatedAt)
	if err != nil {
		return Writer{}, err
	}
	return writer, nil
}

func (s *PostgresStore) UpdateWriterVerificationToken(ctx context.Context, writerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE writers SET verification_token=$2, verification_expires_at=$3 WHERE id=$1
	`, writerID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyWriterEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE writers
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateWriterPassword(ctx context.Context, writerID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE writers SET password_hash=$2 WHERE id=$1`, writerID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, writerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, writer_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, token, writerID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var writerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT writer_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&writerID)
	if err != nil {
		return "", err
	}
	return writerID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPublishedStory(ctx context.Context, ps PublishedStory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO published_stories (id, title, genre, description, structure, payload, writer_id, writer_name, word_count, published_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ps.ID, ps.Title, ps.Genre, ps.Description, ps.Structure, ps.Payload, ps.WriterID, ps.WriterName, ps.WordCount, ps.PublishedAt, ps.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert published story: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePublishedStory(ctx context.Context, ps PublishedStory) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE published_stories
		SET title=$2, genre=$3, description=$4, structure=$5, payload=$6, word_count=$7, updated_at=$8
		WHERE id=$1
	`, ps.ID, ps.Title, ps.Genre, ps.Description, ps.Structure, ps.Payload, ps.WordCount, ps.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update published story: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update published story rows: %w", err)
	}
	return affected > 0, nil
}

// FindPublishedByTitle matches the catalog by exact title. The compare
// is case sensitive on purpose: two stories differing only in case are
// distinct catalog entries.
func (s *PostgresStore) FindPublishedByTitle(ctx context.Context, title string) (PublishedStory, error) {
	var ps PublishedStory
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, genre, description, structure, payload, writer_id, writer_name, word_count, published_at, updated_at
		FROM published_stories WHERE title = $1
		ORDER BY published_at ASC
		LIMIT 1
	`, title).Scan(&ps.ID, &ps.Title, &ps.Genre, &ps.Description, &ps.Structure, &ps.Payload, &ps.WriterID, &ps.WriterName, &ps.WordCount, &ps.PublishedAt, &ps.UpdatedAt)
	if err != nil {
		return PublishedStory{}, err
	}
	return ps, nil
}

func (s *PostgresStore) GetPublishedStory(ctx context.Context, id string) (PublishedStory, error) {
	var ps PublishedStory
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, genre, description, structure, payload, writer_id, writer_name, word_count, published_at, updated_at
		FROM published_stories WHERE id = $1
	`, id).Scan(&ps.ID, &ps.Title, &ps.Genre, &ps.Description, &ps.Structure, &ps.Payload, &ps.WriterID, &ps.WriterName, &ps.WordCount, &ps.PublishedAt, &ps.UpdatedAt)
	if err != nil {
		return PublishedStory{}, err
	}
	return ps, nil
}

func (s *PostgresStore) DeletePublishedStory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM published_stories WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete published story: %w", err)
	}
	return nil
}

// ListPublishedStories returns the discovery feed, newest publish first.
// The payload column is omitted; feed entries are metadata only.
func (s *PostgresStore) ListPublishedStories(ctx context.Context, limit, offset int) ([]PublishedStory, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, genre, description, structure, writer_id, writer_name, word_count, published_at, updated_at
		FROM published_stories
		ORDER BY published_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list published stories: %w", err)
	}
	defer rows.Close()

	items := make([]PublishedStory, 0)
	for rows.Next() {
		var ps PublishedStory
		if err := rows.Scan(&ps.ID, &ps.Title, &ps.Genre, &ps.Description, &ps.Structure, &ps.WriterID, &ps.WriterName, &ps.WordCount, &ps.PublishedAt, &ps.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan published story: %w", err)
		}
		items = append(items, ps)
	}
	return items, rows.Err()
}
