package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// PostgresStore reads and normalises the "Notes" table owned by the notes
// application.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ListNotes returns every note, most recently imported first.
func (s *PostgresStore) ListNotes(ctx context.Context) ([]models.Note, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT "Id", "Slug", "Title", "Content", "Description", "VaultName", "SourceUrl", "Tags"
		 FROM "Notes" ORDER BY "DateImported" DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []models.Note
	for rows.Next() {
		var n models.Note
		if err := rows.Scan(&n.ID, &n.Slug, &n.Title, &n.Content, &n.Description,
			&n.VaultName, &n.SourceURL, &n.Tags); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// UpdateNotes writes all updates in one transaction. Either every note is
// updated or none is. An update naming an unknown note returns ErrNotFound.
func (s *PostgresStore) UpdateNotes(ctx context.Context, updates []models.NoteUpdate) error {
	batch := &pgx.Batch{}
	for _, u := range updates {
		if u.Empty() {
			continue
		}
		query, args := noteUpdateQuery(u)
		batch.Queue(query, args...)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin note update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return fmt.Errorf("update note: %w", err)
		}
		if tag.RowsAffected() == 0 {
			_ = br.Close()
			return fmt.Errorf("update note: %w", ErrNotFound)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("update notes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit note update: %w", err)
	}
	return nil
}

// noteUpdateQuery builds an UPDATE touching only the columns set in u.
func noteUpdateQuery(u models.NoteUpdate) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(`"%s" = $%d`, col, len(args)))
	}
	if u.Content != nil {
		add("Content", *u.Content)
	}
	if u.Description != nil {
		add("Description", *u.Description)
	}
	if u.Tags != nil {
		add("Tags", u.Tags)
	}
	if u.SourceURL != nil {
		add("SourceUrl", *u.SourceURL)
	}
	args = append(args, u.ID)
	return fmt.Sprintf(`UPDATE "Notes" SET %s WHERE "Id" = $%d`, strings.Join(sets, ", "), len(args)), args
}
