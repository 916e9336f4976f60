package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"clipenrich/internal/models"
)

// PostgresConfig holds connection details for PostgreSQL.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	// Dimension is the pipeline-wide embedding vector width; the schema's
	// vector columns are created with it.
	Dimension int
}

func (c PostgresConfig) connString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// PostgresStore keeps clip records in PostgreSQL with pgvector columns for
// the five embedding slots.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and verifies the database.
func NewPostgresStore(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, config.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// slotColumn maps an embedding slot to its fixed column name. The returned
// string is a known identifier, never user input.
func slotColumn(slot models.Slot) (string, error) {
	switch slot {
	case models.SlotSummary:
		return "summary_embedding", nil
	case models.SlotKeywords:
		return "keyword_embedding", nil
	case models.SlotThumbnail1:
		return "thumbnail_1_embedding", nil
	case models.SlotThumbnail2:
		return "thumbnail_2_embedding", nil
	case models.SlotThumbnail3:
		return "thumbnail_3_embedding", nil
	}
	return "", fmt.Errorf("unknown embedding slot %d", int(slot))
}

// CreateClip inserts the clip row; re-ingesting an existing id is a no-op.
func (s *PostgresStore) CreateClip(ctx context.Context, clip models.Clip) error {
	createdAt := clip.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clips (id, name, file_path, duration_seconds, ingest_keywords, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		clip.ID, clip.Name, clip.FilePath, clip.Duration.Seconds(), clip.Keywords, createdAt)
	if err != nil {
		return fmt.Errorf("failed to create clip entry: %w", err)
	}
	return nil
}

// SaveAnalysis stores the analyze artifacts including the serialized
// ranked selection.
func (s *PostgresStore) SaveAnalysis(ctx context.Context, id, summary, keywords string, selection []models.ThumbnailSelection) error {
	if err := models.ValidateSelection(selection); err != nil {
		return err
	}
	selJSON, err := json.Marshal(selection)
	if err != nil {
		return fmt.Errorf("failed to serialize selection: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE clips
		 SET summary = $2, ai_keywords = $3, ai_selected_thumbnails_json = $4, updated_at = now()
		 WHERE id = $1`,
		id, summary, keywords, string(selJSON))
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEmbedding fills one slot. Empty vectors are rejected so a slot can
// never be cleared through this path.
func (s *PostgresStore) SaveEmbedding(ctx context.Context, id string, slot models.Slot, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("refusing to store empty vector for slot %s", slot)
	}
	col, err := slotColumn(slot)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE clips SET %s = $2, updated_at = now() WHERE id = $1`, col),
		id, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("failed to store %s embedding: %w", slot, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const clipColumns = `id, name, file_path, duration_seconds, ingest_keywords, created_at,
	summary, ai_keywords, ai_selected_thumbnails_json,
	summary_embedding, keyword_embedding,
	thumbnail_1_embedding, thumbnail_2_embedding, thumbnail_3_embedding`

// GetClip loads one record by id.
func (s *PostgresStore) GetClip(ctx context.Context, id string) (*ClipRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE id = $1`, id)
	rec, err := scanClip(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load clip %s: %w", id, err)
	}
	return rec, nil
}

// ListClips pages records in ingest order for completeness auditing.
func (s *PostgresStore) ListClips(ctx context.Context, limit, offset int) ([]ClipRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+clipColumns+` FROM clips ORDER BY created_at, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list clips: %w", err)
	}
	defer rows.Close()

	var records []ClipRecord
	for rows.Next() {
		rec, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clip row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanClip(row pgx.Row) (*ClipRecord, error) {
	var (
		rec       ClipRecord
		duration  float64
		summary   *string
		keywords  *string
		selJSON   *string
		vectors   [models.NumSlots]*pgvector.Vector
	)
	err := row.Scan(
		&rec.Clip.ID, &rec.Clip.Name, &rec.Clip.FilePath, &duration,
		&rec.Clip.Keywords, &rec.Clip.CreatedAt,
		&summary, &keywords, &selJSON,
		&vectors[models.SlotSummary], &vectors[models.SlotKeywords],
		&vectors[models.SlotThumbnail1], &vectors[models.SlotThumbnail2], &vectors[models.SlotThumbnail3],
	)
	if err != nil {
		return nil, err
	}

	rec.Clip.Duration = time.Duration(duration * float64(time.Second))
	if summary != nil {
		rec.Summary = *summary
	}
	if keywords != nil {
		rec.Keywords = *keywords
	}
	if selJSON != nil && *selJSON != "" {
		if err := json.Unmarshal([]byte(*selJSON), &rec.Selection); err != nil {
			return nil, fmt.Errorf("corrupt selection json for clip %s: %w", rec.Clip.ID, err)
		}
	}
	for slot, v := range vectors {
		if v != nil {
			if err := rec.Embeddings.Set(models.Slot(slot), v.Slice()); err != nil {
				return nil, err
			}
		}
	}
	return &rec, nil
}

// InitSchema creates the pgvector extension, the clips table and its
// indexes if missing.
func InitSchema(ctx context.Context, config PostgresConfig) error {
	conn, err := pgx.Connect(ctx, config.connString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	dim := config.Dimension
	if dim <= 0 {
		dim = 768
	}
	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS clips (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            file_path TEXT NOT NULL,
            duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
            ingest_keywords TEXT NOT NULL DEFAULT '',
            summary TEXT,
            ai_keywords TEXT,
            ai_selected_thumbnails_json TEXT,
            summary_embedding vector(%[1]d),
            keyword_embedding vector(%[1]d),
            thumbnail_1_embedding vector(%[1]d),
            thumbnail_2_embedding vector(%[1]d),
            thumbnail_3_embedding vector(%[1]d),
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ
        );
    `, dim))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_clips_created_at ON clips(created_at);
        CREATE INDEX IF NOT EXISTS idx_clips_summary_embedding ON clips
            USING ivfflat (summary_embedding vector_l2_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}
