package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/Shahir-47/grab-pic/internal/config"
	"github.com/Shahir-47/grab-pic/internal/models"
)

// PostgresStore wraps a small bounded connection pool. Every operation
// acquires a handle for a single query or transaction and releases it
// on all paths; no handle is ever held across an inference call.
type PostgresStore struct {
	pool   *pgxpool.Pool
	embDim int
}

func NewPostgresStore(cfg config.DatabaseConfig, embeddingDim int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, embDim: embeddingDim}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureVectorIndex creates the HNSW similarity index idempotently.
// Failure is non-fatal for the caller: searches still work, only slower.
func (s *PostgresStore) EnsureVectorIndex(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_photo_embeddings_hnsw
		ON photo_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)`)
	if err != nil {
		return fmt.Errorf("create hnsw index: %w", err)
	}
	return nil
}

// GetPhoto returns the photo or nil when it no longer exists.
func (s *PostgresStore) GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error) {
	p := &models.Photo{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, album_id, storage_url, processed, created_at FROM photos WHERE id = $1`, id,
	).Scan(&p.ID, &p.AlbumID, &p.StorageURL, &p.Processed, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return p, nil
}

// ListUnprocessedPhotos returns photos the worker has not finished yet,
// oldest first. Used by the requeue tool to redrive stuck photos.
func (s *PostgresStore) ListUnprocessedPhotos(ctx context.Context, limit int) ([]models.Photo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, album_id, storage_url, processed, created_at
		 FROM photos WHERE processed = false
		 ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed photos: %w", err)
	}
	defer rows.Close()

	var photos []models.Photo
	for rows.Next() {
		var p models.Photo
		if err := rows.Scan(&p.ID, &p.AlbumID, &p.StorageURL, &p.Processed, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

// MarkProcessed flips the processed flag without touching embeddings.
// Used for permanent skips so a poisoned photo is not retried forever.
func (s *PostgresStore) MarkProcessed(ctx context.Context, photoID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE photos SET processed = true WHERE id = $1`, photoID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// CommitPhotoEmbeddings stores the photo's embeddings and marks it
// processed in one transaction. Existing rows for the photo are
// replaced so a redelivered queue message reconverges instead of
// accumulating duplicates. A failure rolls back every insert.
func (s *PostgresStore) CommitPhotoEmbeddings(ctx context.Context, photoID uuid.UUID, embeddings []models.PhotoEmbedding) error {
	for _, e := range embeddings {
		if len(e.Embedding) != s.embDim {
			return fmt.Errorf("embedding dimension %d does not match schema dimension %d", len(e.Embedding), s.embDim)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM photo_embeddings WHERE photo_id = $1`, photoID); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}

	for _, e := range embeddings {
		boxJSON, err := json.Marshal(e.BoxArea)
		if err != nil {
			return fmt.Errorf("marshal box area: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO photo_embeddings (id, photo_id, embedding, box_area) VALUES ($1, $2, $3, $4)`,
			uuid.New(), photoID, pgvector.NewVector(e.Embedding), boxJSON); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE photos SET processed = true WHERE id = $1`, photoID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit embeddings: %w", err)
	}
	return nil
}

// PhotoMatch is one album photo ranked by its minimum cosine distance
// to a query embedding.
type PhotoMatch struct {
	PhotoID  uuid.UUID
	Distance float64
}

// SearchAlbum returns, for every photo in the album whose closest
// stored face is within threshold of the query embedding, the photo id
// and that minimum distance, ascending, capped at limit.
func (s *PostgresStore) SearchAlbum(ctx context.Context, albumID uuid.UUID, embedding []float32, threshold float64, limit int) ([]PhotoMatch, error) {
	if len(embedding) != s.embDim {
		return nil, fmt.Errorf("query embedding dimension %d does not match schema dimension %d", len(embedding), s.embDim)
	}
	if limit <= 0 {
		limit = 50
	}

	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx, `
		SELECT pe.photo_id, MIN(pe.embedding <=> $1) AS distance
		FROM photo_embeddings pe
		JOIN photos p ON p.id = pe.photo_id
		WHERE p.album_id = $2
		GROUP BY pe.photo_id
		HAVING MIN(pe.embedding <=> $1) <= $3
		ORDER BY distance ASC
		LIMIT $4`,
		vec, albumID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search album: %w", err)
	}
	defer rows.Close()

	var matches []PhotoMatch
	for rows.Next() {
		var m PhotoMatch
		if err := rows.Scan(&m.PhotoID, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
