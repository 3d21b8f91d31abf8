package corpus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nzoschke/moodtunes/pkg/emotion"
)

// Postgres is the pgx-backed corpus.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a connection pool and verifies it with a ping.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL")

	return &Postgres{db: pool}, nil
}

// Migrate creates the tracks table and its dominant emotion index.
func (p *Postgres) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS tracks (
		seq BIGSERIAL,
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255),
		artist VARCHAR(255),
		style TEXT,
		language VARCHAR(64),
		bpm INT,
		instrument TEXT,
		lyrics TEXT,
		label VARCHAR(128),
		emotion_json TEXT,
		dominant_emotion VARCHAR(20),
		created_at TIMESTAMPTZ DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS tracks_dominant_emotion_idx ON tracks (dominant_emotion, seq);
	`
	if _, err := p.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// ByDominant implements Store.
func (p *Postgres) ByDominant(ctx context.Context, label emotion.Label) ([]Record, error) {
	query := `
		SELECT id, COALESCE(name, ''), COALESCE(artist, ''), emotion_json, dominant_emotion
		FROM tracks
		WHERE dominant_emotion = $1 AND emotion_json IS NOT NULL
		ORDER BY seq
	`

	rows, err := p.db.Query(ctx, query, string(label))
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.Name, &r.Artist, &r.EmotionJSON, &r.DominantEmotion)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracks: %w", err)
	}

	return records, nil
}

// UpsertTracks inserts tracks in one transaction, replacing rows with the same id.
func (p *Postgres) UpsertTracks(ctx context.Context, tracks []Track) (int, error) {
	query := `
		INSERT INTO tracks (
			id, name, artist, style, language, bpm, instrument, lyrics, label,
			emotion_json, dominant_emotion
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, artist = EXCLUDED.artist, style = EXCLUDED.style,
			language = EXCLUDED.language, bpm = EXCLUDED.bpm, instrument = EXCLUDED.instrument,
			lyrics = EXCLUDED.lyrics, label = EXCLUDED.label,
			emotion_json = EXCLUDED.emotion_json, dominant_emotion = EXCLUDED.dominant_emotion
	`

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, t := range tracks {
		batch.Queue(query,
			t.ID, t.Name, t.Artist, t.Style, t.Language, t.BPM, t.Instrument, t.Lyrics, t.Label,
			nullIfEmpty(t.EmotionJSON), nullIfEmpty(t.DominantEmotion),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("failed to upsert tracks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit tracks: %w", err)
	}

	return len(tracks), nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
