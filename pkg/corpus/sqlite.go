package corpus

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import the driver anonymously

	"github.com/nzoschke/moodtunes/pkg/emotion"
)

// SQLite is the corpus used for local development and tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at storagePath. ":memory:" gives a private
// in-memory database.
func NewSQLite(storagePath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// every connection to :memory: is a different database
	if storagePath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Migrate creates the tracks table and its dominant emotion index.
func (s *SQLite) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		name TEXT,
		artist TEXT,
		style TEXT,
		language TEXT,
		bpm INTEGER,
		instrument TEXT,
		lyrics TEXT,
		label TEXT,
		emotion_json TEXT,
		dominant_emotion TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS tracks_dominant_emotion_idx ON tracks (dominant_emotion);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// ByDominant implements Store.
func (s *SQLite) ByDominant(ctx context.Context, label emotion.Label) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, IFNULL(name, ''), IFNULL(artist, ''), emotion_json, dominant_emotion
		FROM tracks
		WHERE dominant_emotion = ? AND emotion_json IS NOT NULL
		ORDER BY rowid
	`, string(label))
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Name, &r.Artist, &r.EmotionJSON, &r.DominantEmotion); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracks: %w", err)
	}

	return records, nil
}

// UpsertTracks inserts tracks in one transaction, replacing rows with the same id.
// Replaced rows keep their original position.
func (s *SQLite) UpsertTracks(ctx context.Context, tracks []Track) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracks (
			id, name, artist, style, language, bpm, instrument, lyrics, label,
			emotion_json, dominant_emotion
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, artist = excluded.artist, style = excluded.style,
			language = excluded.language, bpm = excluded.bpm, instrument = excluded.instrument,
			lyrics = excluded.lyrics, label = excluded.label,
			emotion_json = excluded.emotion_json, dominant_emotion = excluded.dominant_emotion
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tracks {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.Name, t.Artist, t.Style, t.Language, t.BPM, t.Instrument, t.Lyrics, t.Label,
			nullIfEmpty(t.EmotionJSON), nullIfEmpty(t.DominantEmotion),
		); err != nil {
			return 0, fmt.Errorf("failed to upsert track %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit tracks: %w", err)
	}

	return len(tracks), nil
}

// Close ensures the DB connection is closed gracefully
func (s *SQLite) Close() error {
	return s.db.Close()
}
