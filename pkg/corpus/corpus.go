// Package corpus reads and writes the song table that recommendations are drawn from.
package corpus

import (
	"context"
	"fmt"
	"strings"

	"github.com/nzoschke/moodtunes/pkg/emotion"
)

// Song is the public view of a track.
type Song struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Artist string `json:"artist"`
}

// Record is a Song plus its stored emotion blob. The blob is kept raw so that
// callers decide what to do with rows that do not parse.
type Record struct {
	Song
	EmotionJSON     string
	DominantEmotion string
}

// Track is a full corpus row as produced by the offline jobs.
type Track struct {
	ID              string
	Name            string
	Artist          string
	Style           string
	Language        string
	BPM             int
	Instrument      string
	Lyrics          string
	Label           string
	EmotionJSON     string
	DominantEmotion string
}

// Store is the read side used by the ranker.
type Store interface {
	// ByDominant returns every record whose dominant emotion is label and whose
	// emotion blob is present, in insertion order.
	ByDominant(ctx context.Context, label emotion.Label) ([]Record, error)
}

// Writer is the write side used by ingestion.
type Writer interface {
	UpsertTracks(ctx context.Context, tracks []Track) (int, error)
}

// DB is a Store and Writer with a schema and a connection to release.
type DB interface {
	Store
	Writer
	Migrate(ctx context.Context) error
	Close() error
}

// Drivers understood by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the store selected by driver. The schema is not migrated.
func Open(ctx context.Context, driver, dsn string) (DB, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres:
		p, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverSQLite, "sqlite3":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
