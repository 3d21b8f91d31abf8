// Package recommend ranks stored songs against an image's emotion result.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nzoschke/moodtunes/pkg/corpus"
	"github.com/nzoschke/moodtunes/pkg/emotion"
	"github.com/nzoschke/moodtunes/pkg/fn"
)

// ErrInvalidK is returned when fewer than one result is requested.
var ErrInvalidK = errors.New("top k must be positive")

// CandidateRecorder counts candidates seen and skipped per ranking pass.
type CandidateRecorder interface {
	RecordCandidates(total, skipped int)
}

type scored struct {
	song  corpus.Song
	score float64
}

// Ranker scores the songs that share an emotion result's dominant label.
type Ranker struct {
	store   corpus.Store
	log     *slog.Logger
	metrics CandidateRecorder
}

// RankerOption configures a Ranker.
type RankerOption func(*Ranker)

// WithRankerLogger sets the logger for skipped candidates.
func WithRankerLogger(l *slog.Logger) RankerOption {
	return func(r *Ranker) { r.log = l }
}

// WithCandidateRecorder records candidate counts.
func WithCandidateRecorder(m CandidateRecorder) RankerOption {
	return func(r *Ranker) { r.metrics = m }
}

// NewRanker returns a Ranker over store.
func NewRanker(store corpus.Store, opts ...RankerOption) *Ranker {
	r := &Ranker{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank returns up to k songs from res's dominant bucket, most similar first.
// Songs with equal similarity keep store order. Rows whose stored vector does
// not parse are skipped.
func (r *Ranker) Rank(ctx context.Context, res emotion.Result, k int) ([]corpus.Song, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}

	records, err := r.store.ByDominant(ctx, res.Dominant)
	if err != nil {
		return nil, fmt.Errorf("load candidates for %s: %w", res.Dominant, err)
	}

	results := make([]fn.Result[scored], len(records))
	for i, rec := range records {
		results[i] = r.score(ctx, res.Scores, rec)
	}
	candidates, errs := fn.Partition(results)

	if r.metrics != nil {
		r.metrics.RecordCandidates(len(records), len(errs))
	}

	slices.SortStableFunc(candidates, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})

	songs := make([]corpus.Song, 0, min(k, len(candidates)))
	for _, c := range candidates[:min(k, len(candidates))] {
		songs = append(songs, c.song)
	}
	return songs, nil
}

func (r *Ranker) score(ctx context.Context, query emotion.Vector, rec corpus.Record) fn.Result[scored] {
	v, err := ParseVector(rec.EmotionJSON)
	if err != nil {
		r.log.DebugContext(ctx, "skipping candidate", "id", rec.ID, "error", err)
		return fn.Err[scored](fmt.Errorf("song %s: %w", rec.ID, err))
	}
	return fn.Ok(scored{song: rec.Song, score: Cosine(query, v)})
}
