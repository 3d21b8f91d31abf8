package recommend

import (
	"context"
	"fmt"

	"github.com/nzoschke/moodtunes/pkg/corpus"
	"github.com/nzoschke/moodtunes/pkg/emotion"
	"github.com/nzoschke/moodtunes/pkg/imageref"
)

// Analyzer turns an image reference into an emotion result.
type Analyzer interface {
	Analyze(ctx context.Context, ref imageref.Ref) (emotion.Result, error)
}

// Service runs analysis and ranking for one request.
//
// By default only one request is inside Recommend at a time per process.
// Waiting requests give up when their context ends.
type Service struct {
	analyzer Analyzer
	ranker   *Ranker
	// sem holds one token while a serialized request runs; nil when concurrent.
	sem chan struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithConcurrent lets requests run Recommend in parallel.
func WithConcurrent() ServiceOption {
	return func(s *Service) { s.sem = nil }
}

// NewService returns a serialized Service.
func NewService(analyzer Analyzer, ranker *Ranker, opts ...ServiceOption) *Service {
	s := &Service{analyzer: analyzer, ranker: ranker, sem: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recommend analyzes the image behind ref and returns the top k songs.
func (s *Service) Recommend(ctx context.Context, ref imageref.Ref, k int) ([]corpus.Song, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for recommend slot: %w", ctx.Err())
		}
	}

	res, err := s.analyzer.Analyze(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", ref, err)
	}
	return s.ranker.Rank(ctx, res, k)
}

// RecommendFor ranks against an already computed result.
func (s *Service) RecommendFor(ctx context.Context, res emotion.Result, k int) ([]corpus.Song, error) {
	return s.ranker.Rank(ctx, res, k)
}

// FailSoft maps any error to an empty, non-nil list.
func FailSoft(songs []corpus.Song, err error) []corpus.Song {
	if err != nil || songs == nil {
		return []corpus.Song{}
	}
	return songs
}
