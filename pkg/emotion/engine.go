package emotion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/nzoschke/moodtunes/pkg/imageref"
)

// ErrLabelCount is returned when a model scores a different number of labels than requested.
var ErrLabelCount = errors.New("emotion: label score count mismatch")

// Matcher scores one image against a list of text labels and returns one raw
// logit per label, in the same order.
type Matcher interface {
	Match(ctx context.Context, img image.Image, labels []string) ([]float32, error)
}

// ImageLoader resolves a reference into RGB pixels.
type ImageLoader interface {
	Load(ctx context.Context, ref imageref.Ref) (*image.RGBA, error)
}

// DurationRecorder observes inference latency.
type DurationRecorder interface {
	ObserveInference(d time.Duration)
}

// Engine converts images into Results.
type Engine struct {
	loader  ImageLoader
	matcher Matcher
	labels  []string
	log     *slog.Logger
	metrics DurationRecorder
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used for score reporting.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithDurationRecorder records inference latency.
func WithDurationRecorder(r DurationRecorder) EngineOption {
	return func(e *Engine) { e.metrics = r }
}

// NewEngine returns an Engine that loads images with loader and scores them with matcher.
func NewEngine(loader ImageLoader, matcher Matcher, opts ...EngineOption) *Engine {
	e := &Engine{
		loader:  loader,
		matcher: matcher,
		labels:  LabelStrings(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze loads the image behind ref and scores it against the emotion labels.
func (e *Engine) Analyze(ctx context.Context, ref imageref.Ref) (Result, error) {
	img, err := e.loader.Load(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	return e.AnalyzeImage(ctx, img)
}

// AnalyzeImage scores an already decoded image.
func (e *Engine) AnalyzeImage(ctx context.Context, img image.Image) (Result, error) {
	start := time.Now()

	logits, err := e.matcher.Match(ctx, img, e.labels)
	if err != nil {
		return Result{}, fmt.Errorf("match labels: %w", err)
	}
	if len(logits) != len(e.labels) {
		return Result{}, fmt.Errorf("%w: got %d, want %d", ErrLabelCount, len(logits), len(e.labels))
	}

	res, err := NewResult(Softmax(logits))
	if err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.ObserveInference(elapsed)
	}
	e.log.DebugContext(ctx, "emotion scores",
		"scores", res.Scores.Map(),
		"dominant", res.Dominant,
		"elapsed_ms", float64(elapsed.Microseconds())/1000,
	)

	return res, nil
}
