package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nzoschke/moodtunes/pkg/clip"
	"github.com/nzoschke/moodtunes/pkg/config"
	"github.com/nzoschke/moodtunes/pkg/corpus"
	"github.com/nzoschke/moodtunes/pkg/emotion"
	"github.com/nzoschke/moodtunes/pkg/imageref"
	"github.com/nzoschke/moodtunes/pkg/ingest"
	"github.com/nzoschke/moodtunes/pkg/metrics"
	"github.com/nzoschke/moodtunes/pkg/recommend"
	"github.com/nzoschke/moodtunes/pkg/server"
)

// newLogger builds the process logger from LOG_FORMAT and LOG_LEVEL and makes
// it the slog default.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.LogFormat {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}

	log := slog.New(h).With("environment", cfg.Environment)
	slog.SetDefault(log)
	return log, nil
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// newModelHolder defers loading the CLIP model until the first image arrives.
func newModelHolder(cfg *config.Config, log *slog.Logger) *emotion.ModelHolder {
	return emotion.NewModelHolder(func(ctx context.Context) (emotion.Matcher, error) {
		log.InfoContext(ctx, "Loading CLIP model", "dir", cfg.ClipModelDir, "device", cfg.ClipDevice)
		m, err := clip.New(clip.Options{
			Dir:     cfg.ClipModelDir,
			Device:  cfg.ClipDevice,
			LibPath: cfg.ONNXLibPath,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

func newEngine(cfg *config.Config, log *slog.Logger, matcher emotion.Matcher, m *metrics.Metrics) *emotion.Engine {
	loader := imageref.NewLoader(cfg.ImageFetchTimeout, cfg.MaxImageBytes, cfg.MaxImagePixels)
	return emotion.NewEngine(loader, matcher,
		emotion.WithLogger(log),
		emotion.WithDurationRecorder(m),
	)
}

func openStore(ctx context.Context, cfg *config.Config) (corpus.DB, error) {
	db, err := corpus.Open(ctx, cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := setup()
	if err != nil {
		return err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	holder := newModelHolder(cfg, log)
	defer holder.Close()

	ranker := recommend.NewRanker(db,
		recommend.WithRankerLogger(log),
		recommend.WithCandidateRecorder(m),
	)
	var svcOpts []recommend.ServiceOption
	if !cfg.SerializeRecommend {
		svcOpts = append(svcOpts, recommend.WithConcurrent())
	}
	svc := recommend.NewService(newEngine(cfg, log, holder, m), ranker, svcOpts...)

	srv := server.New(svc, server.Options{
		Addr:            cfg.Addr(),
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultTopK:     cfg.DefaultTopK,
		MaxBodyBytes:    cfg.MaxImageBytes * 3 / 2,
		AllowLocalPaths: cfg.AllowLocalImagePaths,
		Logger:          log,
		Metrics:         m,
	})

	log.Info("Starting server", "addr", cfg.Addr(), "store", cfg.DBDriver, "debug", cfg.Debug)
	return srv.Run(ctx)
}

func runAnalyze(ctx context.Context, out io.Writer, image string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	holder := newModelHolder(cfg, log)
	defer holder.Close()

	res, err := newEngine(cfg, log, holder, nil).Analyze(ctx, imageref.Classify(image))
	if err != nil {
		return fmt.Errorf("analyze %s: %w", image, err)
	}
	return printJSON(out, res)
}

type recommendInput struct {
	image       string
	emotionJSON string
	emotionFile string
}

type recommendOutput struct {
	Input           emotion.Result `json:"input"`
	Recommendations []corpus.Song  `json:"recommendations"`
}

func runRecommend(ctx context.Context, out io.Writer, in recommendInput, topK int) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ranker := recommend.NewRanker(db, recommend.WithRankerLogger(log))

	var res emotion.Result
	if in.image != "" {
		holder := newModelHolder(cfg, log)
		defer holder.Close()

		res, err = newEngine(cfg, log, holder, nil).Analyze(ctx, imageref.Classify(in.image))
		if err != nil {
			return fmt.Errorf("analyze %s: %w", in.image, err)
		}
	} else {
		res, err = in.result()
		if err != nil {
			return err
		}
	}

	songs, err := ranker.Rank(ctx, res, topK)
	if err != nil {
		return err
	}
	return printJSON(out, recommendOutput{Input: res, Recommendations: songs})
}

// result reads the precomputed emotion input. It accepts the analyze output or
// a bare label-to-score object.
func (in recommendInput) result() (emotion.Result, error) {
	data := []byte(in.emotionJSON)
	if in.emotionFile != "" {
		var err error
		data, err = os.ReadFile(in.emotionFile)
		if err != nil {
			return emotion.Result{}, fmt.Errorf("read emotion json: %w", err)
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return emotion.Result{}, errors.New("emotion json is empty")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return emotion.Result{}, fmt.Errorf("parse emotion json: %w", err)
	}
	if _, ok := fields["emotion_scores"]; ok {
		var res emotion.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return emotion.Result{}, fmt.Errorf("parse emotion json: %w", err)
		}
		return res, nil
	}

	v, err := recommend.ParseVector(string(data))
	if err != nil {
		return emotion.Result{}, err
	}
	return emotion.Result{Scores: v, Dominant: v.Argmax()}, nil
}

func runIngest(ctx context.Context, path string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tracks, err := ingest.ReadTracks(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := ingest.Import(ctx, db, tracks, os.Stderr)
	if err != nil {
		return err
	}
	log.Info("Imported tracks", "file", path, "count", n, "store", cfg.DBDriver)
	return nil
}

func runLabel(ctx context.Context, path, outPath string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required for labeling")
	}
	if outPath == "" {
		outPath = path
	}

	in, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	labeler := ingest.NewLabeler(
		ingest.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LabelModel),
		ingest.WithLabelerLogger(log),
	)
	n, err := labeler.LabelCSV(ctx, bytes.NewReader(in), &buf, os.Stderr)
	if err != nil {
		return fmt.Errorf("label %s: %w", path, err)
	}

	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return err
	}
	log.Info("Labeled tracks", "file", outPath, "count", n, "model", cfg.LabelModel)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
