// Package server provides the Echo web server for image-based song recommendations.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nzoschke/moodtunes/pkg/corpus"
	"github.com/nzoschke/moodtunes/pkg/imageref"
	"github.com/nzoschke/moodtunes/pkg/metrics"
	"github.com/nzoschke/moodtunes/pkg/recommend"
)

// MaxTopK caps how many songs one request may ask for.
const MaxTopK = 100

// Recommender returns the top k songs for an image.
type Recommender interface {
	Recommend(ctx context.Context, ref imageref.Ref, k int) ([]corpus.Song, error)
}

// Options configures a Server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	DefaultTopK    int
	// MaxBodyBytes limits request bodies. Oversized /recommend bodies still get [].
	MaxBodyBytes int64
	// AllowLocalPaths accepts image_url values that name a file on this host.
	AllowLocalPaths bool
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Server serves the recommendation API.
type Server struct {
	e    *echo.Echo
	rec  Recommender
	opts Options
	log  *slog.Logger
}

// RecommendRequest is the body of POST /recommend.
type RecommendRequest struct {
	ImageURL string `json:"image_url"`
	TopK     *int   `json:"top_k"`
}

// New builds the routes and middleware.
func New(rec Recommender, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 3
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 30 << 20
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, rec: rec, opts: opts, log: log}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				log.Error("request", append(attrs, "error", v.Error)...)
				return nil
			}
			log.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     opts.AllowedOrigins,
		AllowCredentials: true,
		AllowMethods:     []string{"*"},
		AllowHeaders:     []string{"*"},
	}))
	e.Use(middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
		Limit: strconv.FormatInt(opts.MaxBodyBytes, 10),
		// /recommend limits its own body so it can answer []
		Skipper: func(c echo.Context) bool { return c.Path() == "/recommend" },
	}))

	// Routes
	e.POST("/recommend", s.recommend)
	e.GET("/healthz", healthz)
	e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))

	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", s.opts.Addr)
		errc <- s.e.Start(s.opts.Addr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// recommend always answers 200 with a JSON array. Failures are logged and
// counted, and the caller sees an empty list.
func (s *Server) recommend(c echo.Context) error {
	ctx := c.Request().Context()

	songs, err := s.handleRecommend(c)
	switch {
	case err != nil:
		s.opts.Metrics.RecordRequest(metrics.OutcomeError)
		s.log.ErrorContext(ctx, "recommend failed",
			"error", err,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
	case len(songs) == 0:
		s.opts.Metrics.RecordRequest(metrics.OutcomeEmpty)
	default:
		s.opts.Metrics.RecordRequest(metrics.OutcomeOK)
	}

	return c.JSON(http.StatusOK, recommend.FailSoft(songs, err))
}

func (s *Server) handleRecommend(c echo.Context) ([]corpus.Song, error) {
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, s.opts.MaxBodyBytes)

	var req RecommendRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}

	k := s.opts.DefaultTopK
	if req.TopK != nil {
		k = min(*req.TopK, MaxTopK)
	}

	imageURL := strings.TrimSpace(req.ImageURL)
	if imageURL == "" {
		return nil, &imageref.MalformedInputError{Message: "image_url is required"}
	}

	ref := imageref.Classify(imageURL)
	if ref.Kind == imageref.KindPath && !s.opts.AllowLocalPaths {
		return nil, &imageref.MalformedInputError{Message: "image_url must be an http(s) url or a data uri"}
	}

	return s.rec.Recommend(r.Context(), ref, k)
}

func healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
