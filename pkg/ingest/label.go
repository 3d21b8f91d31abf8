package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/nzoschke/moodtunes/pkg/emotion"
	"github.com/nzoschke/moodtunes/pkg/fn"
	"github.com/nzoschke/moodtunes/pkg/recommend"
)

const labelPrompt = `You are a lyrics emotion analyst. Score how strongly each of the
following emotions is expressed in the lyrics below. Each value is between 0 and 1 and
the values do not need to add up to 1.

["happy", "sad", "calm", "romantic", "dark", "aggressive"]

Lyrics:
"""%s"""

Reply with only a JSON object, no explanation, for example:
{"happy": 0.2, "sad": 0.5, "calm": 0.1, "romantic": 0.0, "dark": 0.3, "aggressive": 0.0}`

// DefaultRetry matches the labeling job's budget: 3 attempts about 2s apart.
var DefaultRetry = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 2 * time.Second,
	MaxWait:     8 * time.Second,
	Jitter:      true,
}

// Labeling is the emotion annotation for one track's lyrics.
type Labeling struct {
	Scores emotion.Vector
	// Dominant is a label name, or Unknown.
	Dominant string
}

// JSON renders Scores as a stored emotion blob.
func (l Labeling) JSON() string {
	b, _ := json.Marshal(l.Scores.Map())
	return string(b)
}

var unknownLabeling = Labeling{Dominant: Unknown}

// Labeler scores lyrics with a chat model.
type Labeler struct {
	c     Completer
	retry fn.RetryOpts
	log   *slog.Logger
}

// LabelerOption configures a Labeler.
type LabelerOption func(*Labeler)

// WithRetry overrides DefaultRetry.
func WithRetry(opts fn.RetryOpts) LabelerOption {
	return func(l *Labeler) { l.retry = opts }
}

// WithLabelerLogger sets the logger for failed attempts.
func WithLabelerLogger(log *slog.Logger) LabelerOption {
	return func(l *Labeler) { l.log = log }
}

// NewLabeler returns a Labeler backed by c.
func NewLabeler(c Completer, opts ...LabelerOption) *Labeler {
	l := &Labeler{c: c, retry: DefaultRetry, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Label scores lyrics. Empty lyrics are not sent. When every attempt fails, or
// the model scores every emotion 0, the result is all zeros with dominant Unknown.
func (l *Labeler) Label(ctx context.Context, lyrics string) Labeling {
	lyrics = strings.TrimSpace(lyrics)
	if lyrics == "" {
		return unknownLabeling
	}

	r := fn.Retry(ctx, l.retry, func(ctx context.Context) fn.Result[emotion.Vector] {
		reply, err := l.c.Complete(ctx, fmt.Sprintf(labelPrompt, lyrics))
		if err == nil {
			var v emotion.Vector
			v, err = parseReply(reply)
			if err == nil {
				return fn.Ok(v)
			}
		}
		l.log.WarnContext(ctx, "label attempt failed", "error", err)
		return fn.Err[emotion.Vector](err)
	})

	raw, err := r.Unwrap()
	if err != nil {
		l.log.ErrorContext(ctx, "labeling gave up", "error", err)
		return unknownLabeling
	}
	return normalize(raw)
}

// parseReply reads the model's JSON object, tolerating a markdown code fence.
func parseReply(reply string) (emotion.Vector, error) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return recommend.ParseVector(s)
}

// normalize scales v to sum to 1 and rounds each score to 3 decimals. Negative
// scores count as 0.
func normalize(v emotion.Vector) Labeling {
	var total float64
	for i, x := range v {
		v[i] = max(x, 0)
		total += v[i]
	}
	if total <= 0 {
		return unknownLabeling
	}

	var out emotion.Vector
	for i, x := range v {
		out[i] = emotion.Round(x/total, 3)
	}
	return Labeling{Scores: out, Dominant: string(out.Argmax())}
}

// LabelCSV labels every row of a corpus CSV by its lyrics column and writes the
// CSV back out with emotion_json and dominant_emotion set. Columns are added
// when missing and all other cells are kept as they were.
func (l *Labeler) LabelCSV(ctx context.Context, in io.Reader, out io.Writer, progress io.Writer) (int, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return 0, errors.New("csv is empty")
	}

	cols := rows[0]
	h := newHeader(cols)
	lyricsIdx, ok := h[colLyrics]
	if !ok {
		return 0, errors.New("csv has no lyrics column")
	}
	jsonIdx, ok := h[colEmotionJSON]
	if !ok {
		jsonIdx = len(cols)
		cols = append(cols, colEmotionJSON)
	}
	domIdx, ok := h[colDominantEmotion]
	if !ok {
		domIdx = len(cols)
		cols = append(cols, colDominantEmotion)
	}
	rows[0] = cols

	if len(rows) == 1 {
		return 0, writeCSV(out, rows)
	}
	if progress == nil {
		progress = io.Discard
	}
	p := mpb.NewWithContext(ctx, mpb.WithWidth(64), mpb.WithOutput(progress))
	bar := p.AddBar(int64(len(rows)-1),
		mpb.PrependDecorators(
			decor.Name("Labeling: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)

	labeled := 0
	for i := 1; i < len(rows); i++ {
		if err := ctx.Err(); err != nil {
			bar.Abort(false)
			p.Wait()
			return labeled, err
		}

		started := time.Now()
		row := rows[i]
		for len(row) < len(cols) {
			row = append(row, "")
		}

		var lyrics string
		if lyricsIdx < len(row) {
			lyrics = row[lyricsIdx]
		}
		lab := l.Label(ctx, lyrics)
		row[jsonIdx] = lab.JSON()
		row[domIdx] = lab.Dominant
		rows[i] = row

		labeled++
		bar.EwmaIncrement(time.Since(started))
	}
	p.Wait()

	return labeled, writeCSV(out, rows)
}

func writeCSV(out io.Writer, rows [][]string) error {
	cw := csv.NewWriter(out)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
