// Package ingest holds the offline jobs that build the song corpus: CSV import
// and LLM lyric labeling.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/nzoschke/moodtunes/pkg/corpus"
	"github.com/nzoschke/moodtunes/pkg/recommend"
)

// Unknown is the dominant label for tracks without a usable emotion vector.
const Unknown = "unknown"

// Column names of the corpus CSV, lowercased.
const (
	colID              = "id"
	colName            = "name"
	colArtist          = "artist"
	colStyle           = "style"
	colLanguage        = "language"
	colBPM             = "bpm"
	colInstrument      = "instrument"
	colLyrics          = "lyrics"
	colLabel           = "label"
	colEmotionJSON     = "emotion_json"
	colDominantEmotion = "dominant_emotion"
)

const utf8BOM = "\ufeff"

// header maps lowercased column names to their index.
type header map[string]int

func newHeader(cols []string) header {
	h := header{}
	for i, c := range cols {
		if i == 0 {
			c = strings.TrimPrefix(c, utf8BOM)
		}
		h[strings.ToLower(strings.TrimSpace(c))] = i
	}
	return h
}

func (h header) get(row []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ReadTracks parses a corpus CSV with a header row. Column names match
// case-insensitively and only id is required. A missing dominant_emotion is
// derived from emotion_json when it parses.
func ReadTracks(r io.Reader) ([]corpus.Track, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	cols, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := newHeader(cols)
	if _, ok := h[colID]; !ok {
		return nil, errors.New("csv has no id column")
	}

	var tracks []corpus.Track
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}

		t := corpus.Track{
			ID:              h.get(row, colID),
			Name:            h.get(row, colName),
			Artist:          h.get(row, colArtist),
			Style:           h.get(row, colStyle),
			Language:        h.get(row, colLanguage),
			Instrument:      h.get(row, colInstrument),
			Lyrics:          h.get(row, colLyrics),
			Label:           h.get(row, colLabel),
			EmotionJSON:     h.get(row, colEmotionJSON),
			DominantEmotion: strings.ToLower(h.get(row, colDominantEmotion)),
		}
		if t.ID == "" {
			return nil, fmt.Errorf("row %d: empty id", line)
		}

		t.BPM, err = parseBPM(h.get(row, colBPM))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}

		if t.DominantEmotion == "" && t.EmotionJSON != "" {
			t.DominantEmotion = dominantOf(t.EmotionJSON)
		}

		tracks = append(tracks, t)
	}

	return tracks, nil
}

// parseBPM accepts integers and the float form spreadsheets export ("120.0").
func parseBPM(s string) (int, error) {
	if s == "" || strings.EqualFold(s, "nan") {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bpm %q", s)
	}
	return int(math.Round(f)), nil
}

// dominantOf returns the argmax label of a stored vector, or Unknown when the
// vector does not parse or is all zero.
func dominantOf(blob string) string {
	v, err := recommend.ParseVector(blob)
	if err != nil {
		return Unknown
	}
	for _, x := range v {
		if x > 0 {
			return string(v.Argmax())
		}
	}
	return Unknown
}

const importBatchSize = 100

// Import upserts tracks in batches, drawing a progress bar on progress.
// A nil progress writer draws nothing.
func Import(ctx context.Context, w corpus.Writer, tracks []corpus.Track, progress io.Writer) (int, error) {
	if len(tracks) == 0 {
		return 0, nil
	}
	if progress == nil {
		progress = io.Discard
	}

	// progress bar
	p := mpb.NewWithContext(ctx, mpb.WithWidth(64), mpb.WithOutput(progress))
	bar := p.AddBar(int64(len(tracks)),
		mpb.PrependDecorators(
			decor.Name("Importing: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)

	total := 0
	var err error
	for start := 0; start < len(tracks); start += importBatchSize {
		batch := tracks[start:min(start+importBatchSize, len(tracks))]

		started := time.Now()
		var n int
		n, err = w.UpsertTracks(ctx, batch)
		if err != nil {
			err = fmt.Errorf("import tracks %d-%d: %w", start+1, start+len(batch), err)
			break
		}
		total += n
		bar.EwmaIncrBy(len(batch), time.Since(started))
	}

	if err != nil {
		bar.Abort(false)
	}
	p.Wait()
	return total, err
}
