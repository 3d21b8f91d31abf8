package recommend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzoschke/moodtunes/pkg/corpus"
	"github.com/nzoschke/moodtunes/pkg/emotion"
	"github.com/nzoschke/moodtunes/pkg/imageref"
)

type fakeStore struct {
	records map[emotion.Label][]corpus.Record
	err     error
	queries []emotion.Label
}

func (f *fakeStore) ByDominant(_ context.Context, l emotion.Label) ([]corpus.Record, error) {
	f.queries = append(f.queries, l)
	return f.records[l], f.err
}

type countRecorder struct{ total, skipped int }

func (c *countRecorder) RecordCandidates(total, skipped int) {
	c.total += total
	c.skipped += skipped
}

func rec(id, blob string) corpus.Record {
	return corpus.Record{Song: corpus.Song{ID: id, Name: "song " + id, Artist: "artist " + id}, EmotionJSON: blob}
}

func ids(songs []corpus.Song) []string {
	out := make([]string, 0, len(songs))
	for _, s := range songs {
		out = append(out, s.ID)
	}
	return out
}

func TestParseVector(t *testing.T) {
	tests := []struct {
		name    string
		blob    string
		want    emotion.Vector
		wantErr bool
	}{
		{name: "full", blob: `{"happy":0.5,"sad":0.1,"calm":0.1,"romantic":0.1,"dark":0.1,"aggressive":0.1}`, want: emotion.Vector{0.5, 0.1, 0.1, 0.1, 0.1, 0.1}},
		{name: "missing keys are zero", blob: `{"dark":0.6}`, want: emotion.Vector{0, 0, 0, 0, 0.6, 0}},
		{name: "extra keys ignored", blob: `{"happy":1,"energy":"high"}`, want: emotion.Vector{1, 0, 0, 0, 0, 0}},
		{name: "numeric strings", blob: `{"calm":" 0.25 "}`, want: emotion.Vector{0, 0, 0.25, 0, 0, 0}},
		{name: "empty object", blob: `{}`, want: emotion.Vector{}},
		{name: "not json", blob: `happy=1`, wantErr: true},
		{name: "array", blob: `[0.1,0.2]`, wantErr: true},
		{name: "null", blob: `null`, wantErr: true},
		{name: "non numeric value", blob: `{"sad":"very"}`, wantErr: true},
		{name: "null value", blob: `{"sad":null}`, wantErr: true},
		{name: "nested value", blob: `{"sad":{"x":1}}`, wantErr: true},
		{name: "empty", blob: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVector(tt.blob)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedVector)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestCosine(t *testing.T) {
	a := emotion.Vector{0.9, 0.02, 0.03, 0.02, 0.02, 0.01}
	b := emotion.Vector{0.1, 0.6, 0.1, 0.1, 0.05, 0.05}
	c := emotion.Vector{-0.3, 0.2, 0, 0.5, 0, 1}

	assert.Equal(t, Cosine(a, b), Cosine(b, a))
	assert.Equal(t, Cosine(a, c), Cosine(c, a))

	for _, v := range []emotion.Vector{a, b, c} {
		assert.InDelta(t, 1.0, Cosine(v, v), 1e-6)
	}

	assert.Equal(t, 0.0, Cosine(emotion.Vector{}, a))
	assert.Equal(t, 0.0, Cosine(a, emotion.Vector{}))
	assert.Equal(t, 0.0, Cosine(emotion.Vector{}, emotion.Vector{}))

	assert.InDelta(t, -1.0, Cosine(a, emotion.Vector{-0.9, -0.02, -0.03, -0.02, -0.02, -0.01}), 1e-9)
	assert.False(t, math.IsNaN(Cosine(a, b)))
}

func happyResult() emotion.Result {
	return emotion.Result{Scores: emotion.Vector{0.9, 0.02, 0.03, 0.02, 0.02, 0.01}, Dominant: emotion.Happy}
}

func TestRank(t *testing.T) {
	query := happyResult()

	t.Run("most similar first", func(t *testing.T) {
		store := &fakeStore{records: map[emotion.Label][]corpus.Record{
			emotion.Happy: {
				rec("2", `{"happy":0.5,"calm":0.5}`),
				rec("1", `{"happy":0.9,"sad":0.02,"calm":0.03,"romantic":0.02,"dark":0.02,"aggressive":0.01}`),
				rec("3", `{"happy":0.4,"aggressive":0.6}`),
			},
		}}

		songs, err := NewRanker(store).Rank(context.Background(), query, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3"}, ids(songs))
		assert.Equal(t, corpus.Song{ID: "1", Name: "song 1", Artist: "artist 1"}, songs[0])
		assert.Equal(t, []emotion.Label{emotion.Happy}, store.queries)
	})

	t.Run("fewer candidates than k", func(t *testing.T) {
		store := &fakeStore{records: map[emotion.Label][]corpus.Record{
			emotion.Happy: {rec("only", `{"happy":1}`)},
		}}
		songs, err := NewRanker(store).Rank(context.Background(), query, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"only"}, ids(songs))
	})

	t.Run("truncates to k", func(t *testing.T) {
		var pool []corpus.Record
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			pool = append(pool, rec(id, `{"happy":1}`))
		}
		store := &fakeStore{records: map[emotion.Label][]corpus.Record{emotion.Happy: pool}}

		songs, err := NewRanker(store).Rank(context.Background(), query, 2)
		require.NoError(t, err)
		// equal scores keep store order
		assert.Equal(t, []string{"a", "b"}, ids(songs))
	})

	t.Run("empty bucket", func(t *testing.T) {
		songs, err := NewRanker(&fakeStore{}).Rank(context.Background(), query, 3)
		require.NoError(t, err)
		assert.NotNil(t, songs)
		assert.Empty(t, songs)
	})

	t.Run("malformed rows are skipped and counted", func(t *testing.T) {
		store := &fakeStore{records: map[emotion.Label][]corpus.Record{
			emotion.Happy: {
				rec("bad1", `not json`),
				rec("good1", `{"happy":0.8,"sad":0.2}`),
				rec("bad2", `{"happy":"lots"}`),
				rec("good2", `{"happy":0.3,"dark":0.7}`),
				rec("zero", `{}`),
			},
		}}
		m := &countRecorder{}

		songs, err := NewRanker(store, WithCandidateRecorder(m)).Rank(context.Background(), query, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"good1", "good2", "zero"}, ids(songs))
		assert.Equal(t, 5, m.total)
		assert.Equal(t, 2, m.skipped)
	})

	t.Run("invalid k", func(t *testing.T) {
		store := &fakeStore{}
		for _, k := range []int{0, -1} {
			_, err := NewRanker(store).Rank(context.Background(), query, k)
			assert.ErrorIs(t, err, ErrInvalidK)
		}
		assert.Empty(t, store.queries)
	})

	t.Run("store error", func(t *testing.T) {
		boom := errors.New("connection refused")
		_, err := NewRanker(&fakeStore{err: boom}).Rank(context.Background(), query, 3)
		assert.ErrorIs(t, err, boom)
	})
}

func TestRankOrderingProperty(t *testing.T) {
	query := emotion.Result{Scores: emotion.Vector{0.1, 0.1, 0.5, 0.1, 0.1, 0.1}, Dominant: emotion.Calm}
	blobs := []string{
		`{"calm":0.9,"sad":0.1}`, `{"calm":0.2,"dark":0.8}`, `{"happy":0.5,"calm":0.5}`,
		`{"calm":0.6,"romantic":0.4}`, `{"aggressive":1}`, `{"calm":0.34,"sad":0.33,"dark":0.33}`,
	}
	var pool []corpus.Record
	for i, b := range blobs {
		pool = append(pool, rec(string(rune('a'+i)), b))
	}
	store := &fakeStore{records: map[emotion.Label][]corpus.Record{emotion.Calm: pool}}

	for k := 1; k <= len(blobs)+2; k++ {
		songs, err := NewRanker(store).Rank(context.Background(), query, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(songs), k)
		assert.LessOrEqual(t, len(songs), len(pool))

		prev := math.Inf(1)
		for _, s := range songs {
			for _, r := range pool {
				if r.ID != s.ID {
					continue
				}
				v, err := ParseVector(r.EmotionJSON)
				require.NoError(t, err)
				sim := Cosine(query.Scores, v)
				assert.LessOrEqual(t, sim, prev)
				prev = sim
			}
		}
	}
}

type fakeAnalyzer struct {
	res      emotion.Result
	err      error
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeAnalyzer) Analyze(context.Context, imageref.Ref) (emotion.Result, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return f.res, f.err
}

func TestServiceSerializes(t *testing.T) {
	run := func(opts ...ServiceOption) int32 {
		a := &fakeAnalyzer{res: happyResult()}
		svc := NewService(a, NewRanker(&emptyStore{}), opts...)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Recommend(context.Background(), imageref.Path("x.png"), 3)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		return a.peak.Load()
	}

	assert.Equal(t, int32(1), run())
	assert.Greater(t, run(WithConcurrent()), int32(1))
}

type blockingAnalyzer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAnalyzer) Analyze(context.Context, imageref.Ref) (emotion.Result, error) {
	b.entered <- struct{}{}
	<-b.release
	return happyResult(), nil
}

func TestServiceQueuedRequestHonorsContext(t *testing.T) {
	a := &blockingAnalyzer{entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc := NewService(a, NewRanker(&emptyStore{}))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Recommend(context.Background(), imageref.Path("slow.png"), 3)
		done <- err
	}()
	<-a.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := svc.Recommend(ctx, imageref.Path("queued.png"), 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, a.entered, 0, "queued request never reached the analyzer")

	close(a.release)
	require.NoError(t, <-done)

	// the slot is free again
	_, err = svc.Recommend(context.Background(), imageref.Path("next.png"), 3)
	require.NoError(t, err)
}

type emptyStore struct{}

func (emptyStore) ByDominant(context.Context, emotion.Label) ([]corpus.Record, error) {
	return nil, nil
}

func TestServiceErrors(t *testing.T) {
	boom := &imageref.DecodeError{Err: errors.New("not an image")}
	svc := NewService(&fakeAnalyzer{err: boom}, NewRanker(&fakeStore{}))

	songs, err := svc.Recommend(context.Background(), imageref.Path("x"), 3)
	assert.ErrorIs(t, err, imageref.ErrDecode)
	assert.Equal(t, []corpus.Song{}, FailSoft(songs, err))

	_, err = svc.Recommend(context.Background(), imageref.Path("x"), 0)
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestFailSoft(t *testing.T) {
	songs := []corpus.Song{{ID: "1"}}
	assert.Equal(t, songs, FailSoft(songs, nil))
	assert.Equal(t, []corpus.Song{}, FailSoft(songs, errors.New("x")))
	assert.NotNil(t, FailSoft(nil, nil))
}

// warmMatcher favors the first label like CLIP does for a bright, saturated photo.
type warmMatcher struct{}

func (warmMatcher) Match(context.Context, image.Image, []string) ([]float32, error) {
	return []float32{27.4, 20.1, 22.3, 21.9, 17.8, 18.2}, nil
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()

	db, err := corpus.NewSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))

	engine := emotion.NewEngine(imageref.NewLoader(time.Second, 0, 0), warmMatcher{})
	got, err := engine.AnalyzeImage(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	require.Equal(t, emotion.Happy, got.Dominant)

	exact, err := json.Marshal(got.Scores.Map())
	require.NoError(t, err)

	_, err = db.UpsertTracks(ctx, []corpus.Track{
		{ID: "2", Name: "Two", Artist: "B", EmotionJSON: `{"happy":0.6,"calm":0.4}`, DominantEmotion: "happy"},
		{ID: "1", Name: "One", Artist: "A", EmotionJSON: string(exact), DominantEmotion: "happy"},
		{ID: "3", Name: "Three", Artist: "C", EmotionJSON: `{"happy":0.5,"dark":0.5}`, DominantEmotion: "happy"},
		{ID: "9", Name: "Nine", Artist: "Z", EmotionJSON: `{"sad":1}`, DominantEmotion: "sad"},
	})
	require.NoError(t, err)

	svc := NewService(engine, NewRanker(db))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	pixel := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	t.Run("exact match ranks first", func(t *testing.T) {
		songs, err := svc.Recommend(ctx, imageref.Classify(pixel), 3)
		require.NoError(t, err)
		require.Len(t, songs, 3)
		assert.Equal(t, corpus.Song{ID: "1", Name: "One", Artist: "A"}, songs[0])
	})

	t.Run("single candidate bucket", func(t *testing.T) {
		songs, err := svc.RecommendFor(ctx, emotion.Result{Scores: emotion.Vector{0, 1}, Dominant: emotion.Sad}, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"9"}, ids(songs))
	})

	t.Run("invalid data uri is an empty list", func(t *testing.T) {
		songs := FailSoft(svc.Recommend(ctx, imageref.Classify("data:image/png;base64,###"), 3))
		assert.NotNil(t, songs)
		assert.Empty(t, songs)
	})
}
