// Package emotion turns images into emotion score vectors.
package emotion

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Label is one of the six emotion dimensions shared by images and songs.
type Label string

const (
	Happy      Label = "happy"
	Sad        Label = "sad"
	Calm       Label = "calm"
	Romantic   Label = "romantic"
	Dark       Label = "dark"
	Aggressive Label = "aggressive"
)

// Labels is the canonical dimension order. Every Vector uses it.
var Labels = [Dims]Label{Happy, Sad, Calm, Romantic, Dark, Aggressive}

// Dims is the number of emotion dimensions.
const Dims = 6

// LabelStrings returns the labels as the text prompts handed to the matching model.
func LabelStrings() []string {
	out := make([]string, Dims)
	for i, l := range Labels {
		out[i] = string(l)
	}
	return out
}

// Index returns the position of l in Labels, or -1.
func (l Label) Index() int {
	for i, x := range Labels {
		if x == l {
			return i
		}
	}
	return -1
}

// ParseLabel accepts a label name in any case.
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if l.Index() < 0 {
		return "", fmt.Errorf("unknown emotion label %q", s)
	}
	return l, nil
}

// Vector holds one score per label in canonical order.
type Vector [Dims]float64

// Get returns the score for l.
func (v Vector) Get(l Label) float64 {
	if i := l.Index(); i >= 0 {
		return v[i]
	}
	return 0
}

// Slice returns the scores as a fresh slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, Dims)
	copy(out, v[:])
	return out
}

// Map returns the scores keyed by label name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Dims)
	for i, l := range Labels {
		m[string(l)] = v[i]
	}
	return m
}

// VectorFromMap reads a label-keyed map. Missing labels are 0.
func VectorFromMap(m map[string]float64) Vector {
	var v Vector
	for i, l := range Labels {
		v[i] = m[string(l)]
	}
	return v
}

// Argmax returns the label with the highest score. Ties go to the earlier label.
func (v Vector) Argmax() Label {
	best := 0
	for i := 1; i < Dims; i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return Labels[best]
}

// Result is the outcome of analyzing one image.
type Result struct {
	Scores   Vector
	Dominant Label
}

type resultJSON struct {
	Scores   map[string]float64 `json:"emotion_scores"`
	Dominant string             `json:"dominant_emotion"`
}

// MarshalJSON writes {"emotion_scores": {...}, "dominant_emotion": "..."}.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{Scores: r.Scores.Map(), Dominant: string(r.Dominant)})
}

// UnmarshalJSON reads the MarshalJSON shape. A missing dominant label is derived.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	res, err := ResultFromScores(raw.Scores, raw.Dominant)
	if err != nil {
		return err
	}
	*r = res
	return nil
}

// NewResult rounds probs to 4 decimals and derives the dominant label.
func NewResult(probs []float64) (Result, error) {
	if len(probs) != Dims {
		return Result{}, fmt.Errorf("%w: got %d, want %d", ErrLabelCount, len(probs), Dims)
	}
	var v Vector
	for i, p := range probs {
		v[i] = Round(p, 4)
	}
	return Result{Scores: v, Dominant: v.Argmax()}, nil
}

// ResultFromScores builds a Result from externally supplied scores, for example a stored
// emotion JSON. dominant may be empty, in which case it is derived.
func ResultFromScores(scores map[string]float64, dominant string) (Result, error) {
	v := VectorFromMap(scores)
	if dominant == "" {
		return Result{Scores: v, Dominant: v.Argmax()}, nil
	}
	l, err := ParseLabel(dominant)
	if err != nil {
		return Result{}, err
	}
	return Result{Scores: v, Dominant: l}, nil
}

// Softmax converts logits into probabilities that sum to 1.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxv := math.Inf(-1)
	for _, x := range logits {
		maxv = math.Max(maxv, float64(x))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, x := range logits {
		out[i] = math.Exp(float64(x) - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Round rounds x to the given number of decimal places, half away from zero.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
