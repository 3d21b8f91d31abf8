package recommend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/nzoschke/moodtunes/pkg/emotion"
)

// ErrMalformedVector is returned for a stored emotion blob that cannot be read as a vector.
var ErrMalformedVector = errors.New("malformed emotion vector")

// ParseVector reads a stored emotion blob: a JSON object keyed by label. Missing
// labels are 0 and unknown keys are ignored. Values may be numbers or numeric strings.
func ParseVector(blob string) (emotion.Vector, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return emotion.Vector{}, fmt.Errorf("%w: %v", ErrMalformedVector, err)
	}
	if raw == nil {
		return emotion.Vector{}, fmt.Errorf("%w: not an object", ErrMalformedVector)
	}

	var v emotion.Vector
	for i, l := range emotion.Labels {
		msg, ok := raw[string(l)]
		if !ok {
			continue
		}
		f, err := parseComponent(msg)
		if err != nil {
			return emotion.Vector{}, fmt.Errorf("%w: %s: %v", ErrMalformedVector, l, err)
		}
		v[i] = f
	}
	return v, nil
}

func parseComponent(msg json.RawMessage) (float64, error) {
	msg = bytes.TrimSpace(msg)

	var f float64
	if err := json.Unmarshal(msg, &f); err == nil && !bytes.Equal(msg, []byte("null")) {
		return f, nil
	}

	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", msg)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either has zero magnitude.
func Cosine(a, b emotion.Vector) float64 {
	x, y := a.Slice(), b.Slice()
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(x, y) / (na * nb)
}
