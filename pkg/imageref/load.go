package imageref

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxBytes caps how much image data a Loader reads.
const DefaultMaxBytes = 20 << 20

// DefaultMaxPixels caps the decoded size of an image, width times height.
const DefaultMaxPixels = 25_000_000

// Loader reads images from any Ref kind.
type Loader struct {
	Client    *http.Client
	MaxBytes  int64
	MaxPixels int64
}

// NewLoader returns a Loader whose HTTP fetches time out after timeout.
// Non-positive limits use the defaults.
func NewLoader(timeout time.Duration, maxBytes, maxPixels int64) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Loader{
		Client:    &http.Client{Timeout: timeout},
		MaxBytes:  maxBytes,
		MaxPixels: maxPixels,
	}
}

// Load fetches and decodes the image behind ref into an opaque RGB buffer.
// The header is checked against MaxPixels before any pixel is decoded.
func (l *Loader) Load(ctx context.Context, ref Ref) (*image.RGBA, error) {
	data, err := l.Bytes(ctx, ref)
	if err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if int64(cfg.Width)*int64(cfg.Height) > l.maxPixels() {
		return nil, &DecodeError{Err: fmt.Errorf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, l.maxPixels())}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return ToRGB(img), nil
}

// Bytes returns the raw encoded image bytes behind ref.
func (l *Loader) Bytes(ctx context.Context, ref Ref) ([]byte, error) {
	switch ref.Kind {
	case KindURL:
		return l.fetch(ctx, ref)
	case KindDataURI:
		return decodeDataURI(ref.Value)
	case KindPath:
		return l.readFile(ref)
	default:
		return nil, &MalformedInputError{Message: fmt.Sprintf("unknown image reference kind %s", ref.Kind)}
	}
}

func (l *Loader) maxBytes() int64 {
	if l.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return l.MaxBytes
}

func (l *Loader) maxPixels() int64 {
	if l.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return l.MaxPixels
}

func (l *Loader) fetch(ctx context.Context, ref Ref) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Value, nil)
	if err != nil {
		return nil, &MalformedInputError{Message: "invalid image url", Err: err}
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Ref: ref, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	return readLimited(resp.Body, l.maxBytes(), ref)
}

// readFile only opens regular files, so a FIFO or device cannot block the read.
func (l *Loader) readFile(ref Ref) ([]byte, error) {
	fi, err := os.Stat(ref.Value)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, &FetchError{Ref: ref, Err: fmt.Errorf("not a regular file")}
	}

	f, err := os.Open(ref.Value)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	defer f.Close()

	return readLimited(f, l.maxBytes(), ref)
}

func readLimited(r io.Reader, limit int64, ref Ref) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, &FetchError{Ref: ref, Err: fmt.Errorf("image larger than %d bytes", limit)}
	}
	return data, nil
}

// decodeDataURI splits "data:image/png;base64,<payload>" on the first comma and
// base64-decodes the payload.
func decodeDataURI(s string) ([]byte, error) {
	_, payload, ok := strings.Cut(s, ",")
	if !ok {
		return nil, &MalformedInputError{Message: "data uri missing ',' between header and payload"}
	}

	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Unpadded payloads show up from some browsers.
		raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, &MalformedInputError{Message: "data uri payload is not valid base64", Err: err}
		}
		data = raw
	}
	return data, nil
}

// ToRGB copies img into an opaque RGBA buffer. Alpha is dropped without compositing
// and grayscale is replicated across the three channels.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.Gray:
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	case *image.YCbCr:
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
