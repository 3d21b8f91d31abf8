package imageref

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func warmImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 240, G: 180, B: 40, A: 255})
		}
	}
	return img
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"http://example.com/a.png", KindURL},
		{"https://example.com/a.jpg", KindURL},
		{"HTTPS://EXAMPLE.COM/A.JPG", KindURL},
		{"data:image/png;base64,AAAA", KindDataURI},
		{"data:image/jpeg;base64,", KindDataURI},
		{"/tmp/photo.jpg", KindPath},
		{"photo.jpg", KindPath},
		{"httpfile.png", KindPath},
		{"data:text/plain;base64,AAAA", KindPath},
		{"", KindPath},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref := Classify(tt.in)
			assert.Equal(t, tt.want, ref.Kind)
			assert.Equal(t, tt.in, ref.Value)
		})
	}
}

func TestRefStringElidesPayload(t *testing.T) {
	s := DataURI("data:image/png;base64," + string(bytes.Repeat([]byte("A"), 100))).String()
	assert.Contains(t, s, "data:image/png;base64")
	assert.NotContains(t, s, "AAAA")
}

func TestLoadDataURI(t *testing.T) {
	l := NewLoader(time.Second, 0, 0)
	raw := pngBytes(t, warmImage())

	t.Run("valid", func(t *testing.T) {
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)
		img, err := l.Load(context.Background(), Classify(uri))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
		assert.Equal(t, color.RGBA{R: 240, G: 180, B: 40, A: 255}, img.RGBAAt(3, 3))
	})

	t.Run("unpadded payload", func(t *testing.T) {
		uri := "data:image/png;base64," + base64.RawStdEncoding.EncodeToString(raw)
		_, err := l.Load(context.Background(), DataURI(uri))
		require.NoError(t, err)
	})

	t.Run("missing comma", func(t *testing.T) {
		_, err := l.Load(context.Background(), DataURI("data:image/png;base64"))
		assert.ErrorIs(t, err, ErrMalformedInput)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := l.Load(context.Background(), DataURI("data:image/png;base64,@@@not base64@@@"))
		assert.ErrorIs(t, err, ErrMalformedInput)
	})

	t.Run("valid base64 but not an image", func(t *testing.T) {
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello world"))
		_, err := l.Load(context.Background(), DataURI(uri))
		assert.ErrorIs(t, err, ErrDecode)
	})
}

func TestLoadURL(t *testing.T) {
	raw := pngBytes(t, warmImage())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(raw)
		case "/garbage":
			_, _ = w.Write([]byte("<html>nope</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewLoader(time.Second, 0, 0)

	img, err := l.Load(context.Background(), URL(srv.URL+"/ok.png"))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	_, err = l.Load(context.Background(), URL(srv.URL+"/missing.png"))
	assert.ErrorIs(t, err, ErrFetch)

	_, err = l.Load(context.Background(), URL(srv.URL+"/garbage"))
	assert.ErrorIs(t, err, ErrDecode)

	small := NewLoader(time.Second, 16, 0)
	_, err = small.Load(context.Background(), URL(srv.URL+"/ok.png"))
	assert.ErrorIs(t, err, ErrFetch)
}

func TestLoadURLUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewLoader(time.Second, 0, 0).Load(context.Background(), URL(addr+"/a.png"))
	assert.ErrorIs(t, err, ErrFetch)
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "warm.png")
	require.NoError(t, os.WriteFile(p, pngBytes(t, warmImage()), 0o644))

	l := NewLoader(time.Second, 0, 0)

	img, err := l.Load(context.Background(), Path(p))
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dy())

	_, err = l.Load(context.Background(), Path(filepath.Join(dir, "missing.png")))
	assert.ErrorIs(t, err, ErrFetch)
}

// hugePNG rewrites the IHDR of a tiny PNG to claim w x h pixels. Only the
// header is valid, which is all a size check should read.
func hugePNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := pngBytes(t, image.NewGray(image.Rect(0, 0, 1, 1)))
	require.Equal(t, "IHDR", string(data[12:16]))

	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestLoadRejectsOversizedImage(t *testing.T) {
	huge := hugePNG(t, 40000, 40000)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(huge)

	cfg, err := png.DecodeConfig(bytes.NewReader(huge))
	require.NoError(t, err)
	require.Equal(t, 40000, cfg.Width)

	_, err = NewLoader(time.Second, 0, 0).Load(context.Background(), DataURI(uri))
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorContains(t, err, "40000x40000")

	t.Run("configured limit", func(t *testing.T) {
		raw := pngBytes(t, warmImage())
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

		_, err := NewLoader(time.Second, 0, 47).Load(context.Background(), DataURI(uri))
		assert.ErrorIs(t, err, ErrDecode)

		img, err := NewLoader(time.Second, 0, 48).Load(context.Background(), DataURI(uri))
		require.NoError(t, err)
		assert.Equal(t, 8, img.Bounds().Dx())
	})
}

func TestLoadPathRejectsNonRegularFiles(t *testing.T) {
	_, err := NewLoader(time.Second, 0, 0).Load(context.Background(), Path(t.TempDir()))
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorContains(t, err, "not a regular file")
}

func TestNoFallbackBetweenKinds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data:image"), pngBytes(t, warmImage()), 0o644))
	t.Chdir(dir)

	// A file with this name exists, but the data URI form wins and is malformed.
	_, err := NewLoader(time.Second, 0, 0).Load(context.Background(), Classify("data:image"))
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestToRGB(t *testing.T) {
	t.Run("drops alpha without compositing", func(t *testing.T) {
		src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		src.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 10})

		got := ToRGB(src).RGBAAt(0, 0)
		assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, got)
	})

	t.Run("replicates grayscale", func(t *testing.T) {
		src := image.NewGray(image.Rect(0, 0, 2, 2))
		src.SetGray(1, 1, color.Gray{Y: 77})

		got := ToRGB(src).RGBAAt(1, 1)
		assert.Equal(t, color.RGBA{R: 77, G: 77, B: 77, A: 255}, got)
	})

	t.Run("rebases bounds to origin", func(t *testing.T) {
		src := image.NewNRGBA(image.Rect(5, 5, 7, 8))
		got := ToRGB(src)
		assert.Equal(t, image.Rect(0, 0, 2, 3), got.Bounds())
	})
}
