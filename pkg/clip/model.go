package clip

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Device selects the ONNX Runtime execution provider.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// ParseDevice accepts auto, cuda or cpu, case-insensitively. Empty means auto.
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCUDA, DeviceCPU:
		return d, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto, cuda or cpu)", s)
	}
}

// Files expected in a model directory.
const (
	ModelFile  = "model.onnx"
	VocabFile  = "vocab.json"
	MergesFile = "merges.txt"
)

// Options configures a Model.
type Options struct {
	// Dir holds model.onnx, vocab.json and merges.txt.
	Dir     string
	Device  Device
	LibPath string
	Logger  *slog.Logger
}

// Model scores images against text prompts with a CLIP ONNX export.
// It is safe for concurrent use.
type Model struct {
	session *ort.DynamicAdvancedSession
	tok     *Tokenizer
	device  Device
	log     *slog.Logger

	mu     sync.Mutex
	labels map[string]labelTokens
}

type labelTokens struct {
	ids, mask []int64
	n, width  int64
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// New loads the tokenizer and creates an inference session on the requested device.
func New(opts Options) (*Model, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	modelPath := filepath.Join(opts.Dir, ModelFile)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("clip model not found at %s: %w", modelPath, err)
	}

	tok, err := LoadTokenizer(filepath.Join(opts.Dir, VocabFile), filepath.Join(opts.Dir, MergesFile))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	ortInitOnce.Do(func() {
		ort.SetSharedLibraryPath(LibraryPath(opts.LibPath))
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", ortInitErr)
	}

	device := opts.Device
	if device == "" {
		device = DeviceAuto
	}

	var session *ort.DynamicAdvancedSession
	switch device {
	case DeviceCUDA:
		session, err = newSession(modelPath, true)
	case DeviceCPU:
		session, err = newSession(modelPath, false)
	case DeviceAuto:
		session, err = newSession(modelPath, true)
		if err == nil {
			device = DeviceCUDA
			break
		}
		log.Debug("cuda unavailable, falling back to cpu", "error", err)
		device = DeviceCPU
		session, err = newSession(modelPath, false)
	default:
		return nil, fmt.Errorf("unknown device %q", device)
	}
	if err != nil {
		return nil, err
	}

	log.Info("clip model loaded", "dir", opts.Dir, "device", device)

	return &Model{
		session: session,
		tok:     tok,
		device:  device,
		log:     log,
		labels:  map[string]labelTokens{},
	}, nil
}

func newSession(modelPath string, cuda bool) (*ort.DynamicAdvancedSession, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer so.Destroy()

	if err := so.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := so.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	if cuda {
		co, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create cuda options: %w", err)
		}
		defer co.Destroy()
		if err := so.AppendExecutionProviderCUDA(co); err != nil {
			return nil, fmt.Errorf("failed to enable cuda: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids", "pixel_values", "attention_mask"},
		[]string{"logits_per_image"},
		so,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clip session: %w", err)
	}
	return session, nil
}

// Device reports the execution provider the session runs on.
func (m *Model) Device() Device { return m.device }

// Match returns one logit per label for img.
func (m *Model) Match(ctx context.Context, img image.Image, labels []string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no labels to match")
	}

	lt := m.encodeLabels(labels)

	idsTensor, err := ort.NewTensor(ort.NewShape(lt.n, lt.width), lt.ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(ort.NewShape(lt.n, lt.width), lt.mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	pixTensor, err := ort.NewTensor(ort.NewShape(1, 3, ImageSize, ImageSize), Preprocess(img))
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	defer pixTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{idsTensor, pixTensor, maskTensor}, outputs); err != nil {
		return nil, fmt.Errorf("clip inference failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("clip output was nil")
	}
	defer outputs[0].Destroy()

	// logits_per_image is (1, labels)
	shape := outputs[0].GetShape()
	if len(shape) != 2 || shape[0] != 1 || shape[1] != lt.n {
		return nil, fmt.Errorf("unexpected logits shape: %v", shape)
	}

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}

	logits := make([]float32, lt.n)
	copy(logits, out.GetData())
	return logits, nil
}

// encodeLabels tokenizes a label set once and reuses the flattened tensors after.
func (m *Model) encodeLabels(labels []string) labelTokens {
	key := strings.Join(labels, "\x00")

	m.mu.Lock()
	defer m.mu.Unlock()

	if lt, ok := m.labels[key]; ok {
		return lt
	}

	ids, mask := m.tok.EncodeBatch(labels)
	lt := labelTokens{n: int64(len(ids)), width: int64(len(ids[0]))}
	for i := range ids {
		lt.ids = append(lt.ids, ids[i]...)
		lt.mask = append(lt.mask, mask[i]...)
	}
	m.labels[key] = lt
	return lt
}

// Close releases the inference session.
func (m *Model) Close() error {
	if m.session != nil {
		return m.session.Destroy()
	}
	return nil
}

// LibraryPath returns override when set, then ONNXRUNTIME_LIB_PATH, then the first
// platform default that exists.
func LibraryPath(override string) string {
	if override != "" {
		return override
	}
	if path := os.Getenv("ONNXRUNTIME_LIB_PATH"); path != "" {
		return path
	}

	// macOS: brew install onnxruntime
	// Linux: apt install libonnxruntime
	candidates := []string{
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"C:\\Program Files\\onnxruntime\\onnxruntime.dll",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	// let the library try to find it
	return "onnxruntime"
}
