package emotion

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
)

// ModelHolder builds a Matcher on first use and shares it afterwards.
//
// Concurrent first callers block on the same construction. A failed construction
// is not remembered, so the next call tries again. After Close every call fails
// with ErrHolderClosed.
type ModelHolder struct {
	build func(context.Context) (Matcher, error)

	mu     sync.Mutex
	m      atomic.Pointer[matcherBox]
	closed atomic.Bool

	// inUse is read-held for each Match and write-held by Close.
	inUse sync.RWMutex
}

// ErrHolderClosed is returned by a ModelHolder after Close.
var ErrHolderClosed = errors.New("emotion: model holder closed")

type matcherBox struct{ m Matcher }

// NewModelHolder returns a holder that calls build at most once successfully.
func NewModelHolder(build func(context.Context) (Matcher, error)) *ModelHolder {
	return &ModelHolder{build: build}
}

// Get returns the shared Matcher, building it if needed.
func (h *ModelHolder) Get(ctx context.Context) (Matcher, error) {
	if h.closed.Load() {
		return nil, ErrHolderClosed
	}
	if b := h.m.Load(); b != nil {
		return b.m, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, ErrHolderClosed
	}
	if b := h.m.Load(); b != nil {
		return b.m, nil
	}

	m, err := h.build(ctx)
	if err != nil {
		return nil, err
	}
	h.m.Store(&matcherBox{m: m})
	return m, nil
}

// Loaded reports whether the Matcher has been built.
func (h *ModelHolder) Loaded() bool {
	return h.m.Load() != nil
}

// Match implements Matcher by delegating to the shared instance.
func (h *ModelHolder) Match(ctx context.Context, img image.Image, labels []string) ([]float32, error) {
	h.inUse.RLock()
	defer h.inUse.RUnlock()

	m, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return m.Match(ctx, img, labels)
}

// Close waits for running matches, then releases the Matcher if it was built
// and is closable. Close is idempotent.
func (h *ModelHolder) Close() error {
	h.closed.Store(true)

	h.inUse.Lock()
	defer h.inUse.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.m.Swap(nil)
	if b == nil {
		return nil
	}
	if c, ok := b.m.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
