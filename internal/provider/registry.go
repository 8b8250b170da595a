package provider

import (
	"context"
	"io"
	"sync"

	"github.com/omnigate/backend/internal/errcode"
)

// Registry holds the configured adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under name, replacing any previous one.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, errcode.New(errcode.ProviderUnavailable, "provider %q is not configured", name)
	}
	return a, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// NativeAdapter is the placeholder for claude-code agents, which run on
// the native agent runtime rather than over an HTTP provider. Any attempt
// to dispatch through it is a routing mistake.
type NativeAdapter struct{}

func (NativeAdapter) Type() string { return TypeClaudeCode }

func (NativeAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	return nil, errcode.New(errcode.NativeRuntimeRequired,
		"model %s runs on the native runtime and cannot be invoked over HTTP", req.Model)
}

func (NativeAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	return nil, errcode.New(errcode.NativeRuntimeRequired,
		"model %s runs on the native runtime and cannot be invoked over HTTP", req.Model)
}

// BufferStream adapts a fixed result into a Stream, used by tests and by
// strategies that buffer before forwarding.
type BufferStream struct {
	chunks []Chunk
	pos    int
}

// NewBufferStream wraps chunks in a Stream.
func NewBufferStream(chunks ...Chunk) *BufferStream {
	return &BufferStream{chunks: chunks}
}

func (b *BufferStream) Next() (Chunk, error) {
	if b.pos >= len(b.chunks) {
		return Chunk{}, io.EOF
	}
	c := b.chunks[b.pos]
	b.pos++
	return c, nil
}

func (b *BufferStream) Close() error { return nil }
