package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

// Published is one call recorded by MockPublisher.
type Published struct {
	Model    string
	Filename string
	Tensors  []tensor.Named
	Meta     map[string]string
}

// MockPublisher keeps published shards in memory for tests.
type MockPublisher struct {
	mu     sync.RWMutex
	closed bool
	calls  []Published

	// FailOn makes Publish return an error for that filename.
	FailOn string
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, model, filename string, tensors []tensor.Named, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("publisher closed")
	}
	if filename == m.FailOn {
		return fmt.Errorf("injected failure for %s", filename)
	}
	m.calls = append(m.calls, Published{Model: model, Filename: filename, Tensors: tensors, Meta: meta})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns a copy of everything published so far.
func (m *MockPublisher) Calls() []Published {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Published, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
