// Package testutil provides shared test helpers, mocks, and utilities for Warden tests.
package testutil

import (
	"context"
	"sync"

	"github.com/dativo-io/warden/internal/llm"
)

// MockBackend implements llm.Backend without live calls. When Content is
// empty, Generate echoes the prompt. Set Err to simulate backend failures.
type MockBackend struct {
	mu sync.Mutex

	Content     string
	InputUnits  int
	OutputUnits int
	Cost        float64
	Err         error

	Calls    int
	Requests []llm.Request
}

// Generate returns a canned response or the configured error.
func (m *MockBackend) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.Requests = append(m.Requests, *req)
	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "echo: " + req.Prompt
	}
	in, out := m.InputUnits, m.OutputUnits
	if in == 0 && out == 0 {
		in, out = 10, 20
	}
	return &llm.Response{
		Content: content,
		Usage:   llm.Usage{InputUnits: in, OutputUnits: out},
		Cost:    m.Cost,
	}, nil
}

// CallCount returns the number of Generate calls so far.
func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
