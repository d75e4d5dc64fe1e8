// Package llm defines the narrow generation contract Warden consumes from a
// language-model backend, and the price table used to cost generation and
// tool calls.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutGenerate bounds a single Generate call made through Warden.
const TimeoutGenerate = 60 * time.Second

var (
	// ErrUnknownTier is returned when a tier name has no configured model.
	ErrUnknownTier = errors.New("unknown tier")
	// ErrEmptyPrompt is returned for requests without a prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// Backend is the only capability Warden needs from a model provider.
// Provider wire formats live behind implementations of this interface.
type Backend interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one generation call. Model may be a concrete model identifier
// or a tier name ("fast", "balanced", "powerful").
type Request struct {
	Prompt      string
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
}

// Usage counts units consumed by a generation call.
type Usage struct {
	InputUnits  int `json:"input_units"`
	OutputUnits int `json:"output_units"`
}

// Response is the backend's answer.
type Response struct {
	Content string  `json:"content"`
	Usage   Usage   `json:"usage"`
	Cost    float64 `json:"cost"`
	Cached  bool    `json:"cached"`
}
