// Package llm abstracts the text-generation model behind the pipeline's
// analysis phases. The production implementation is AWS Bedrock (Claude);
// all data stays within AWS.
package llm

import (
	"context"
	"errors"
	"time"
)

// Options is the per-call parameter set. Explicit struct, no free-form maps.
type Options struct {
	System      string
	MaxTokens   int
	Temperature float64
	Stop        []string
	Timeout     time.Duration // hard deadline for the call; 0 means caller-managed
}

// Generator produces a completion for a prompt. Implementations must honor
// context cancellation and the Timeout option.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
	ModelID() string
}

// ErrEmptyCompletion is returned when the model answered with no text
// blocks. Treated as transient by the pipeline's retry policy.
var ErrEmptyCompletion = errors.New("llm: model returned an empty completion")
