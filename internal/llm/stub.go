package llm

import (
	"context"
	"sync"
)

// StubCall records one Generate invocation made against a Stub.
type StubCall struct {
	Prompt string
	Opts   Options
}

// Stub is a scripted Generator for tests. Responses are consumed in order;
// the last one repeats once the script runs out. A non-nil Err short-circuits
// every call.
type Stub struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Model     string

	calls []StubCall
	next  int
}

func (s *Stub) ModelID() string {
	if s.Model == "" {
		return "stub-model"
	}
	return s.Model
}

func (s *Stub) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, StubCall{Prompt: prompt, Opts: opts})

	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Responses) == 0 {
		return "", ErrEmptyCompletion
	}
	i := s.next
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	s.next++
	return s.Responses[i], nil
}

// Calls returns a copy of the recorded invocations.
func (s *Stub) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}
