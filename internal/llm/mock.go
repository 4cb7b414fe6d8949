package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock implements Client for testing. Responses are returned in order; the
// last one repeats once the script runs out.
type Mock struct {
	mu        sync.Mutex
	responses []*ChatResponse
	calls     []ChatRequest
	err       error
}

// NewMock creates a scripted mock client.
func NewMock(responses ...*ChatResponse) *Mock {
	return &Mock{responses: responses}
}

// FailWith makes every Chat call return err.
func (m *Mock) FailWith(err error) *Mock {
	m.err = err
	return m
}

func (m *Mock) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock: no scripted responses")
	}
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	resp := m.responses[idx]
	resp.Usage = Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}
	return resp, nil
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many Chat calls were made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *Mock) Model() string                 { return "mock-model" }
func (m *Mock) Provider() string              { return "mock" }
func (m *Mock) EstimateCost(_ Usage) float64  { return 0 }
