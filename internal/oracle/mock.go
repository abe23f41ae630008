package oracle

import (
	"context"
	"errors"
	"sync"
)

// MockResponse is one canned answer for the Mock oracle.
type MockResponse struct {
	Text string
	Err  error
}

// TurnCall records one GenerateTurn invocation.
type TurnCall struct {
	System  string
	History []Message
}

// ScoreCall records one GenerateScore invocation.
type ScoreCall struct {
	System     string
	Transcript string
}

// Mock is a deterministic in-memory oracle for tests. Canned responses
// are consumed in FIFO order per surface, and every call is recorded.
// An exhausted queue yields an error, which exercises the callers'
// fallback paths.
type Mock struct {
	mu     sync.Mutex
	turns  []MockResponse
	scores []MockResponse

	TurnCalls  []TurnCall
	ScoreCalls []ScoreCall
}

// NewMock creates an empty Mock; queue responses with AddTurn/AddScore.
func NewMock() *Mock {
	return &Mock{}
}

// AddTurn queues a canned turn response.
func (m *Mock) AddTurn(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, MockResponse{Text: text, Err: err})
}

// AddScore queues a canned scoring response.
func (m *Mock) AddScore(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, MockResponse{Text: text, Err: err})
}

// GenerateTurn pops the next canned turn response.
func (m *Mock) GenerateTurn(_ context.Context, system string, history []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TurnCalls = append(m.TurnCalls, TurnCall{
		System:  system,
		History: append([]Message(nil), history...),
	})

	if len(m.turns) == 0 {
		return "", errors.New("mock oracle: no canned turn response")
	}
	resp := m.turns[0]
	m.turns = m.turns[1:]
	return resp.Text, resp.Err
}

// GenerateScore pops the next canned scoring response.
func (m *Mock) GenerateScore(_ context.Context, system, transcript string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ScoreCalls = append(m.ScoreCalls, ScoreCall{System: system, Transcript: transcript})

	if len(m.scores) == 0 {
		return "", errors.New("mock oracle: no canned score response")
	}
	resp := m.scores[0]
	m.scores = m.scores[1:]
	return resp.Text, resp.Err
}

// TurnCallCount returns the number of GenerateTurn calls made.
func (m *Mock) TurnCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TurnCalls)
}

// ScoreCallCount returns the number of GenerateScore calls made.
func (m *Mock) ScoreCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ScoreCalls)
}
