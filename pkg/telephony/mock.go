package telephony

import (
	"context"
	"fmt"
	"sync"

	"github.com/teslashibe/go-callrelay/pkg/session"
)

// Mock is a mock implementation of Client for testing.
type Mock struct {
	mu sync.Mutex

	// Configurable behavior
	PlaceCallFunc func(ctx context.Context, creds session.Credentials, p PlaceCallParams) (string, error)
	HangupFunc    func(ctx context.Context, creds session.Credentials, callSid string) error
	SayFunc       func(ctx context.Context, creds session.Credentials, callSid, text string) error

	// Captured calls for assertions
	Placed  []PlaceCallParams
	HungUp  []string
	Said    map[string]string
	counter int
}

// NewMock creates a new Mock client.
func NewMock() *Mock {
	return &Mock{Said: make(map[string]string)}
}

// PlaceCall implements Client. Without a PlaceCallFunc it returns
// sequential SIDs CA0001, CA0002 and so on.
func (m *Mock) PlaceCall(ctx context.Context, creds session.Credentials, p PlaceCallParams) (string, error) {
	m.mu.Lock()
	m.Placed = append(m.Placed, p)
	m.counter++
	n := m.counter
	m.mu.Unlock()

	if m.PlaceCallFunc != nil {
		return m.PlaceCallFunc(ctx, creds, p)
	}
	return fmt.Sprintf("CA%04d", n), nil
}

// Hangup implements Client.
func (m *Mock) Hangup(ctx context.Context, creds session.Credentials, callSid string) error {
	m.mu.Lock()
	m.HungUp = append(m.HungUp, callSid)
	m.mu.Unlock()

	if m.HangupFunc != nil {
		return m.HangupFunc(ctx, creds, callSid)
	}
	return nil
}

// Say implements Client.
func (m *Mock) Say(ctx context.Context, creds session.Credentials, callSid, text string) error {
	m.mu.Lock()
	m.Said[callSid] = text
	m.mu.Unlock()

	if m.SayFunc != nil {
		return m.SayFunc(ctx, creds, callSid, text)
	}
	return nil
}

// PlacedCount returns how many calls were placed.
func (m *Mock) PlacedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Placed)
}

// HungUpCount returns how many hangups were requested.
func (m *Mock) HungUpCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.HungUp)
}

// SaidTo returns the text spoken on callSid, if any.
func (m *Mock) SaidTo(callSid string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.Said[callSid]
	return text, ok
}
