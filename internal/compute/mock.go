package compute

import (
	"context"
	"sync"

	"github.com/open-notebook/vmgate/internal/api"
)

// MockClient implements the Client interface for testing.
type MockClient struct {
	mu sync.Mutex

	RawStatus  string
	StatusErr  error
	StartErr   error
	SuspendErr error

	StatusCalls  int
	StartCalls   int
	SuspendCalls int

	StatusFn func(ctx context.Context) (string, error)
}

func NewMockClient(rawStatus string) *MockClient {
	return &MockClient{RawStatus: rawStatus}
}

func (m *MockClient) Status(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls++
	if m.StatusFn != nil {
		return m.StatusFn(ctx)
	}
	if m.StatusErr != nil {
		return "", m.StatusErr
	}
	return m.RawStatus, nil
}

func (m *MockClient) Start(ctx context.Context) (*StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	previous := m.RawStatus
	if previous == RawRunning {
		return &StartResult{Previous: previous}, nil
	}
	action := "start"
	if previous == RawSuspended || previous == RawSuspending {
		action = "resume"
	}
	m.RawStatus = RawProvisioning
	return &StartResult{
		Previous:  previous,
		Action:    action,
		Operation: &api.Operation{Name: "operation-1", Status: "PENDING", OperationType: action},
	}, nil
}

func (m *MockClient) Suspend(ctx context.Context) (*StopResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SuspendCalls++
	if m.SuspendErr != nil {
		return nil, m.SuspendErr
	}
	previous := m.RawStatus
	if previous == RawTerminated || previous == RawStopping {
		return &StopResult{Previous: previous}, nil
	}
	m.RawStatus = RawSuspending
	return &StopResult{
		Previous:  previous,
		Action:    "suspend",
		Operation: &api.Operation{Name: "operation-2", Status: "PENDING", OperationType: "suspend"},
	}, nil
}

// SetRawStatus changes the status returned by subsequent Status calls.
func (m *MockClient) SetRawStatus(raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RawStatus = raw
}
