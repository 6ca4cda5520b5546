package switchapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/labforge/labctl/internal/apperrors"
)

// MockClient records every command issued, per switch host, for tests.
type MockClient struct {
	mu       sync.Mutex
	Commands map[string][]string
	// FailHosts forces RunCommand to fail for the named switch host.
	FailHosts map[string]bool
}

// NewMock constructs a MockClient.
func NewMock() *MockClient {
	return &MockClient{
		Commands:  map[string][]string{},
		FailHosts: map[string]bool{},
	}
}

func (m *MockClient) RunCommand(ctx context.Context, switchHost, command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[switchHost] {
		return "", apperrors.New(apperrors.ErrTransportFailure, "switch_mock", switchHost)
	}
	m.Commands[switchHost] = append(m.Commands[switchHost], command)
	return fmt.Sprintf("ok: %s", command), nil
}
