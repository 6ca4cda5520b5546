package installer

import (
	"context"
	"sync"

	"github.com/labforge/labctl/internal/apperrors"
)

// MockClient tracks the last config set per host, for tests.
type MockClient struct {
	mu        sync.Mutex
	Configs   map[string]Config
	FailHosts map[string]bool
}

func NewMock() *MockClient {
	return &MockClient{Configs: map[string]Config{}, FailHosts: map[string]bool{}}
}

func (m *MockClient) SetConfig(ctx context.Context, hostFQDN string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[hostFQDN] {
		return apperrors.New(apperrors.ErrTransportFailure, "installer_mock", hostFQDN)
	}
	m.Configs[hostFQDN] = cfg
	return nil
}

func (m *MockClient) ClearConfig(ctx context.Context, hostFQDN string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[hostFQDN] {
		return apperrors.New(apperrors.ErrTransportFailure, "installer_mock", hostFQDN)
	}
	delete(m.Configs, hostFQDN)
	return nil
}
