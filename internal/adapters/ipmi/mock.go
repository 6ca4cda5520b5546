package ipmi

import (
	"context"
	"sync"

	"github.com/labforge/labctl/internal/apperrors"
)

// MockClient is an in-memory Client for tests.
type MockClient struct {
	mu    sync.Mutex
	power map[string]PowerState
	users map[string]map[string]string // fqdn -> username -> password
	boot  map[string]BootDevice
	// FailHosts makes every command fail for the named BMCs, simulating
	// dead hardware.
	FailHosts map[string]bool
}

// NewMock constructs a MockClient with every host initially powered
// off.
func NewMock() *MockClient {
	return &MockClient{
		power:     map[string]PowerState{},
		users:     map[string]map[string]string{},
		boot:      map[string]BootDevice{},
		FailHosts: map[string]bool{},
	}
}

func (m *MockClient) SetBoot(ctx context.Context, ep Endpoint, device BootDevice, persistent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[ep.FQDN] {
		return apperrors.New(apperrors.ErrTransportFailure, "ipmi_mock", ep.FQDN)
	}
	m.boot[ep.FQDN] = device
	return nil
}

func (m *MockClient) PowerOn(ctx context.Context, ep Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[ep.FQDN] {
		return apperrors.New(apperrors.ErrTransportFailure, "ipmi_mock", ep.FQDN)
	}
	m.power[ep.FQDN] = PowerOn
	return nil
}

func (m *MockClient) PowerOff(ctx context.Context, ep Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[ep.FQDN] {
		return apperrors.New(apperrors.ErrTransportFailure, "ipmi_mock", ep.FQDN)
	}
	m.power[ep.FQDN] = PowerOff
	return nil
}

func (m *MockClient) PowerStatus(ctx context.Context, ep Endpoint) (PowerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[ep.FQDN] {
		return PowerUnknown, apperrors.New(apperrors.ErrTransportFailure, "ipmi_mock", ep.FQDN)
	}
	s, ok := m.power[ep.FQDN]
	if !ok {
		return PowerOff, nil
	}
	return s, nil
}

func (m *MockClient) CreateUser(ctx context.Context, ep Endpoint, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHosts[ep.FQDN] {
		return apperrors.New(apperrors.ErrTransportFailure, "ipmi_mock", ep.FQDN)
	}
	if m.users[ep.FQDN] == nil {
		m.users[ep.FQDN] = map[string]string{}
	}
	m.users[ep.FQDN][username] = password
	return nil
}
