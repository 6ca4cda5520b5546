package identity

import (
	"context"
	"sync"
)

// MockClient is an in-memory Client for tests.
type MockClient struct {
	mu     sync.Mutex
	users  map[string]User
	groups map[string]*Group
}

func NewMock() *MockClient {
	return &MockClient{users: map[string]User{}, groups: map[string]*Group{}}
}

func (m *MockClient) FindUser(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[username]; ok {
		return &u, nil
	}
	return nil, nil
}

func (m *MockClient) CreateUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = u
	return nil
}

func (m *MockClient) UpdateUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = u
	return nil
}

func (m *MockClient) GroupFind(ctx context.Context, name string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[name], nil
}

func (m *MockClient) GroupAddMember(ctx context.Context, group, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		g = &Group{Name: group}
		m.groups[group] = g
	}
	for _, member := range g.Members {
		if member == username {
			return nil
		}
	}
	g.Members = append(g.Members, username)
	return nil
}

func (m *MockClient) GroupRemoveMember(ctx context.Context, group, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return nil
	}
	filtered := g.Members[:0]
	for _, member := range g.Members {
		if member != username {
			filtered = append(filtered, member)
		}
	}
	g.Members = filtered
	return nil
}
