// Package identity is the identity-provider external adapter: a
// cookie-session authenticated HTTPS client for user and group
// management, trusting a lab-internal root CA. A 401 triggers one
// re-authentication and retry; that session flag is the adapter's only
// mutable state, mutex-guarded since concurrent workflows share one
// Client.
package identity

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/sony/gobreaker/v2"
)

const requestTimeout = 10 * time.Second

// User mirrors the identity provider's user record.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// Group mirrors the identity provider's group record.
type Group struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

// Client performs the identity operations the coordinator consumes.
type Client interface {
	FindUser(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, u User) error
	GroupFind(ctx context.Context, name string) (*Group, error)
	GroupAddMember(ctx context.Context, group, username string) error
	GroupRemoveMember(ctx context.Context, group, username string) error
}

type httpClient struct {
	baseURL            string
	adminUser, adminPW string

	http *http.Client
	cb   *gobreaker.CircuitBreaker[*http.Response]

	mu            sync.Mutex
	authenticated bool
}

// New constructs a Client trusting rootCAPEM (PEM-encoded) in addition
// to the system pool.
func New(baseURL, adminUser, adminPW string, rootCAPEM []byte, breakerName string) (Client, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if len(rootCAPEM) > 0 {
		if !pool.AppendCertsFromPEM(rootCAPEM) {
			return nil, fmt.Errorf("identity: could not parse root CA PEM")
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: building cookie jar: %w", err)
	}

	transport := &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("identity-%s", breakerName),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
	}

	return &httpClient{
		baseURL:   baseURL,
		adminUser: adminUser,
		adminPW:   adminPW,
		http:      &http.Client{Timeout: requestTimeout, Jar: jar, Transport: transport},
		cb:        gobreaker.NewCircuitBreaker[*http.Response](settings),
	}, nil
}

func (c *httpClient) login(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{"username": c.adminUser, "password": c.adminPW})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("identity: building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Newf(apperrors.ErrTransportFailure, "identity_login", "%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrTransportFailure, "identity_login", "HTTP %d", resp.StatusCode)
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

// do executes req, authenticating first if no session cookie has been
// established yet, and retrying exactly once after a fresh login if
// the server responds 401.
func (c *httpClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	c.mu.Lock()
	needLogin := !c.authenticated
	c.mu.Unlock()
	if needLogin {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.attempt(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		return c.attempt(ctx, method, path, body)
	}
	return resp, nil
}

func (c *httpClient) attempt(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return c.cb.Execute(func() (*http.Response, error) {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("identity: building request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrTransportFailure, "identity_request", "%s %s: %v", method, path, err)
		}
		return resp, nil
	})
}

func (c *httpClient) FindUser(ctx context.Context, username string) (*User, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users/"+username, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrTransportFailure, "identity_find_user", "HTTP %d", resp.StatusCode)
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("identity: decoding user: %w", err)
	}
	return &u, nil
}

func (c *httpClient) CreateUser(ctx context.Context, u User) error {
	payload, _ := json.Marshal(u)
	resp, err := c.do(ctx, http.MethodPost, "/users", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apperrors.Newf(apperrors.ErrTransportFailure, "identity_create_user", "HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *httpClient) UpdateUser(ctx context.Context, u User) error {
	payload, _ := json.Marshal(u)
	resp, err := c.do(ctx, http.MethodPut, "/users/"+u.Username, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrTransportFailure, "identity_update_user", "HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *httpClient) GroupFind(ctx context.Context, name string) (*Group, error) {
	resp, err := c.do(ctx, http.MethodGet, "/groups/"+name, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrTransportFailure, "identity_group_find", "HTTP %d", resp.StatusCode)
	}
	var g Group
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, fmt.Errorf("identity: decoding group: %w", err)
	}
	return &g, nil
}

func (c *httpClient) GroupAddMember(ctx context.Context, group, username string) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/groups/%s/members/%s", group, username), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apperrors.Newf(apperrors.ErrTransportFailure, "identity_group_add_member", "HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *httpClient) GroupRemoveMember(ctx context.Context, group, username string) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/groups/%s/members/%s", group, username), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apperrors.Newf(apperrors.ErrTransportFailure, "identity_group_remove_member", "HTTP %d", resp.StatusCode)
	}
	return nil
}
