// Package installer is the OS installer external adapter: a key-value
// configuration upsert client against the lab's PXE/Cobbler-style
// install server. Retry is driven by internal/workflow; this package
// only needs to surface apperrors.ErrTransportFailure consistently for
// it to act on.
package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/sony/gobreaker/v2"
)

const requestTimeout = 15 * time.Second

// Config is the per-host record the installer tracks.
type Config struct {
	Distro             string `json:"distro"`
	KernelArgs         string `json:"kernel_args"`
	CIUserDataURL      string `json:"ci-user-data-url"`
	PostInstallHookURL string `json:"post-install-hook-url"`
}

// Client upserts and clears a host's install-time configuration.
type Client interface {
	SetConfig(ctx context.Context, hostFQDN string, cfg Config) error
	ClearConfig(ctx context.Context, hostFQDN string) error
}

type httpClient struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[struct{}]
}

// New constructs a Client against the installer's base URL
// (e.g. "http://cobbler.lab.internal").
func New(baseURL, breakerName string) Client {
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("installer-%s", breakerName),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
	}
	return &httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		cb:      gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

func (c *httpClient) SetConfig(ctx context.Context, hostFQDN string, cfg Config) error {
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.put(ctx, hostFQDN, cfg)
	})
	return err
}

func (c *httpClient) ClearConfig(ctx context.Context, hostFQDN string) error {
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.put(ctx, hostFQDN, Config{})
	})
	return err
}

func (c *httpClient) put(ctx context.Context, hostFQDN string, cfg Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding installer config: %w", err)
	}

	url := fmt.Sprintf("%s/systems/%s/config", c.baseURL, hostFQDN)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building installer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Newf(apperrors.ErrTransportFailure, "installer_set", "%s: %v", hostFQDN, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Newf(apperrors.ErrTransportFailure, "installer_set", "%s: HTTP %d", hostFQDN, resp.StatusCode)
	}
	return nil
}
