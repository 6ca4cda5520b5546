// Package ipmi is the IPMI external adapter: an out-of-process
// ipmitool-compatible CLI transport for chassis power control, with a
// per-BMC circuit breaker and a transport-level retry (3 retries, 5s
// spacing) independent of the workflow-layer retry budget.
package ipmi

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/labforge/labctl/internal/apperrors"
	"github.com/sony/gobreaker/v2"
)

// PowerState is the parsed chassis power state.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerReset   PowerState = "reset" // transient; pollers continue through it
	PowerUnknown PowerState = "unknown"
)

// Endpoint carries the credentials for one host's BMC.
type Endpoint struct {
	FQDN     string
	Username string
	Password string
}

// BootDevice is the persistent or one-shot boot target set via
// SetBoot.
type BootDevice string

const (
	BootNetwork      BootDevice = "pxe"
	BootDisk         BootDevice = "disk"
	BootSpecificDisk BootDevice = "disk_sdb" // eve image variant boots a named disk
)

// Client issues chassis power commands against a single host's BMC.
type Client interface {
	PowerOn(ctx context.Context, ep Endpoint) error
	PowerOff(ctx context.Context, ep Endpoint) error
	PowerStatus(ctx context.Context, ep Endpoint) (PowerState, error)
	// SetBoot sets the next-boot device. persistent makes the setting
	// survive more than one power cycle.
	SetBoot(ctx context.Context, ep Endpoint, device BootDevice, persistent bool) error
	// CreateUser provisions a booking-scoped IPMI account on the BMC.
	CreateUser(ctx context.Context, ep Endpoint, username, password string) error
}

const (
	attemptTimeout = 240 * time.Second
	retryCount     = 3
	retrySpacing   = 5 * time.Second
)

// cliClient shells out to `ipmitool`-compatible binaries.
type cliClient struct {
	binary string
	cb     *gobreaker.CircuitBreaker[string]
}

// New constructs a Client. breakerName namespaces the circuit breaker's
// counters, typically the host's FQDN, so one dead BMC doesn't trip the
// breaker for every other host.
func New(binary string, breakerName string) Client {
	if binary == "" {
		binary = "ipmitool"
	}
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("ipmi-%s", breakerName),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &cliClient{binary: binary, cb: gobreaker.NewCircuitBreaker[string](settings)}
}

func (c *cliClient) run(ctx context.Context, ep Endpoint, subcommand ...string) (string, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retrySpacing), retryCount), ctx)

	var out string
	err := backoff.Retry(func() error {
		result, err := c.cb.Execute(func() (string, error) {
			return c.runOnce(ctx, ep, subcommand...)
		})
		if err != nil {
			return err
		}
		out = result
		return nil
	}, bo)
	return out, err
}

func (c *cliClient) runOnce(ctx context.Context, ep Endpoint, subcommand ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	args := append([]string{"-I", "lanplus", "-C", "3", "-H", ep.FQDN, "-U", ep.Username, "-P", ep.Password}, subcommand...)
	cmd := exec.CommandContext(cctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	text := string(output)

	if strings.Contains(text, "Unable to establish IPMI") {
		return "", apperrors.Newf(apperrors.ErrTransportFailure, "ipmi", "unreachable: %s", ep.FQDN)
	}
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrTransportFailure, "ipmi", "command failed: %v: %s", err, text)
	}
	return text, nil
}

func (c *cliClient) PowerOn(ctx context.Context, ep Endpoint) error {
	_, err := c.run(ctx, ep, "chassis", "power", "on")
	return err
}

func (c *cliClient) PowerOff(ctx context.Context, ep Endpoint) error {
	_, err := c.run(ctx, ep, "chassis", "power", "off")
	return err
}

func (c *cliClient) PowerStatus(ctx context.Context, ep Endpoint) (PowerState, error) {
	text, err := c.run(ctx, ep, "chassis", "power", "status")
	if err != nil {
		return PowerUnknown, err
	}
	switch {
	case strings.Contains(text, "Chassis Power is on"):
		return PowerOn, nil
	case strings.Contains(text, "Chassis Power is off"):
		return PowerOff, nil
	case strings.Contains(text, "Reset"):
		return PowerReset, nil
	default:
		return PowerUnknown, nil
	}
}

func (c *cliClient) SetBoot(ctx context.Context, ep Endpoint, device BootDevice, persistent bool) error {
	args := []string{"chassis", "bootdev", string(device)}
	if persistent {
		args = append(args, "options=persistent")
	}
	_, err := c.run(ctx, ep, args...)
	return err
}

func (c *cliClient) CreateUser(ctx context.Context, ep Endpoint, username, password string) error {
	// ipmitool user set name/password flow: find a free user slot,
	// then assign name/password/privilege. Slot 4 is conventionally
	// free on freshly-imaged BMCs in this lab fleet.
	const slot = "4"
	if _, err := c.run(ctx, ep, "user", "set", "name", slot, username); err != nil {
		return err
	}
	if _, err := c.run(ctx, ep, "user", "set", "password", slot, password); err != nil {
		return err
	}
	_, err := c.run(ctx, ep, "user", "priv", slot, "4", "1")
	return err
}
