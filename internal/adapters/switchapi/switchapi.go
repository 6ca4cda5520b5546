// Package switchapi is the switch transport external adapter: an
// NX-API HTTP/JSON client sending CLI commands to an upstream switch.
// A thin net/http client kept strictly to the documented wire
// contract, with the same per-target circuit breaker as every other
// adapter.
package switchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/sony/gobreaker/v2"
)

const requestTimeout = 10 * time.Second

// Client issues CLI commands against one switch's NX-API endpoint.
type Client interface {
	RunCommand(ctx context.Context, switchHost, command string) (string, error)
}

type httpClient struct {
	username, password string
	http               *http.Client
	cb                 *gobreaker.CircuitBreaker[string]
}

// New constructs a Client authenticating with HTTP Basic auth.
func New(username, password, breakerName string) Client {
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("switch-%s", breakerName),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
	}
	return &httpClient{
		username: username,
		password: password,
		http:     &http.Client{Timeout: requestTimeout},
		cb:       gobreaker.NewCircuitBreaker[string](settings),
	}
}

type nxapiRequest struct {
	InsAPI nxapiInner `json:"ins_api"`
}

type nxapiInner struct {
	Version      string `json:"version"`
	Type         string `json:"type"`
	Chunk        string `json:"chunk"`
	SID          string `json:"sid"`
	OutputFormat string `json:"output_format"`
	Input        string `json:"input"`
}

// nxapiCode is the NX-API result code. Real switches are inconsistent
// about the field's JSON type and send both `"code": "200"` and
// `"code": 200`, so both forms unmarshal to the same string value.
type nxapiCode string

func (c *nxapiCode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = nxapiCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("nx-api code is neither string nor number: %s", data)
	}
	*c = nxapiCode(n.String())
	return nil
}

type nxapiResponse struct {
	InsAPI struct {
		Outputs struct {
			Output struct {
				Code nxapiCode       `json:"code"`
				Body json.RawMessage `json:"body"`
				Msg  string          `json:"msg"`
			} `json:"output"`
		} `json:"outputs"`
	} `json:"ins_api"`
}

// RunCommand POSTs command to http://<switchHost>/ins, and treats HTTP
// 200 plus (code == "200" or the code field being entirely absent, for
// free-form text responses) as success.
func (c *httpClient) RunCommand(ctx context.Context, switchHost, command string) (string, error) {
	return c.cb.Execute(func() (string, error) {
		return c.runOnce(ctx, switchHost, command)
	})
}

func (c *httpClient) runOnce(ctx context.Context, switchHost, command string) (string, error) {
	body := nxapiRequest{InsAPI: nxapiInner{
		Version:      "1.0",
		Type:         "cli_show",
		Chunk:        "0",
		SID:          "1",
		OutputFormat: "json",
		Input:        command,
	}}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding nx-api request: %w", err)
	}

	url := fmt.Sprintf("http://%s/ins", switchHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building nx-api request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrTransportFailure, "switch_cmd", "%s: %v", switchHost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.Newf(apperrors.ErrTransportFailure, "switch_cmd", "%s: HTTP %d", switchHost, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrTransportFailure, "switch_cmd", "%s: reading response: %v", switchHost, err)
	}

	if !json.Valid(raw) {
		// A genuinely free-form text body (no JSON envelope, no code
		// field) is itself a success; return it for verification reads.
		return string(raw), nil
	}

	var parsed nxapiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", apperrors.Newf(apperrors.ErrTransportFailure, "switch_cmd", "%s: malformed nx-api response: %v", switchHost, err)
	}
	code := parsed.InsAPI.Outputs.Output.Code
	if code != "" && code != "200" {
		return "", apperrors.Newf(apperrors.ErrTransportFailure, "switch_cmd", "%s: nx-api code %s: %s", switchHost, code, parsed.InsAPI.Outputs.Output.Msg)
	}
	respBody := parsed.InsAPI.Outputs.Output.Body
	if len(respBody) == 0 {
		return "", nil
	}
	// The body is free-text for cli_show commands; strip the JSON string
	// quoting when present so callers see the raw text.
	var text string
	if err := json.Unmarshal(respBody, &text); err == nil {
		return text, nil
	}
	return string(respBody), nil
}
