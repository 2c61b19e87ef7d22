// Package apiclient talks to a running renderd over HTTP.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/handler"
	"renderd/internal/httpkit"
	"renderd/internal/pkg/errors"
)

// DefaultTimeout covers a full render plus a worker respawn.
const DefaultTimeout = 10 * time.Minute

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Render asks the server for one synchronous render.
func (c *Client) Render(ctx context.Context, seconds float64) (contracts.Result, error) {
	ev := handler.Event{Input: handler.Input{Seconds: &seconds, Endpoint: handler.EndpointGenerateVideo}}

	var out struct {
		ID     string           `json:"id"`
		Status string           `json:"status"`
		Output contracts.Result `json:"output"`
	}
	if err := c.do(ctx, http.MethodPost, "/runsync", ev, &out); err != nil {
		return contracts.Result{}, err
	}
	return out.Output, nil
}

func (c *Client) Health(ctx context.Context) (contracts.HealthStatus, error) {
	var out contracts.HealthStatus
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "apiclient."+strings.Trim(path, "/"), "renderd unreachable")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return decodeErr(res)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrap(err, "apiclient.decode", "invalid response body")
	}
	return nil
}

func decodeErr(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, httpkit.MaxBodyBytes))

	var env httpkit.ErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		return errors.Newf(errors.CodeInternal, "renderd http %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return errors.New(errors.Code(env.Error.Code), env.Error.Message).
		WithFields(env.Error.Details).
		WithField("http_status", res.StatusCode)
}
