// Package deepseek talks to the DeepSeek chat-completions endpoint and
// decodes its event-stream responses.
package deepseek

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"pretackler/retry"
)

const (
	DefaultEndpoint = "https://api.deepseek.com/chat/completions"
	DefaultModel    = "deepseek-chat"

	// cap on how much of an error response body is read back for reporting
	maxErrorBodyBytes = 16 * 1024
)

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient builds a client with the given connect timeout. Overall request
// deadlines are applied per attempt by the caller through the context.
func NewClient(apiKey string, connectTimeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &Client{
		endpoint: DefaultEndpoint,
		apiKey:   apiKey,
		http:     &http.Client{Transport: transport},
	}
}

// WithEndpoint redirects the client, primarily for test servers.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

// StreamCompletion issues the streaming chat request and hands back the open
// response for the caller to drain. Non-2xx statuses are drained, closed and
// returned as *retry.HTTPStatusError so the retry policy can classify them.
func (c *Client) StreamCompletion(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding chat request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, &retry.HTTPStatusError{Status: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}
