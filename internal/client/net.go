package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/estuary/internal/message"
)

// NetworkError wraps a transport failure. Callers retry; nothing is recovered
// locally.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "client: network failure: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.serverURL, "/") + path
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte) (int, []byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	return c.send(ctx, request)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	target := c.endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Accept", "application/json")
	return c.send(ctx, request)
}

func (c *Client) send(ctx context.Context, request *http.Request) (int, []byte, error) {
	if c.authEnabled {
		token, err := c.bearerToken(ctx)
		if err != nil {
			return 0, nil, err
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, &NetworkError{Err: err}
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return 0, nil, &NetworkError{Err: err}
	}
	return response.StatusCode, body, nil
}

// bearerToken exchanges the node credentials for a JWT once and caches it
// until a push is refused with 401 or the node registers again.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	node, err := c.node()
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]any{
		"node_id": node.ID,
		"secret":  node.Secret,
	})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/token"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	if response.StatusCode != http.StatusOK {
		return "", &message.AuthError{Reason: fmt.Sprintf("token exchange refused with status %d", response.StatusCode)}
	}
	var decoded struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", err
	}
	c.token = decoded.AccessToken
	return c.token, nil
}

// invalidateToken clears the cached bearer token after a 401.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
}

// decodeError turns a non-200 response body into a typed protocol error.
func decodeError(status int, body []byte) error {
	var envelope message.ErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		return envelope.ErrorFromEnvelope()
	}
	return fmt.Errorf("client: server answered with status %d", status)
}
