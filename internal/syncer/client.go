package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized indicates the server refused the credentials or token.
var ErrUnauthorized = errors.New("the server rejected the credentials")

// Client speaks the remote authority's JSON contract.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("syncer: server base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: trimmed, httpClient: httpClient}, nil
}

// Login exchanges credentials for a signed session token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var response LoginResponse
	err := c.call(ctx, http.MethodPost, "/api/login", "", LoginRequest{Username: username, Password: password}, &response)
	if err != nil {
		return "", err
	}
	if response.Token == "" {
		return "", errors.New("syncer: login response carried no token")
	}
	return response.Token, nil
}

// Sync pushes one batch of pending changes and returns the server verdict.
func (c *Client) Sync(ctx context.Context, token string, request SyncRequest) (SyncResponse, error) {
	var response SyncResponse
	err := c.call(ctx, http.MethodPost, "/api/sync", token, request, &response)
	return response, err
}

// Bootstrap fetches the complete authoritative dataset.
func (c *Client) Bootstrap(ctx context.Context, token string) (BootstrapResponse, error) {
	var response BootstrapResponse
	err := c.call(ctx, http.MethodGet, "/api/bootstrap", token, nil, &response)
	return response, err
}

func (c *Client) call(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("syncer: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("syncer: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("syncer: %s %s: status %d: %s", method, path, response.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("syncer: decode response: %w", err)
	}
	return nil
}
