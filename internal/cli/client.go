// Package cli is the HTTP client and output formatting behind chatctl.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for the server at baseURL. token, if set, is
// sent as a bearer token and decides the author of posted messages.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Health() (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/v1/health", nil, http.StatusOK)
}

func (c *Client) GetStats() (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/v1/stats", nil, http.StatusOK)
}

func (c *Client) ListScripts() (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/v1/scripts", nil, http.StatusOK)
}

func (c *Client) RegisterScript(name, path, description, pattern string) (map[string]interface{}, error) {
	body := map[string]string{
		"name":            name,
		"path":            path,
		"description":     description,
		"command_pattern": pattern,
	}
	return c.do(http.MethodPost, "/api/v1/scripts", body, http.StatusCreated)
}

func (c *Client) GetScript(name string) (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/v1/scripts/"+url.PathEscape(name), nil, http.StatusOK)
}

func (c *Client) DeactivateScript(name string) (map[string]interface{}, error) {
	return c.do(http.MethodDelete, "/api/v1/scripts/"+url.PathEscape(name), nil, http.StatusOK)
}

func (c *Client) GetTask(id int64) (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/v1/tasks/"+strconv.FormatInt(id, 10), nil, http.StatusOK)
}

func (c *Client) ListMessages(room string, limit int) (map[string]interface{}, error) {
	query := url.Values{}
	if room != "" {
		query.Set("room_id", room)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(http.MethodGet, path, nil, http.StatusOK)
}

func (c *Client) SendMessage(room, content string) (map[string]interface{}, error) {
	body := map[string]string{"content": content, "room_id": room}
	return c.do(http.MethodPost, "/api/v1/messages", body, http.StatusCreated)
}

func (c *Client) do(method, path string, body interface{}, want int) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(bytes.TrimSpace(data)))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return result, nil
}
