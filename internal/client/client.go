// Package client implements the HTTP client for the admin API, used by
// the CLI key-management commands.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/voxgate/voxgate/internal/api"
)

type Client struct {
	BaseURL     string
	AdminSecret string
}

func NewClient(baseURL, adminSecret string) *Client {
	return &Client{
		BaseURL:     baseURL,
		AdminSecret: adminSecret,
	}
}

func (c *Client) IssueKey(name, description string) (*api.IssueKeyResponse, error) {
	body, err := json.Marshal(api.IssueKeyRequest{Name: name, Description: description})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", c.BaseURL+"/admin/keys", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Admin-Secret", c.AdminSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var result api.IssueKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListKeys() (*api.ListKeysResponse, error) {
	req, err := http.NewRequest("GET", c.BaseURL+"/admin/keys", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Admin-Secret", c.AdminSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var result api.ListKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RevokeKey(apiKey string) (*api.RevokeKeyResponse, error) {
	body, err := json.Marshal(api.RevokeKeyRequest{APIKey: apiKey})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", c.BaseURL+"/admin/keys/revoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Admin-Secret", c.AdminSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var result api.RevokeKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
