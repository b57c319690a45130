// Package commands implements the p2pctl CLI commands.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// errorResponse mirrors internal/admin's JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// sessionView mirrors internal/admin's session JSON rendering.
type sessionView struct {
	ID            uint64   `json:"id"`
	RemoteAddress string   `json:"remote_address"`
	Type          string   `json:"type"`
	OpenProtocols []uint32 `json:"open_protocols"`
}

// adminClient is a thin HTTP client for the p2pd admin control surface.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(addr string) *adminClient {
	return &adminClient{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *adminClient) sessions() ([]sessionView, error) {
	var out []sessionView
	if err := c.get("/v1/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) listeners() ([]string, error) {
	var out []string
	if err := c.get("/v1/listeners", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) dial(address string) error {
	return c.post("/v1/dial", map[string]string{"address": address}, nil)
}

func (c *adminClient) listen(address string) error {
	return c.post("/v1/listen", map[string]string{"address": address}, nil)
}

func (c *adminClient) disconnect(sessionID uint64) error {
	return c.post("/v1/disconnect", map[string]uint64{"session_id": sessionID}, nil)
}

func (c *adminClient) shutdown(quick bool) error {
	return c.post("/v1/shutdown", map[string]bool{"quick": quick}, nil)
}

func (c *adminClient) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("admin client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func (c *adminClient) post(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("admin client: marshal request: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("admin client: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		var errResp errorResponse
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("admin client: %s", errResp.Error)
		}
		return fmt.Errorf("admin client: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("admin client: decode response: %w", err)
	}

	return nil
}
