package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// client is a minimal JSON client for the daemon control plane.
type client struct {
	base string
	http *http.Client
}

func newClient() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, userErr("loading config: %v", err)
	}
	return &client{
		base: "http://" + cfg.HTTPAddr,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do performs a request; in carries the JSON body, out receives the
// decoded response. A connection failure is a backend error (exit 2);
// a 4xx response is a user error (exit 1).
func (c *client) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return backendErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return userErr("%s", apiErr.Error)
		}
		return userErr("request failed: %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// sessionView mirrors the daemon's session introspection shape.
type sessionView struct {
	ID              string    `json:"id"`
	Provider        string    `json:"provider"`
	TmuxName        string    `json:"tmux_name"`
	FriendlyName    string    `json:"friendly_name"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastToolName    string    `json:"last_tool_name"`
	TokensUsed      int       `json:"tokens_used"`
	PendingMessages int       `json:"pending_messages"`
}

func (v sessionView) displayName() string {
	if v.FriendlyName != "" {
		return v.FriendlyName
	}
	return v.ID
}
