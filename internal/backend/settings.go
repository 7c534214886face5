package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	r, err := c.read(ctx, "settings get", "/settings", nil)
	if err != nil {
		return Settings{}, err
	}
	return decodeSettings("settings get", r.Raw)
}

// SaveSettings replaces the whole settings record. The backend echoes the
// stored record, which is what the caller should display afterwards.
func (c *Client) SaveSettings(ctx context.Context, s Settings) (Settings, error) {
	r, err := c.command(ctx, "settings save", http.MethodPost, "/settings", nil, s)
	if err != nil {
		return Settings{}, err
	}
	if !r.IsObject() || !r.Get("active_platforms").Exists() {
		return s.Clone(), nil
	}
	return decodeSettings("settings save", r.Raw)
}

func (c *Client) ResetSettings(ctx context.Context) (Settings, error) {
	r, err := c.command(ctx, "settings reset", http.MethodPost, "/settings/reset", nil, nil)
	if err != nil {
		return Settings{}, err
	}
	body := r
	if s := r.Get("settings"); s.Exists() && s.IsObject() {
		body = s
	}
	if !body.IsObject() || !body.Get("active_platforms").Exists() {
		return c.Settings(ctx)
	}
	return decodeSettings("settings reset", body.Raw)
}

func decodeSettings(op, raw string) (Settings, error) {
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Settings{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	return s, nil
}
