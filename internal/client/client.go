// Package client talks to a gunshot server over its HTTP API. The
// simulator uses it to drive a running server as a fleet of phones.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/gunshot.report/internal/geo"
)

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is one registered device. It is safe for concurrent use once
// registered.
type Client struct {
	base  string
	http  Doer
	token string
	id    string
}

// New returns an unregistered client for the server at baseURL. A nil
// doer uses http.DefaultClient.
func New(baseURL string, doer Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: doer}
}

// ID returns the client id assigned at registration.
func (c *Client) ID() string { return c.id }

// Register obtains a token for a new client identity.
func (c *Client) Register(ctx context.Context) error {
	var resp struct {
		Token    string `json:"token"`
		ClientID string `json:"client_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/register", nil, &resp); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("register: empty token")
	}
	c.token, c.id = resp.Token, resp.ClientID
	return nil
}

// Report is the server's view of a stored report.
type Report struct {
	ID          int64        `json:"report_id"`
	Position    geo.Position `json:"position"`
	TimestampMs int64        `json:"timestamp"`
	WeaponType  string       `json:"weapon_type"`
	ClientID    string       `json:"client_id"`
	Action      string       `json:"action,omitempty"`
	GunshotID   int64        `json:"gunshot_id,omitempty"`
}

// Gunshot is a persisted event.
type Gunshot struct {
	ID          int64         `json:"gunshot_id"`
	TimestampMs *int64        `json:"timestamp,omitempty"`
	Position    *geo.Position `json:"position,omitempty"`
	WeaponType  string        `json:"gun"`
	ShotsFired  int           `json:"shots_fired"`
}

// Gun is a catalogue entry.
type Gun struct {
	Name string `json:"gun_name"`
	Type string `json:"gun_type"`
}

// PostReport files a sighting.
func (c *Client) PostReport(ctx context.Context, pos geo.Position, timestampMs int64, gun string) (Report, error) {
	body := map[string]interface{}{
		"timestamp":  timestampMs,
		"coord_lat":  pos.Latitude,
		"coord_long": pos.Longitude,
		"coord_alt":  pos.Altitude,
		"gun":        gun,
	}
	var r Report
	if err := c.do(ctx, http.MethodPost, "/api/reports", body, &r); err != nil {
		return Report{}, fmt.Errorf("post report: %w", err)
	}
	return r, nil
}

// Gunshots returns the confirmed gunshots with fromMs <= timestamp < toMs.
func (c *Client) Gunshots(ctx context.Context, fromMs, toMs int64) ([]Gunshot, error) {
	q := url.Values{}
	q.Set("time_from", strconv.FormatInt(fromMs, 10))
	q.Set("time_to", strconv.FormatInt(toMs, 10))
	var out []Gunshot
	if err := c.do(ctx, http.MethodGet, "/api/gunshots?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list gunshots: %w", err)
	}
	return out, nil
}

// AddGun adds a catalogue entry.
func (c *Client) AddGun(ctx context.Context, g Gun) error {
	if err := c.do(ctx, http.MethodPost, "/api/guns", g, nil); err != nil {
		return fmt.Errorf("add gun %q: %w", g.Name, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
