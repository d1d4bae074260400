// Package mapapi queries the map service REST endpoints: the notifier
// control-plane config, per-map bulk systems/characters, and per-system
// static info.
package mapapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"driftwatch/notifier/internal/evemap"
)

// ErrEndpointNotFound signals that the control-plane endpoint does not exist
// on this map instance (404). The registry falls back to legacy mode.
var ErrEndpointNotFound = errors.New("notifier config endpoint not found")

// Config for the map HTTP client.
type Config struct {
	// BaseURL is the map service base URL (e.g., "https://map.example.com").
	// If the value does not start with "http", it is prefixed with "https://".
	BaseURL string

	// APIKey is the bearer token for control-plane requests.
	APIKey string

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client queries the map service via HTTP/JSON.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a map service client.
func New(cfg Config) (*Client, error) {
	addr := cfg.BaseURL
	if addr == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "https://" + addr
	}
	addr = strings.TrimRight(addr, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    addr,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the normalized base URL (used to build SSE stream URLs).
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NotifierMap is one map entry from the control-plane config response.
type NotifierMap struct {
	Slug        string   `json:"slug"`
	MapID       string   `json:"map_id"`
	APIToken    string   `json:"api_token"`
	EventFilter []string `json:"event_filter"`
}

// NotifierConfig is the control-plane config snapshot.
type NotifierConfig struct {
	Maps    []NotifierMap `json:"maps"`
	Version int           `json:"version"`
}

// NotifierConfig fetches GET /api/v1/notifier/config. A 404 returns
// ErrEndpointNotFound; other non-200 statuses are transient errors.
func (c *Client) NotifierConfig(ctx context.Context) (*NotifierConfig, error) {
	var envelope struct {
		Data NotifierConfig `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/v1/notifier/config", c.apiKey, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// StaticInfo is the per-system static enrichment payload. Missing fields are
// tolerated; security arrives as a string and is parsed to float.
type StaticInfo struct {
	ClassTitle      string
	EffectName      string
	IsShattered     bool
	Statics         []string
	StaticDetails   []evemap.StaticDetail
	RegionID        int64
	RegionName      string
	Security        float64
	SunTypeID       int64
	SystemClass     int
	TypeDescription string
}

type staticInfoJSON struct {
	ClassTitle      string                `json:"class_title"`
	EffectName      string                `json:"effect_name"`
	IsShattered     bool                  `json:"is_shattered"`
	Statics         []string              `json:"statics"`
	StaticDetails   []evemap.StaticDetail `json:"static_details"`
	RegionID        int64                 `json:"region_id"`
	RegionName      string                `json:"region_name"`
	Security        string                `json:"security"`
	SunTypeID       int64                 `json:"sun_type_id"`
	SystemClass     int                   `json:"system_class"`
	TypeDescription string                `json:"type_description"`
}

// SystemStaticInfo fetches GET /api/common/system-static-info?id={id}.
func (c *Client) SystemStaticInfo(ctx context.Context, solarSystemID int64) (*StaticInfo, error) {
	var envelope struct {
		Data staticInfoJSON `json:"data"`
	}
	path := "/api/common/system-static-info?id=" + strconv.FormatInt(solarSystemID, 10)
	if err := c.getJSON(ctx, path, c.apiKey, &envelope); err != nil {
		return nil, err
	}

	info := &StaticInfo{
		ClassTitle:      envelope.Data.ClassTitle,
		EffectName:      envelope.Data.EffectName,
		IsShattered:     envelope.Data.IsShattered,
		Statics:         envelope.Data.Statics,
		StaticDetails:   envelope.Data.StaticDetails,
		RegionID:        envelope.Data.RegionID,
		RegionName:      envelope.Data.RegionName,
		SunTypeID:       envelope.Data.SunTypeID,
		SystemClass:     envelope.Data.SystemClass,
		TypeDescription: envelope.Data.TypeDescription,
	}
	if envelope.Data.Security != "" {
		if sec, err := strconv.ParseFloat(envelope.Data.Security, 64); err == nil {
			info.Security = sec
		}
	}
	return info, nil
}

// MapSystems fetches the bulk system list for a map slug using the map's own
// API token. Entries that fail validation are skipped.
func (c *Client) MapSystems(ctx context.Context, slug, token string) ([]*evemap.System, error) {
	var envelope struct {
		Data struct {
			Systems []map[string]any `json:"systems"`
		} `json:"data"`
	}
	path := "/api/maps/" + url.PathEscape(slug) + "/systems"
	if err := c.getJSON(ctx, path, token, &envelope); err != nil {
		return nil, err
	}

	systems := make([]*evemap.System, 0, len(envelope.Data.Systems))
	for _, p := range envelope.Data.Systems {
		sys, err := evemap.SystemFromPayload(p)
		if err != nil {
			continue
		}
		systems = append(systems, sys)
	}
	return systems, nil
}

// MapCharacters fetches the bulk tracked-character list for a map slug.
func (c *Client) MapCharacters(ctx context.Context, slug, token string) ([]*evemap.Character, error) {
	var envelope struct {
		Data struct {
			Characters []map[string]any `json:"characters"`
		} `json:"data"`
	}
	path := "/api/maps/" + url.PathEscape(slug) + "/characters"
	if err := c.getJSON(ctx, path, token, &envelope); err != nil {
		return nil, err
	}

	characters := make([]*evemap.Character, 0, len(envelope.Data.Characters))
	for _, p := range envelope.Data.Characters {
		ch, err := evemap.CharacterFromPayload(p)
		if err != nil {
			continue
		}
		characters = append(characters, ch)
	}
	return characters, nil
}

// getJSON performs an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, ErrEndpointNotFound)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
