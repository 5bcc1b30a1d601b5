package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SulimanRohany/deen-bridge-liveclass/model"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultBeaconTimeout  = 3 * time.Second
)

type Config struct {
	Logger *zerolog.Logger
	// BaseURL is the backend API root, without trailing slash.
	BaseURL string
	Token   string
	// HTTPClient overrides the default client; nil gets a sane default.
	HTTPClient    *http.Client
	BeaconTimeout time.Duration
}

// Client talks to the authorization/session backend. It owns no session
// state; the coordinator drives it.
type Client struct {
	logger        zerolog.Logger
	httpc         *http.Client
	baseURL       string
	token         string
	beaconTimeout time.Duration
}

func NewClient(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultRequestTimeout}
	}
	beaconTimeout := cfg.BeaconTimeout
	if beaconTimeout == 0 {
		beaconTimeout = defaultBeaconTimeout
	}
	return &Client{
		logger:        cfg.Logger.With().Str("component", "api-client").Logger(),
		httpc:         httpc,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		beaconTimeout: beaconTimeout,
	}
}

type joinRequest struct {
	DisplayName string `json:"display_name"`
}

type joinResponse struct {
	Session struct {
		ID json.RawMessage `json:"id"`
	} `json:"session"`
	User struct {
		DisplayName string `json:"display_name"`
		Role        string `json:"role"`
		IsHidden    bool   `json:"is_hidden"`
	} `json:"user"`
}

// Join requests participation in a live session. Elevated callers hit the
// monitor endpoint, which grants an observe-only seat; this is a pure
// endpoint selection, never a fallback.
func (c *Client) Join(ctx context.Context, sessionID, displayName string, elevated bool) (*model.SessionGrant, error) {
	endpoint := fmt.Sprintf("%s/session/%s/join/", c.baseURL, sessionID)
	if elevated {
		endpoint = fmt.Sprintf("%s/session/%s/monitor/", c.baseURL, sessionID)
	}

	body, err := json.Marshal(&joinRequest{DisplayName: displayName})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.text() == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		err = classify(resp.StatusCode, eb)
		c.logger.Warn().Err(err).
			Int("status", resp.StatusCode).
			Str("sessionID", sessionID).
			Msg("join rejected")
		return nil, err
	}

	var jr joinResponse
	if err = json.Unmarshal(raw, &jr); err != nil {
		return nil, fmt.Errorf("malformed join response: %w", err)
	}
	roomID, err := canonicalRoomID(jr.Session.ID)
	if err != nil {
		return nil, fmt.Errorf("malformed session id: %w", err)
	}

	grant := &model.SessionGrant{
		RoomID:      roomID,
		DisplayName: jr.User.DisplayName,
		Role:        jr.User.Role,
		Observer:    jr.User.IsHidden,
	}
	c.logger.Debug().
		Str("roomID", grant.RoomID).
		Str("role", grant.Role).
		Bool("observer", grant.Observer).
		Msg("join granted")
	return grant, nil
}

// canonicalRoomID coerces the backend's session id into the string form
// the media transport expects, accepting both numeric and string ids.
func canonicalRoomID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty session id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("empty session id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

type unreadResponse struct {
	UnreadCount int `json:"unread_count"`
}

// UnreadCount is the point-in-time unread bootstrap, used on mount before
// the messaging channel finishes connecting.
func (c *Client) UnreadCount(ctx context.Context, sessionID string) (int, error) {
	endpoint := fmt.Sprintf("%s/chat/messages/session/%s/unread-count/", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unread-count status %d", resp.StatusCode)
	}
	var ur unreadResponse
	if err = json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return 0, err
	}
	return ur.UnreadCount, nil
}
