package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/voicebridge/wsconn"
)

const (
	DefaultAPIBase          = "https://api.elevenlabs.io"
	DefaultOpenTimeout      = 15 * time.Second
	DefaultSignedURLTimeout = 10 * time.Second

	signedURLPath = "/v1/convai/conversation/get_signed_url"
)

var (
	// ErrHandshakeTimeout is returned when the upstream socket did not open in time
	ErrHandshakeTimeout = errors.New("upstream voice handshake timed out")
	// ErrNoAgent is returned when no agent id is available for the call
	ErrNoAgent = errors.New("no voice agent configured")
)

// Config holds the voice service connection settings
type Config struct {
	APIKey  string
	APIBase string
	// DirectURL skips the signed URL request when set
	DirectURL        string
	OpenTimeout      time.Duration
	SignedURLTimeout time.Duration
	WriteTimeout     time.Duration
	HTTPClient       *http.Client
}

// Client opens upstream conversation sockets
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient creates a voice service client
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.SignedURLTimeout <= 0 {
		cfg.SignedURLTimeout = DefaultSignedURLTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.OpenTimeout,
		},
	}
}

// SignedURL requests a short-lived conversation URL for agentID
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SignedURLTimeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.APIBase, "/") + signedURLPath + "?agent_id=" + url.QueryEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signed url request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signed url request: unexpected status %s", resp.Status)
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode signed url response: %w", err)
	}
	if body.SignedURL == "" {
		return "", errors.New("signed url response missing signed_url")
	}
	return body.SignedURL, nil
}

func (c *Client) conversationURL(ctx context.Context, agentID string) (string, error) {
	if c.cfg.DirectURL == "" {
		if agentID == "" {
			return "", ErrNoAgent
		}
		return c.SignedURL(ctx, agentID)
	}

	u, err := url.Parse(c.cfg.DirectURL)
	if err != nil {
		return "", fmt.Errorf("parse voice url: %w", err)
	}
	if agentID != "" && u.Query().Get("agent_id") == "" {
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect opens the upstream socket for agentID and sends init once it is
// open. The whole setup is bounded by the open timeout.
func (c *Client) Connect(ctx context.Context, agentID string, init InitiationMessage) (*wsconn.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	target, err := c.conversationURL(ctx, agentID)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return nil, err
	}

	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, c.cfg.OpenTimeout)
		}
		return nil, fmt.Errorf("dial voice service: %w", err)
	}

	conn := wsconn.New(ws, c.cfg.WriteTimeout)
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send initiation: %w", err)
	}

	slog.Debug("[Voice] Upstream socket open", "agent_id", agentID)
	return conn, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
