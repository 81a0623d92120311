// Package bridge provides a client for the WhatsApp browser-automation
// sidecar service. The sidecar owns the actual WhatsApp Web protocol
// and the on-disk auth-persistence directory, partitioned per session
// id; this client only issues commands and consumes its event stream.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reserveja/backend/pkg/logging"
)

// Event types emitted by the sidecar for a session.
const (
	EventQR           = "qr"
	EventReady        = "ready"
	EventAuthFailure  = "auth_failure"
	EventDisconnected = "disconnected"
	EventMessage      = "message"
)

// Event is one frame from the session event stream.
type Event struct {
	Type string `json:"type"`
	// QR carries the raw QR payload for "qr" events.
	QR string `json:"qr,omitempty"`
	// Self is the paired account address for "ready" events.
	Self string `json:"self,omitempty"`
	// Reason describes "auth_failure" and "disconnected" events.
	Reason string `json:"reason,omitempty"`
	// Message fields for "message" events.
	From        string `json:"from,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	Body        string `json:"body,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Client talks to the sidecar's session API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *logging.Logger
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a sidecar client. baseURL is the sidecar service
// URL (e.g. "http://localhost:3001").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		dialer: websocket.DefaultDialer,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conn is one live session connection. Events arrive on a buffered
// channel fed by a single reader goroutine; the channel closes when
// the websocket drops or Close is called.
type Conn struct {
	sessionID string
	client    *Client
	ws        *websocket.Conn
	events    chan Event
}

type startRequest struct {
	SessionID string `json:"session_id"`
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type apiError struct {
	Error string `json:"error"`
}

// Dial starts (or resumes) the sidecar session and attaches to its
// event stream. The sidecar restores persisted auth state for known
// session ids, so a previously paired session can go straight to ready.
func (c *Client) Dial(ctx context.Context, sessionID string) (*Conn, error) {
	body, err := json.Marshal(startRequest{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sessions/"+url.PathEscape(sessionID)+"/start", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bridge: create start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: start session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("bridge: start session %s: %s", sessionID, apiErr.Error)
		}
		return nil, fmt.Errorf("bridge: start session %s: status %d", sessionID, resp.StatusCode)
	}

	wsURL, err := c.eventsURL(sessionID)
	if err != nil {
		return nil, err
	}
	ws, wsResp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if wsResp != nil && wsResp.Body != nil {
		defer wsResp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: attach event stream for %s: %w", sessionID, err)
	}

	conn := &Conn{
		sessionID: sessionID,
		client:    c,
		ws:        ws,
		events:    make(chan Event, 64),
	}
	go conn.readLoop()
	return conn, nil
}

func (c *Client) eventsURL(sessionID string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("bridge: parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/events"
	return parsed.String(), nil
}

func (conn *Conn) readLoop() {
	defer close(conn.events)
	for {
		var evt Event
		if err := conn.ws.ReadJSON(&evt); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.client.logger.Warn("bridge event stream ended",
					"session_id", conn.sessionID, "error", err)
			}
			return
		}
		conn.events <- evt
	}
}

// SessionID returns the session this connection belongs to.
func (conn *Conn) SessionID() string {
	return conn.sessionID
}

// Events returns the session event channel. It is closed when the
// stream ends.
func (conn *Conn) Events() <-chan Event {
	return conn.events
}

// SendText delivers a text message to a canonical address.
func (conn *Conn) SendText(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(sendMessageRequest{To: to, Body: body})
	if err != nil {
		return fmt.Errorf("bridge: marshal send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		conn.client.baseURL+"/api/v1/sessions/"+url.PathEscape(conn.sessionID)+"/messages",
		bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bridge: create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := conn.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: send message via %s: %w", conn.sessionID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bridge: send message via %s: status %d: %s", conn.sessionID, resp.StatusCode, string(raw))
	}
	return nil
}

// Close tears down the sidecar session and the event stream.
func (conn *Conn) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		conn.client.baseURL+"/api/v1/sessions/"+url.PathEscape(conn.sessionID), nil)
	if err == nil {
		if resp, doErr := conn.client.httpClient.Do(req); doErr == nil {
			_ = resp.Body.Close()
		} else {
			err = doErr
		}
	}
	if closeErr := conn.ws.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("bridge: close session %s: %w", conn.sessionID, err)
	}
	return nil
}
