package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrNoCredentials means no access token could be read from the
	// credential store. Connect performs no transport action in this case.
	ErrNoCredentials = errors.New("chat: no access token available")

	// ErrNotConnected means a send was attempted without an open session.
	// The message is lost; the client schedules a reconnect as a side effect.
	ErrNotConnected = errors.New("chat: connection is not open")

	// ErrReconnectsExhausted is delivered to OnConnectionError once the
	// reconnect budget is spent. The caller must reconnect manually.
	ErrReconnectsExhausted = errors.New("chat: reconnect attempts exhausted")
)

// State describes the connection manager's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// CredentialSource supplies the externally-acquired credentials the client
// embeds in the connection URI and outbound frames. The client never
// refreshes or validates them.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, error)
	MemberID(ctx context.Context) (string, error)
}

// Callbacks are the sinks a room screen registers at connect time. Message
// callbacks are invoked from a single goroutine in transport delivery order.
// Nil callbacks are skipped.
type Callbacks struct {
	// OnSystemPrompt receives the counselor's continuation prompt together
	// with the currently cached session id (0 when none has been seen).
	OnSystemPrompt func(message string, sessionID int)

	// OnMessage receives all ordinary chat traffic, including degraded
	// error messages for unrecognized frames.
	OnMessage func(msg Message)

	// OnSessionUpdate receives session frames, which carry protocol-level
	// state changes distinct from chat content.
	OnSessionUpdate func(msg Message)

	OnConnected       func()
	OnConnectionError func(err error)
	OnClose           func(code websocket.StatusCode)
}

// Options tune the recovery behavior. Zero values take the defaults, which
// match the backend's expectations.
type Options struct {
	HeartbeatInterval    time.Duration // default 30s
	ReconnectDelay       time.Duration // default 3s
	MaxReconnectAttempts int           // default 5
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	return o
}

// Client maintains at most one live WebSocket session to a chat room and
// recovers transparently from transient failures. All exported methods are
// safe for concurrent use.
type Client struct {
	baseURL string
	creds   CredentialSource
	opts    Options

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            int // bumped whenever the current handle is superseded
	sessionID      int
	attempts       int
	memberID       string
	room           string
	callbacks      Callbacks
	hasParams      bool // last connection params retained for auto-reconnect
	reconnectTimer *time.Timer
}

// NewClient creates a client for the room WebSocket endpoint at baseURL,
// e.g. "ws://localhost:8000/api/sessions/ws".
func NewClient(baseURL string, creds CredentialSource, opts Options) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
		opts:    opts.withDefaults(),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes a session to roomID. Any existing session is
// superseded first, so at most one handle is ever live. The room id and
// callbacks are retained so the client can reconnect on its own after an
// abnormal closure.
func (c *Client) Connect(ctx context.Context, roomID string, cb Callbacks) error {
	token, err := c.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	if token == "" {
		return ErrNoCredentials
	}
	memberID, err := c.creds.MemberID(ctx)
	if err != nil {
		// Outbound frames simply omit user_id; the backend attributes
		// them from the token.
		memberID = ""
	}

	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	// Supersede any live handle before dialing. Bumping the generation
	// detaches its read and heartbeat loops, so its close event can never
	// masquerade as an abnormal failure of the new session.
	c.gen++
	myGen := c.gen
	if old := c.conn; old != nil {
		c.conn = nil
		go func() {
			_ = old.Close(websocket.StatusNormalClosure, "superseded")
		}()
	}
	c.state = StateConnecting
	c.sessionID = 0
	c.room = roomID
	c.callbacks = cb
	c.hasParams = true
	c.memberID = memberID
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.dialURL(roomID, token), nil)
	if err != nil {
		slog.Warn("Chat dial failed", "room_id", roomID, "error", err)
		c.mu.Lock()
		if c.gen == myGen {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("dial chat room %s: %w", roomID, err)
	}

	c.mu.Lock()
	if c.gen != myGen {
		// A newer Connect or Close raced us; discard this handle.
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.sessionID = 0
	c.mu.Unlock()

	slog.Info("Chat connection established", "room_id", roomID)
	go c.readLoop(conn, myGen)
	go c.heartbeat(conn, myGen)

	if cb.OnConnected != nil {
		cb.OnConnected()
	}
	return nil
}

// Send serializes and writes a single frame. It fails fast when the session
// is not open: the message is not queued and a reconnect is scheduled.
// Frames of type "response" echo the cached session id so the backend can
// correlate the answer with the prompt that elicited it.
func (c *Client) Send(msgType MessageType, content string) error {
	return c.SendWithSessionID(msgType, content, 0)
}

// SendWithSessionID is Send with an explicit session id overriding the
// cached one.
func (c *Client) SendWithSessionID(msgType MessageType, content string, sessionID int) error {
	c.mu.Lock()
	if c.conn == nil || c.state != StateOpen {
		if c.state == StateIdle && c.hasParams {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	gen := c.gen
	out := outboundFrame{
		Type:      string(msgType),
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UserID:    c.memberID,
	}
	if msgType == TypeResponse {
		if sessionID != 0 {
			out.SessionID = sessionID
		} else {
			out.SessionID = c.sessionID
		}
	}
	c.mu.Unlock()

	if err := writeJSON(conn, out); err != nil {
		slog.Warn("Chat send failed", "type", msgType, "error", err)
		c.detachAndReconnect(conn, gen)
		return fmt.Errorf("send %s frame: %w", msgType, err)
	}
	return nil
}

// Close tears the session down for good: it cancels any pending reconnect,
// clears the retained connection params, and closes the handle with a normal
// close code. No reconnect ever follows an explicit Close.
func (c *Client) Close() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.attempts = 0
	c.sessionID = 0
	c.room = ""
	c.callbacks = Callbacks{}
	c.hasParams = false
	c.memberID = ""
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		slog.Info("Chat connection closed")
	}
}

func (c *Client) dialURL(roomID, token string) string {
	return c.baseURL + "/" + url.PathEscape(roomID) + "?token=" + url.QueryEscape(token)
}

// readLoop receives frames for one handle generation and dispatches them in
// delivery order. It exits when the handle errors or is superseded.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleReadError(gen int, err error) {
	status := websocket.CloseStatus(err)

	c.mu.Lock()
	if c.gen != gen {
		// Stale handle; a newer session owns the state now.
		c.mu.Unlock()
		return
	}
	c.gen++
	c.conn = nil
	c.sessionID = 0
	cb := c.callbacks
	normal := status == websocket.StatusNormalClosure || status == websocket.StatusNoStatusRcvd
	if normal {
		c.state = StateIdle
	} else {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if normal {
		slog.Info("Chat connection closed by server", "status", status)
	} else {
		slog.Warn("Chat connection lost", "status", status, "error", err)
	}
	if cb.OnClose != nil {
		cb.OnClose(status)
	}
}

// dispatch classifies one inbound payload and routes it to the registered
// sinks. Any session id carried by the frame refreshes the cache first,
// whatever the frame type.
func (c *Client) dispatch(data []byte) {
	if isPong(data) {
		return
	}
	msg := Classify(data)

	c.mu.Lock()
	if msg.SessionID != 0 {
		c.sessionID = msg.SessionID
	}
	sid := c.sessionID
	cb := c.callbacks
	c.mu.Unlock()

	switch {
	case msg.IsContinuePrompt() && cb.OnSystemPrompt != nil:
		// The prompt is delivered with the cached session id, not the
		// frame's own: the later response send echoes the cache.
		cb.OnSystemPrompt(msg.Content, sid)
	case msg.Type == TypeSession:
		if cb.OnSessionUpdate != nil {
			cb.OnSessionUpdate(msg)
		}
	default:
		if cb.OnMessage != nil {
			cb.OnMessage(msg)
		}
	}
}

// heartbeat sends a keepalive frame at a fixed cadence while the handle
// stays current. Idle-timeout-prone proxies drop silent connections; a
// failed ping is treated as a dead session and triggers reconnection.
func (c *Client) heartbeat(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		if err := writeJSON(conn, outboundFrame{Type: "ping"}); err != nil {
			slog.Warn("Chat heartbeat failed", "error", err)
			c.detachAndReconnect(conn, gen)
			return
		}
	}
}

// detachAndReconnect invalidates a failed handle and schedules recovery,
// unless a newer generation already took over.
func (c *Client) detachAndReconnect(conn *websocket.Conn, gen int) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.conn = nil
	c.sessionID = 0
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "write failed")
}

// scheduleReconnectLocked arms a single retry after the fixed delay, or
// surfaces exhaustion once the attempt budget is spent. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if !c.hasParams {
		// Explicit close cleared the params; nothing to retry with.
		c.state = StateIdle
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		slog.Error("Chat reconnect attempts exhausted", "room_id", c.room, "attempts", c.attempts)
		c.state = StateIdle
		c.attempts = 0
		if cb := c.callbacks.OnConnectionError; cb != nil {
			go cb(ErrReconnectsExhausted)
		}
		return
	}

	c.attempts++
	c.state = StateReconnecting
	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		if !c.hasParams || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		room := c.room
		cb := c.callbacks
		c.mu.Unlock()

		slog.Info("Chat reconnecting", "room_id", room, "attempt", attempt)
		if err := c.Connect(context.Background(), room, cb); err != nil {
			if errors.Is(err, ErrNoCredentials) {
				// The token store went empty mid-session; that is a
				// configuration failure, not a transient fault.
				c.mu.Lock()
				c.state = StateIdle
				c.attempts = 0
				c.mu.Unlock()
				if cb.OnConnectionError != nil {
					cb.OnConnectionError(err)
				}
			}
			// Dial failures have already armed the next attempt.
		}
	})
}

// writeTimeout bounds a single frame write. A peer that stops draining must
// surface as a send failure so the recovery path can run, not block the
// sender forever.
const writeTimeout = 10 * time.Second

func writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
