// Package client is the application controller: it wires the connection
// manager's subscriptions into the stream reducer, owns the session, and
// exposes the outbound actions a UI binds to.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatkit/internal/config"
	"github.com/chatkit/internal/logger"
	"github.com/chatkit/internal/model"
	"github.com/chatkit/internal/session"
	"github.com/chatkit/internal/stream"
	"github.com/chatkit/internal/ws"
)

var (
	// ErrNotConnected is returned by outbound actions while no connection is
	// open.
	ErrNotConnected = errors.New("client: not connected")
	// ErrUnknownMessage is returned when a reaction or reply targets a
	// message id that is not in the current log; the action is rejected
	// locally, no frame is sent.
	ErrUnknownMessage = errors.New("client: target message not in log")
)

// Handlers are the UI-facing callbacks. All are optional and are invoked
// from the engine's event goroutines; UI layers must marshal onto their own
// thread (tview: QueueUpdateDraw).
type Handlers struct {
	// OnUpdate fires after every state change; the UI re-reads Snapshot.
	OnUpdate func()
	// OnError surfaces user-facing errors: transport failures and
	// server-sent error frames.
	OnError func(err error)
}

// Client owns one live connection manager at a time plus the reduced
// session state. A new logical connection always fully supersedes the old
// one: old subscriptions are dropped before a new ws.Conn is constructed,
// so two frame streams never mutate the log concurrently.
type Client struct {
	cfg      *config.Config
	sessions *session.Client
	policy   ReconnectPolicy
	handlers Handlers

	mu      sync.Mutex
	conn    *ws.Conn
	unsubs  []func()
	reducer stream.Reducer
	state   stream.State
	session model.Session
	// gen guards async completions (session resumption, reconnect sleeps)
	// against a teardown that happened while they were in flight.
	gen int
}

// New builds a controller. The reconnect policy comes from config; pass a
// zero policy via config to keep reconnection caller-initiated.
func New(cfg *config.Config, sessions *session.Client) *Client {
	return &Client{
		cfg:      cfg,
		sessions: sessions,
		policy:   PolicyFromConfig(cfg.Reconnect),
		state:    stream.NewState(),
	}
}

// SetHandlers registers the UI callbacks. Call before Connect.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// Snapshot returns the current reduced state and session for rendering.
func (c *Client) Snapshot() (stream.State, model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.session
}

// Resume performs startup session resumption: if the server still holds a
// valid cookie-bound session carrying username and room, reconnect without
// credential re-entry. Returns whether a session was resumed.
func (c *Client) Resume(ctx context.Context) (bool, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	info := c.sessions.CheckSession(ctx)
	if !info.Valid || info.Username == "" {
		return false, nil
	}

	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		// Torn down while the check was in flight; do not apply stale state.
		return false, nil
	}
	if err := c.Connect(ctx, info.Username, info.Room, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Connect establishes a new logical connection. An empty token skips the
// authenticate call and relies on the existing session cookie.
func (c *Client) Connect(ctx context.Context, username, room, token string) error {
	c.mu.Lock()
	old := c.teardownLocked()
	c.gen++
	c.reducer = stream.Reducer{LocalUser: username}
	c.state = stream.NewState()
	conn := ws.NewConn(c.cfg.ServerURL, c.sessions, ws.Options{
		Username: username,
		Room:     room,
		Token:    token,
	}, c.cfg.DialTimeout, c.cfg.WriteTimeout)
	c.conn = conn
	c.unsubs = []func(){
		conn.OnOpen(func() { c.handleOpen(username, room) }),
		conn.OnMessage(c.handleFrame),
		conn.OnError(c.handleTransportError),
		conn.OnClose(c.handleClose),
	}
	c.mu.Unlock()

	// Close the superseded socket before dialing so its server-side member
	// is gone by the time the new session joins under the same username.
	if old != nil {
		old.Close()
	}

	if err := conn.Connect(ctx); err != nil {
		c.mu.Lock()
		failed := c.teardownLocked()
		c.session = model.Session{}
		c.mu.Unlock()
		if failed != nil {
			failed.Close()
		}
		return err
	}
	return nil
}

func (c *Client) handleOpen(username, room string) {
	c.mu.Lock()
	c.session = model.Session{Username: username, Room: room, Connected: true}
	h := c.handlers
	c.mu.Unlock()
	if h.OnUpdate != nil {
		h.OnUpdate()
	}
}

// handleFrame runs on the connection's read goroutine, so frames are
// reduced strictly in arrival order.
func (c *Client) handleFrame(f model.Frame) {
	if f.Type == model.FrameError {
		c.handleServerError(f.Content)
		return
	}
	c.mu.Lock()
	c.state = c.reducer.Apply(c.state, f)
	h := c.handlers
	c.mu.Unlock()
	if h.OnUpdate != nil {
		h.OnUpdate()
	}
}

// handleServerError surfaces the error frame; the known-fatal kinds (auth
// failure, duplicate username, invalid room) force a full disconnect.
func (c *Client) handleServerError(text string) {
	kind := stream.ClassifyError(text)
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnError != nil {
		h.OnError(errors.New(text))
	}
	if kind.Fatal() {
		logger.Errorf("fatal server error (%s): %s", kind, text)
		c.Disconnect()
	}
}

func (c *Client) handleTransportError(err error) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnError != nil {
		h.OnError(err)
	}
}

// handleClose performs full local teardown on any close. After an unclean
// close the fresh log carries a single "Disconnected" notification so the
// UI still surfaces the event, and the reconnect policy (when enabled)
// takes over.
func (c *Client) handleClose(info ws.CloseInfo) {
	c.mu.Lock()
	username, room := c.session.Username, c.session.Room
	old := c.teardownLocked()
	c.session = model.Session{}
	c.state = stream.NewState()
	if !info.WasClean {
		c.state = c.reducer.Apply(c.state, model.Frame{
			Type:    model.FrameNotification,
			Content: "Disconnected",
		})
	}
	gen := c.gen
	h := c.handlers
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if h.OnUpdate != nil {
		h.OnUpdate()
	}
	if !info.WasClean && c.policy.Enabled() && username != "" {
		go c.reconnect(gen, username, room)
	}
}

// reconnect retries Connect with exponential backoff. It aborts as soon as
// the controller is reused or torn down (generation mismatch).
func (c *Client) reconnect(gen int, username, room string) {
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		time.Sleep(c.policy.Delay(attempt))
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout+c.cfg.HTTPTimeout)
		err := c.Connect(ctx, username, room, "")
		cancel()
		if err == nil {
			logger.Infof("reconnected user=%s room=%s attempt=%d", username, room, attempt)
			return
		}
		// Connect advanced the generation itself; adopt the new value so the
		// next staleness check only trips on an external teardown.
		c.mu.Lock()
		gen = c.gen
		c.mu.Unlock()
		logger.Errorf("reconnect attempt %d/%d failed: %v", attempt, c.policy.MaxAttempts, err)
		if errors.Is(err, ws.ErrInvalidSession) {
			// Session is gone server-side; retrying without credentials
			// cannot succeed.
			return
		}
	}
}

// SendChat transmits a chat message. Fire-and-forget: confirmation arrives
// as the server echo carrying an assigned id.
func (c *Client) SendChat(text string) error {
	c.mu.Lock()
	conn := c.conn
	username, room := c.session.Username, c.session.Room
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(model.Frame{
		Type:     model.FrameChat,
		Username: username,
		Room:     room,
		Content:  text,
	})
}

// SendImage appends an optimistic pending entry and transmits the image.
// The server echo with matching imageData confirms the entry in place.
func (c *Client) SendImage(imageData, imageType string) error {
	c.mu.Lock()
	conn := c.conn
	username, room := c.session.Username, c.session.Room
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = stream.AppendPendingImage(c.state, username, imageData, imageType, time.Now())
	h := c.handlers
	c.mu.Unlock()
	if h.OnUpdate != nil {
		h.OnUpdate()
	}
	return conn.Send(model.Frame{
		Type:      model.FrameImage,
		Username:  username,
		Room:      room,
		ImageData: imageData,
		ImageType: imageType,
	})
}

// SendReaction toggles a reaction on a message. The target id must already
// be in the log; reacting to unconfirmed ids is rejected locally.
func (c *Client) SendReaction(messageID int64, value string) error {
	c.mu.Lock()
	conn := c.conn
	known := c.state.FindByID(messageID) >= 0
	username, room := c.session.Username, c.session.Room
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if !known {
		return ErrUnknownMessage
	}
	return conn.Send(model.Frame{
		Type:         model.FrameReaction,
		Username:     username,
		Room:         room,
		ReactionToID: messageID,
		Reaction:     value,
	})
}

// SendReply transmits a chat message referencing an earlier one. The target
// id must already be in the log.
func (c *Client) SendReply(text string, replyToID int64) error {
	c.mu.Lock()
	conn := c.conn
	idx := c.state.FindByID(replyToID)
	username, room := c.session.Username, c.session.Room
	var ref *model.ReplyRef
	if idx >= 0 {
		orig := c.state.Messages[idx]
		ref = &model.ReplyRef{Sender: orig.Sender, Content: orig.Content, Type: string(orig.Kind)}
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if idx < 0 {
		return ErrUnknownMessage
	}
	return conn.Send(model.Frame{
		Type:      model.FrameChat,
		Username:  username,
		Room:      room,
		Content:   text,
		ReplyToID: replyToID,
		ReplyTo:   ref,
	})
}

// LoadMoreHistory requests the next page of history. No-op unless the
// cursor says more exists and carries a page token; the stored token is
// echoed verbatim.
func (c *Client) LoadMoreHistory() error {
	c.mu.Lock()
	conn := c.conn
	cursor := c.state.Cursor
	room := c.session.Room
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if !cursor.HasMore || cursor.PageToken == "" {
		return nil
	}
	return conn.Send(model.Frame{
		Type:      model.FrameLoadMoreHistory,
		Room:      room,
		PageToken: cursor.PageToken,
		PageSize:  c.cfg.HistoryPageSize,
	})
}

// MarkSeen clears the unseen-message flag.
func (c *Client) MarkSeen() {
	c.mu.Lock()
	c.state = stream.MarkSeen(c.state)
	h := c.handlers
	c.mu.Unlock()
	if h.OnUpdate != nil {
		h.OnUpdate()
	}
}

// Disconnect logs out (best-effort), tears the connection down and resets
// all session state. Idempotent and safe to call at any time.
func (c *Client) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := c.sessions.Logout(ctx); err != nil {
		logger.Debugf("logout failed (ignored): %v", err)
	}
	cancel()

	c.mu.Lock()
	conn := c.teardownLocked()
	c.session = model.Session{}
	c.state = stream.NewState()
	h := c.handlers
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if h.OnUpdate != nil {
		h.OnUpdate()
	}
}

// teardownLocked unsubscribes from the current connection, drops it and
// returns it so the caller can Close it after releasing c.mu. Leaving the
// superseded socket open would keep its read goroutine and its server-side
// member alive. Callers hold c.mu. The generation bump invalidates in-flight
// async work.
func (c *Client) teardownLocked() *ws.Conn {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	old := c.conn
	c.conn = nil
	c.gen++
	return old
}
