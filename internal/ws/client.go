// Package ws owns one WebSocket channel per logical chat session: it
// performs the pre-connect authentication handshake, dials the server,
// fans inbound frames out to subscribers and exposes a send operation for
// outbound frames. A Conn is single-use: after it closes, a new logical
// session requires a new Conn.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatkit/internal/logger"
	"github.com/chatkit/internal/model"
	"github.com/chatkit/internal/session"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultDialWait   = 10 * time.Second
	maxFrameSize      = 1 << 20 // image frames carry data URIs
	clientCloseReason = "Client disconnecting"
)

var (
	// ErrNotOpen is returned by Send outside the Open state. Sending on a
	// connection that is not open is a caller error, not a network condition.
	ErrNotOpen = errors.New("ws: send on connection that is not open")
	// ErrConnUsed is returned by Connect after the connection has closed or
	// failed; a Conn never reconnects.
	ErrConnUsed = errors.New("ws: connection is single-use, create a new one")
	// ErrInvalidSession is returned when the pre-connect session check fails;
	// no socket is opened in that case.
	ErrInvalidSession = errors.New("ws: session invalid")
)

// AuthError carries the server's rejection message from the pre-connect
// authenticate call.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "ws: authentication rejected: " + e.Message
}

// Options identifies the logical session the connection is for.
type Options struct {
	Username string
	Room     string
	Token    string
}

// Conn is the connection manager. All exported methods are safe for
// concurrent use; subscriber callbacks run on the single read-loop
// goroutine, so frame handling is serialized in arrival order.
type Conn struct {
	opts     Options
	sessions *session.Client
	wsURL    string

	dialWait  time.Duration
	writeWait time.Duration

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextSub   int
	msgSubs   map[int]func(model.Frame)
	errSubs   map[int]func(error)
	closeSubs map[int]func(CloseInfo)
	openSubs  map[int]func()
}

// NewConn builds a connection manager for one logical session. serverURL is
// the HTTP base URL; the /ws endpoint is derived from it.
func NewConn(serverURL string, sessions *session.Client, opts Options, dialWait, writeWait time.Duration) *Conn {
	if dialWait <= 0 {
		dialWait = defaultDialWait
	}
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &Conn{
		opts:      opts,
		sessions:  sessions,
		wsURL:     wsEndpoint(serverURL, opts),
		dialWait:  dialWait,
		writeWait: writeWait,
		state:     StateIdle,
		msgSubs:   make(map[int]func(model.Frame)),
		errSubs:   make(map[int]func(error)),
		closeSubs: make(map[int]func(CloseInfo)),
		openSubs:  make(map[int]func()),
	}
}

// wsEndpoint builds the /ws URL with percent-encoded query parameters,
// omitting parameters that are empty.
func wsEndpoint(serverURL string, opts Options) string {
	base := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	if opts.Username != "" {
		q.Set("username", opts.Username)
	}
	if opts.Room != "" {
		q.Set("room", opts.Room)
	}
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	if enc := q.Encode(); enc != "" {
		return base + "/ws?" + enc
	}
	return base + "/ws"
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect runs the full transition sequence: authenticate (when a token is
// present), check the session, then dial. A call while already Connecting
// or Open is a no-op; a call after Closed/Failed returns ErrConnUsed.
// The session check failing means no socket is ever opened.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateAuthenticating, StateOpen:
		c.mu.Unlock()
		return nil
	case StateClosed, StateClosing, StateFailed:
		c.mu.Unlock()
		return ErrConnUsed
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	if c.opts.Token != "" {
		result, err := c.sessions.Authenticate(ctx, c.opts.Username, c.opts.Token, c.opts.Room)
		if err != nil {
			c.fail()
			return err
		}
		if !result.Success {
			c.fail()
			return &AuthError{Message: result.Message}
		}
	}
	if info := c.sessions.CheckSession(ctx); !info.Valid {
		c.fail()
		return ErrInvalidSession
	}

	c.mu.Lock()
	if c.state != StateAuthenticating {
		// Closed under us while authenticating.
		c.mu.Unlock()
		return ErrConnUsed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := &websocket.Dialer{
		HandshakeTimeout: c.dialWait,
		Jar:              c.sessions.Jar(),
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.fail()
		return fmt.Errorf("ws: dial %s: %w", c.wsURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return ErrConnUsed
	}
	c.conn = conn
	c.state = StateOpen
	opens := make([]func(), 0, len(c.openSubs))
	for _, fn := range c.openSubs {
		opens = append(opens, fn)
	}
	c.mu.Unlock()

	for _, fn := range opens {
		fn()
	}
	go c.readLoop(conn)
	logger.Infof("ws connected user=%s room=%s", c.opts.Username, c.opts.Room)
	return nil
}

func (c *Conn) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
}

// Send transmits one outbound frame. Valid only in the Open state.
func (c *Conn) Send(frame model.Frame) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("ws: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close performs the caller-initiated clean close: code 1000 with the
// expected reason. Safe to call in any state; once closed the Conn cannot
// be reused.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state != StateOpen {
		if c.state != StateClosed {
			c.state = StateClosed
		}
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.state = StateClosing
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, clientCloseReason)
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	conn.Close()
	// The read loop observes the closed connection and finishes teardown.
}

// readLoop reads frames until the connection ends. Inbound frames are
// dispatched strictly in arrival order from this one goroutine; a frame
// that fails to parse is logged and dropped, never fatal.
func (c *Conn) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		var frame model.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Errorf("ws drop malformed frame user=%s: %v", c.opts.Username, err)
			continue
		}
		c.mu.Lock()
		subs := make([]func(model.Frame), 0, len(c.msgSubs))
		for _, fn := range c.msgSubs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(frame)
		}
	}
}

// finish classifies the terminal read error, notifies subscribers and tears
// the connection down. After finish the subscriber sets are cleared and the
// underlying connection is nulled.
func (c *Conn) finish(readErr error) {
	info := CloseInfo{Code: websocket.CloseAbnormalClosure}
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		info.Code = closeErr.Code
		info.Reason = closeErr.Text
	}

	c.mu.Lock()
	wasClosing := c.state == StateClosing
	c.mu.Unlock()
	info.WasClean = wasClosing || info.Code == websocket.CloseNormalClosure
	if wasClosing && info.Reason == "" {
		info.Reason = clientCloseReason
		info.Code = websocket.CloseNormalClosure
	}

	if !info.WasClean {
		c.mu.Lock()
		errSubs := make([]func(error), 0, len(c.errSubs))
		for _, fn := range c.errSubs {
			errSubs = append(errSubs, fn)
		}
		c.mu.Unlock()
		for _, fn := range errSubs {
			fn(readErr)
		}
		logger.Errorf("ws closed uncleanly user=%s code=%d: %v", c.opts.Username, info.Code, readErr)
	}

	c.mu.Lock()
	closeSubs := make([]func(CloseInfo), 0, len(c.closeSubs))
	for _, fn := range c.closeSubs {
		closeSubs = append(closeSubs, fn)
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.msgSubs = make(map[int]func(model.Frame))
	c.errSubs = make(map[int]func(error))
	c.closeSubs = make(map[int]func(CloseInfo))
	c.openSubs = make(map[int]func())
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, fn := range closeSubs {
		fn(info)
	}
}

// OnMessage registers a handler for inbound frames. The returned func
// unsubscribes it. Each of the four subscription sets is independent so
// auxiliary observers never interfere with the controller's lifecycle.
func (c *Conn) OnMessage(fn func(model.Frame)) func() {
	return c.subscribe(func(id int) { c.msgSubs[id] = fn }, func(id int) { delete(c.msgSubs, id) })
}

// OnError registers a handler for transport errors.
func (c *Conn) OnError(fn func(error)) func() {
	return c.subscribe(func(id int) { c.errSubs[id] = fn }, func(id int) { delete(c.errSubs, id) })
}

// OnClose registers a handler invoked once when the connection ends.
func (c *Conn) OnClose(fn func(CloseInfo)) func() {
	return c.subscribe(func(id int) { c.closeSubs[id] = fn }, func(id int) { delete(c.closeSubs, id) })
}

// OnOpen registers a handler invoked when the socket opens.
func (c *Conn) OnOpen(fn func()) func() {
	return c.subscribe(func(id int) { c.openSubs[id] = fn }, func(id int) { delete(c.openSubs, id) })
}

func (c *Conn) subscribe(add func(id int), remove func(id int)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	add(id)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		remove(id)
		c.mu.Unlock()
	}
}
