package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatkit/internal/chattest"
	"github.com/chatkit/internal/config"
	"github.com/chatkit/internal/model"
	"github.com/chatkit/internal/session"
	"github.com/chatkit/internal/stream"
	"github.com/chatkit/internal/ws"
)

const testWait = 3 * time.Second

type testEnv struct {
	fake *chattest.Server
	srv  *httptest.Server
	cfg  *config.Config
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := chattest.NewServer()
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{
		fake: fake,
		srv:  srv,
		cfg: &config.Config{
			ServerURL:       srv.URL,
			DialTimeout:     testWait,
			WriteTimeout:    testWait,
			HTTPTimeout:     testWait,
			HistoryPageSize: 2,
		},
	}
}

// newEngine builds a controller with its own session client, the way each
// app instance would.
func (e *testEnv) newEngine() *Client {
	return New(e.cfg, session.NewClient(e.srv.URL, testWait))
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// errCollector is a thread-safe OnError sink.
type errCollector struct {
	mu   sync.Mutex
	errs []error
}

func (ec *errCollector) add(err error) {
	ec.mu.Lock()
	ec.errs = append(ec.errs, err)
	ec.mu.Unlock()
}

func (ec *errCollector) contains(substr string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, err := range ec.errs {
		if strings.Contains(err.Error(), substr) {
			return true
		}
	}
	return false
}

func TestConnectDeliversPresenceAndHistory(t *testing.T) {
	env := newEnv(t)
	env.fake.Seed("general",
		model.Frame{Username: "bob", Content: "first"},
		model.Frame{Username: "bob", Content: "second"},
	)

	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	waitUntil(t, "history and presence", func() bool {
		st, sess := engine.Snapshot()
		return sess.Connected && len(st.Messages) == 2 && len(st.Users) == 1
	})
	st, sess := engine.Snapshot()
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "general", sess.Room)
	assert.Equal(t, "first", st.Messages[0].Content)
	assert.Equal(t, "second", st.Messages[1].Content)
	assert.Equal(t, []string{"alice"}, st.Users)
	assert.False(t, st.HasUnseen, "history must not set the unseen flag")
	engine.Disconnect()
}

func TestSendChatEchoConfirms(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	require.NoError(t, engine.SendChat("hello"))
	waitUntil(t, "chat echo", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages) == 1
	})
	st, _ := engine.Snapshot()
	m := st.Messages[0]
	assert.True(t, m.Identity.Confirmed())
	assert.Equal(t, "alice", m.Sender)
	assert.Equal(t, "hello", m.Content)
	assert.False(t, st.HasUnseen, "own echo must not set the unseen flag")
	engine.Disconnect()
}

func TestTwoClientsExchangeMessages(t *testing.T) {
	env := newEnv(t)
	alice := env.newEngine()
	bob := env.newEngine()
	require.NoError(t, alice.Connect(context.Background(), "alice", "general", "tok"))
	require.NoError(t, bob.Connect(context.Background(), "bob", "general", "tok"))

	// Alice sees bob join.
	waitUntil(t, "presence update", func() bool {
		st, _ := alice.Snapshot()
		return len(st.Users) == 2
	})

	require.NoError(t, bob.SendChat("hi alice"))
	waitUntil(t, "message from bob", func() bool {
		st, _ := alice.Snapshot()
		return hasContent(st, "hi alice")
	})
	st, _ := alice.Snapshot()
	assert.True(t, st.HasUnseen)

	alice.MarkSeen()
	st, _ = alice.Snapshot()
	assert.False(t, st.HasUnseen)

	bob.Disconnect()
	waitUntil(t, "bob leaves", func() bool {
		st, _ := alice.Snapshot()
		return len(st.Users) == 1
	})
	alice.Disconnect()
}

func TestReactionToggleRoundTrip(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	require.NoError(t, engine.SendChat("react to me"))
	var targetID int64
	waitUntil(t, "chat echo", func() bool {
		st, _ := engine.Snapshot()
		if len(st.Messages) == 0 {
			return false
		}
		id, ok := st.Messages[0].Identity.ID()
		targetID = id
		return ok
	})

	require.NoError(t, engine.SendReaction(targetID, "👍"))
	waitUntil(t, "reaction held", func() bool {
		st, _ := engine.Snapshot()
		return st.Messages[0].HasReaction("alice", "👍")
	})

	// Same reaction again toggles it off.
	require.NoError(t, engine.SendReaction(targetID, "👍"))
	waitUntil(t, "reaction removed", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages[0].Reactions) == 0
	})
	engine.Disconnect()
}

func TestReactionToUnknownMessageRejectedLocally(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	assert.ErrorIs(t, engine.SendReaction(999, "👍"), ErrUnknownMessage)
	assert.ErrorIs(t, engine.SendReply("to nobody", 999), ErrUnknownMessage)
	engine.Disconnect()
}

func TestReplyCarriesOriginalSnapshot(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	require.NoError(t, engine.SendChat("original"))
	var targetID int64
	waitUntil(t, "chat echo", func() bool {
		st, _ := engine.Snapshot()
		if len(st.Messages) == 0 {
			return false
		}
		id, ok := st.Messages[0].Identity.ID()
		targetID = id
		return ok
	})

	require.NoError(t, engine.SendReply("and the reply", targetID))
	waitUntil(t, "reply echo", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages) == 2
	})
	st, _ := engine.Snapshot()
	reply := st.Messages[1]
	assert.Equal(t, model.KindReply, reply.Kind)
	assert.Equal(t, targetID, reply.ReplyToID)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "alice", reply.ReplyTo.Sender)
	assert.Equal(t, "original", reply.ReplyTo.Content)
	engine.Disconnect()
}

func TestImageOptimisticThenConfirmed(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	const data = "data:image/png;base64,iVBORw0KGgo="
	require.NoError(t, engine.SendImage(data, "image/png"))

	// The optimistic entry is visible immediately; the echo confirms it in
	// place, so the count never goes above one.
	st, _ := engine.Snapshot()
	require.Len(t, st.Messages, 1)

	waitUntil(t, "image echo confirmation", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages) == 1 && st.Messages[0].Identity.Confirmed()
	})
	st, _ = engine.Snapshot()
	assert.Equal(t, data, st.Messages[0].ImageData)
	engine.Disconnect()
}

func TestLoadMoreHistoryPaginates(t *testing.T) {
	env := newEnv(t)
	env.fake.PageSize = 2
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		env.fake.Seed("general", model.Frame{Username: "bob", Content: content})
	}

	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	waitUntil(t, "initial page", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages) == 2
	})
	st, _ := engine.Snapshot()
	assert.Equal(t, "m4", st.Messages[0].Content)
	assert.Equal(t, "m5", st.Messages[1].Content)
	require.True(t, st.Cursor.HasMore)

	require.NoError(t, engine.LoadMoreHistory())
	waitUntil(t, "second page", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages) == 4
	})
	st, _ = engine.Snapshot()
	assert.Equal(t, []string{"m2", "m3", "m4", "m5"}, contents(st))
	require.True(t, st.Cursor.HasMore)

	require.NoError(t, engine.LoadMoreHistory())
	waitUntil(t, "final page", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages) == 5
	})
	st, _ = engine.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, contents(st))
	assert.False(t, st.Cursor.HasMore)

	// Exhausted cursor: a further call is a silent no-op.
	require.NoError(t, engine.LoadMoreHistory())
	engine.Disconnect()
}

func contents(st stream.State) []string {
	out := make([]string, len(st.Messages))
	for i, m := range st.Messages {
		out[i] = m.Content
	}
	return out
}

func hasContent(st stream.State, text string) bool {
	for _, m := range st.Messages {
		if m.Content == text {
			return true
		}
	}
	return false
}

func TestDisconnectIsIdempotent(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	engine.Disconnect()
	engine.Disconnect()
	engine.Disconnect()

	st, sess := engine.Snapshot()
	assert.False(t, sess.Connected)
	assert.Empty(t, st.Messages)
	assert.ErrorIs(t, engine.SendChat("into the void"), ErrNotConnected)
	assert.ErrorIs(t, engine.SendImage("x", "image/png"), ErrNotConnected)
	assert.ErrorIs(t, engine.LoadMoreHistory(), ErrNotConnected)

	// The logout invalidated the server-side session.
	resumed, err := engine.Resume(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestResumeRestoresSession(t *testing.T) {
	env := newEnv(t)
	sessions := session.NewClient(env.srv.URL, testWait)

	// A previous run authenticated; the cookie is still in the jar.
	res, err := sessions.Authenticate(context.Background(), "alice", "tok", "general")
	require.NoError(t, err)
	require.True(t, res.Success)

	engine := New(env.cfg, sessions)
	resumed, err := engine.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, resumed)

	waitUntil(t, "resumed session", func() bool {
		_, sess := engine.Snapshot()
		return sess.Connected
	})
	_, sess := engine.Snapshot()
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "general", sess.Room)
	engine.Disconnect()
}

func TestResumeWithoutSession(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	resumed, err := engine.Resume(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)
	_, sess := engine.Snapshot()
	assert.False(t, sess.Connected)
}

func TestDuplicateUsernameIsFatal(t *testing.T) {
	env := newEnv(t)
	first := env.newEngine()
	require.NoError(t, first.Connect(context.Background(), "alice", "general", "tok"))

	second := env.newEngine()
	ec := &errCollector{}
	second.SetHandlers(Handlers{OnError: ec.add})
	require.NoError(t, second.Connect(context.Background(), "alice", "general", "tok"))

	waitUntil(t, "fatal error teardown", func() bool {
		_, sess := second.Snapshot()
		return !sess.Connected && ec.contains("Username already taken")
	})
	assert.ErrorIs(t, second.SendChat("too late"), ErrNotConnected)

	// The first session is unaffected.
	_, sess := first.Snapshot()
	assert.True(t, sess.Connected)
	first.Disconnect()
}

func TestUncleanCloseLeavesDisconnectedNotice(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))
	require.NoError(t, engine.SendChat("before the drop"))
	waitUntil(t, "chat echo", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Messages) == 1
	})

	engine.handleClose(ws.CloseInfo{Code: 1006, WasClean: false})

	st, sess := engine.Snapshot()
	assert.False(t, sess.Connected)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, model.KindNotification, st.Messages[0].Kind)
	assert.Equal(t, "Disconnected", st.Messages[0].Content)
}

// flakyTransport fronts the fake server, counting /ws dials and optionally
// rejecting them, to drive the reconnect path from the transport side.
type flakyTransport struct {
	inner   http.Handler
	mu      sync.Mutex
	dials   int
	failing bool
}

func (f *flakyTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		f.mu.Lock()
		f.dials++
		failing := f.failing
		f.mu.Unlock()
		if failing {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	f.inner.ServeHTTP(w, r)
}

func (f *flakyTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func newFlakyEngine(t *testing.T, rc config.ReconnectConfig) (*Client, *flakyTransport) {
	t.Helper()
	fake := chattest.NewServer()
	flaky := &flakyTransport{inner: fake.Handler()}
	srv := httptest.NewServer(flaky)
	t.Cleanup(srv.Close)
	cfg := &config.Config{
		ServerURL:       srv.URL,
		DialTimeout:     testWait,
		WriteTimeout:    testWait,
		HTTPTimeout:     testWait,
		HistoryPageSize: 2,
		Reconnect:       rc,
	}
	return New(cfg, session.NewClient(srv.URL, testWait)), flaky
}

func TestConnectSupersedesOldConnection(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	ec := &errCollector{}
	engine.SetHandlers(Handlers{OnError: ec.add})

	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))
	waitUntil(t, "first session", func() bool {
		_, sess := engine.Snapshot()
		return sess.Connected
	})

	// A second connect under the same name must fully replace the first:
	// were the old socket left open, the server would still hold its member
	// and reject the rejoin.
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))
	waitUntil(t, "second session with sole member", func() bool {
		st, sess := engine.Snapshot()
		return sess.Connected && len(st.Users) == 1 && st.Users[0] == "alice"
	})
	assert.False(t, ec.contains("Username already taken"))

	require.NoError(t, engine.SendChat("still alice"))
	waitUntil(t, "echo on the new connection", func() bool {
		st, _ := engine.Snapshot()
		return hasContent(st, "still alice")
	})
	engine.Disconnect()
}

func TestReconnectExhaustsAllAttempts(t *testing.T) {
	engine, flaky := newFlakyEngine(t, config.ReconnectConfig{
		MaxAttempts: 3,
		BaseDelayMs: 10,
		MaxDelayMs:  50,
	})
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))
	waitUntil(t, "initial session", func() bool {
		_, sess := engine.Snapshot()
		return sess.Connected
	})
	require.Equal(t, 1, flaky.dialCount())

	flaky.setFailing(true)
	engine.handleClose(ws.CloseInfo{Code: 1006, WasClean: false})

	// Initial dial plus every configured attempt.
	waitUntil(t, "all reconnect dials", func() bool {
		return flaky.dialCount() == 4
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, flaky.dialCount(), "no dials beyond MaxAttempts")
	_, sess := engine.Snapshot()
	assert.False(t, sess.Connected)
}

func TestReconnectRecoversAndRejoins(t *testing.T) {
	engine, flaky := newFlakyEngine(t, config.ReconnectConfig{
		MaxAttempts: 5,
		BaseDelayMs: 10,
		MaxDelayMs:  50,
	})
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))
	waitUntil(t, "initial session", func() bool {
		_, sess := engine.Snapshot()
		return sess.Connected
	})

	flaky.setFailing(true)
	engine.handleClose(ws.CloseInfo{Code: 1006, WasClean: false})
	waitUntil(t, "a failed redial", func() bool {
		return flaky.dialCount() >= 2
	})

	flaky.setFailing(false)
	waitUntil(t, "recovered session", func() bool {
		_, sess := engine.Snapshot()
		return sess.Connected
	})
	_, sess := engine.Snapshot()
	assert.Equal(t, "alice", sess.Username)

	// The old member is gone: the room holds exactly the rejoined user.
	waitUntil(t, "sole member after rejoin", func() bool {
		st, _ := engine.Snapshot()
		return len(st.Users) == 1 && st.Users[0] == "alice"
	})
	engine.Disconnect()
}

func TestOnUpdateFiresOnStateChanges(t *testing.T) {
	env := newEnv(t)
	engine := env.newEngine()
	var mu sync.Mutex
	updates := 0
	engine.SetHandlers(Handlers{OnUpdate: func() {
		mu.Lock()
		updates++
		mu.Unlock()
	}})
	require.NoError(t, engine.Connect(context.Background(), "alice", "general", "tok"))

	waitUntil(t, "updates after connect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates >= 2 // open + initial frames
	})
	engine.Disconnect()
}
