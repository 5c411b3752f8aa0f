package chattest

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatkit/internal/logger"
	"github.com/chatkit/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type member struct {
	username string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (m *member) send(f model.Frame) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.conn.WriteJSON(f); err != nil {
		logger.Debugf("chattest write to %s: %v", m.username, err)
	}
}

type room struct {
	nextID    int64
	log       []model.Frame              // confirmed entries, ascending id
	reactions map[int64][]model.Reaction // full event history per message
	members   map[string]*member
}

type hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func newHub() *hub {
	return &hub{rooms: make(map[string]*room)}
}

func (h *hub) room(name string) *room {
	rm, ok := h.rooms[name]
	if !ok {
		rm = &room{
			reactions: make(map[int64][]model.Reaction),
			members:   make(map[string]*member),
		}
		h.rooms[name] = rm
	}
	return rm
}

func (h *hub) seed(name string, frames []model.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.room(name)
	for _, f := range frames {
		rm.nextID++
		f.ID = rm.nextID
		if f.Type == "" {
			f.Type = model.FrameChat
		}
		if f.Timestamp == "" {
			f.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		rm.log = append(rm.log, f)
	}
}

// handleWS upgrades the connection and runs the member loop. The session
// cookie must be valid; a username already present in the room gets an
// error frame and an immediate close, mirroring production behavior.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = sess.Username
	}
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		roomName = sess.Room
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("chattest upgrade: %v", err)
		return
	}
	m := &member{username: username, conn: conn}

	h := s.hub
	h.mu.Lock()
	rm := h.room(roomName)
	if _, taken := rm.members[username]; taken {
		h.mu.Unlock()
		m.send(model.Frame{Type: model.FrameError, Content: "Username already taken"})
		conn.Close()
		return
	}
	rm.members[username] = m
	users := rm.userList()
	batch := rm.latestBatch(s.PageSize)
	peers := rm.peers(username)
	h.mu.Unlock()

	for _, p := range peers {
		p.send(model.Frame{Type: model.FrameJoin, Username: username, UserList: users})
	}
	m.send(model.Frame{Type: model.FrameUserList, UserList: users})
	m.send(batch)

	s.readLoop(roomName, m)

	h.mu.Lock()
	delete(rm.members, username)
	users = rm.userList()
	peers = rm.peers(username)
	h.mu.Unlock()
	conn.Close()
	for _, p := range peers {
		p.send(model.Frame{Type: model.FrameLeave, Username: username, UserList: users})
	}
}

func (s *Server) readLoop(roomName string, m *member) {
	for {
		var f model.Frame
		if err := m.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case model.FrameChat:
			s.echoMessage(roomName, m, f)
		case model.FrameImage:
			s.echoMessage(roomName, m, f)
		case model.FrameReaction:
			s.applyReaction(roomName, m, f)
		case model.FrameLoadMoreHistory:
			s.serveHistory(roomName, m, f)
		default:
			m.send(model.Frame{Type: model.FrameError, Content: "unknown frame type"})
		}
	}
}

// echoMessage assigns an id and timestamp, stores the entry and broadcasts
// it to every member, sender included.
func (s *Server) echoMessage(roomName string, m *member, f model.Frame) {
	s.hub.mu.Lock()
	rm := s.hub.room(roomName)
	rm.nextID++
	f.ID = rm.nextID
	f.Username = m.username
	f.Timestamp = time.Now().UTC().Format(time.RFC3339)
	f.Room = ""
	rm.log = append(rm.log, f)
	peers := rm.allMembers()
	s.hub.mu.Unlock()

	for _, p := range peers {
		p.send(f)
	}
}

// applyReaction appends the event to the message's history and re-broadcasts
// the full history: toggling is the client's fold, the server only records.
func (s *Server) applyReaction(roomName string, m *member, f model.Frame) {
	s.hub.mu.Lock()
	rm := s.hub.room(roomName)
	found := false
	for i := range rm.log {
		if rm.log[i].ID == f.ReactionToID {
			found = true
			break
		}
	}
	if !found {
		s.hub.mu.Unlock()
		m.send(model.Frame{Type: model.FrameError, Content: "message not found"})
		return
	}
	rm.reactions[f.ReactionToID] = append(rm.reactions[f.ReactionToID], model.Reaction{
		Username:  m.username,
		Reaction:  f.Reaction,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	history := append([]model.Reaction(nil), rm.reactions[f.ReactionToID]...)
	peers := rm.allMembers()
	s.hub.mu.Unlock()

	out := model.Frame{
		Type:         model.FrameReaction,
		Username:     m.username,
		ReactionToID: f.ReactionToID,
		Reaction:     f.Reaction,
		Reactions:    history,
	}
	for _, p := range peers {
		p.send(out)
	}
}

// serveHistory sends the page ending just before the echoed page token,
// only to the requester.
func (s *Server) serveHistory(roomName string, m *member, f model.Frame) {
	before, err := strconv.ParseInt(f.PageToken, 10, 64)
	if err != nil {
		m.send(model.Frame{Type: model.FrameError, Content: "bad page token"})
		return
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = s.PageSize
	}

	s.hub.mu.Lock()
	rm := s.hub.room(roomName)
	end := len(rm.log)
	for i, entry := range rm.log {
		if entry.ID == before {
			end = i
			break
		}
	}
	batch := rm.batchEndingAt(end, pageSize)
	s.hub.mu.Unlock()
	m.send(batch)
}

func (r *room) userList() []string {
	users := make([]string, 0, len(r.members))
	for name := range r.members {
		users = append(users, name)
	}
	return users
}

// peers returns every member except the named one.
func (r *room) peers(except string) []*member {
	out := make([]*member, 0, len(r.members))
	for name, m := range r.members {
		if name != except {
			out = append(out, m)
		}
	}
	return out
}

func (r *room) allMembers() []*member {
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// latestBatch is the initial history page sent on connect.
func (r *room) latestBatch(pageSize int) model.Frame {
	return r.batchEndingAt(len(r.log), pageSize)
}

// batchEndingAt builds a history_batch of up to pageSize entries ending
// (exclusive) at index end, attaching each entry's reaction history. The
// page token is the id of the oldest entry served.
func (r *room) batchEndingAt(end, pageSize int) model.Frame {
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	items := make([]model.Frame, 0, end-start)
	for _, entry := range r.log[start:end] {
		entry.Reactions = append([]model.Reaction(nil), r.reactions[entry.ID]...)
		items = append(items, entry)
	}
	out := model.Frame{
		Type:    model.FrameHistoryBatch,
		History: items,
		HasMore: start > 0,
	}
	if len(items) > 0 {
		out.PageToken = strconv.FormatInt(items[0].ID, 10)
	}
	return out
}
