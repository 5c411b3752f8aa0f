package stream

import (
	"fmt"
	"time"

	"github.com/chatkit/internal/logger"
	"github.com/chatkit/internal/model"
)

// Reducer folds inbound frames into State. LocalUser decides unseen-message
// marking and optimistic-echo reconciliation; Now is injectable for tests
// and stamps synthetic notifications, which carry no server timestamp.
type Reducer struct {
	LocalUser string
	Now       func() time.Time
}

func (r *Reducer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Apply consumes one inbound frame and returns the next state. Unrecognized
// frame types are logged and ignored; Apply never panics on malformed
// content. Error frames do not mutate state (see ClassifyError).
func (r *Reducer) Apply(s State, f model.Frame) State {
	switch f.Type {
	case model.FrameChat:
		return r.applyChat(s, f)
	case model.FrameImage:
		return r.applyImage(s, f)
	case model.FrameReaction:
		return r.applyReaction(s, f)
	case model.FrameHistoryBatch:
		return r.applyHistory(s, f)
	case model.FrameUserList:
		s.Users = append([]string(nil), f.UserList...)
		return s
	case model.FrameNotification:
		return r.appendNotification(s, f.Content)
	case model.FrameJoin:
		s = r.appendNotification(s, presenceText(f, "joined the room"))
		if f.UserList != nil {
			s.Users = append([]string(nil), f.UserList...)
		}
		return s
	case model.FrameLeave:
		s = r.appendNotification(s, presenceText(f, "left the room"))
		if f.UserList != nil {
			s.Users = append([]string(nil), f.UserList...)
		}
		return s
	case model.FrameError:
		// Surfaced by the caller; the log is untouched.
		return s
	default:
		logger.Debugf("stream: ignoring frame type %q", f.Type)
		return s
	}
}

// applyChat appends a chat (or reply) entry. Re-delivery of an id already
// in the log is a no-op.
func (r *Reducer) applyChat(s State, f model.Frame) State {
	if f.ID != 0 && s.FindByID(f.ID) >= 0 {
		return s
	}
	entry := model.Message{
		Identity:  identityFor(f.ID),
		Kind:      model.KindChat,
		Sender:    f.Username,
		Content:   f.Content,
		Timestamp: f.Timestamp,
	}
	if f.ReplyToID != 0 {
		entry.Kind = model.KindReply
		entry.ReplyToID = f.ReplyToID
		entry.ReplyTo = f.ReplyTo
	}
	s.Messages = appendCopy(s.Messages, entry)
	if f.Username != r.LocalUser {
		s.HasUnseen = true
	}
	return s
}

// applyImage reconciles the server echo of the local user's own image with
// the pending optimistic entry, patching its identity in place instead of
// appending a duplicate. Foreign images append as new entries.
func (r *Reducer) applyImage(s State, f model.Frame) State {
	if f.ID != 0 && s.FindByID(f.ID) >= 0 {
		return s
	}
	if f.Username == r.LocalUser {
		for i := range s.Messages {
			m := &s.Messages[i]
			if !m.Identity.Confirmed() && m.Sender == f.Username && m.ImageData == f.ImageData {
				next := make([]model.Message, len(s.Messages))
				copy(next, s.Messages)
				next[i].Identity = next[i].Identity.Confirm(f.ID)
				if f.Timestamp != "" {
					next[i].Timestamp = f.Timestamp
				}
				s.Messages = next
				return s
			}
		}
	}
	entry := model.Message{
		Identity:  identityFor(f.ID),
		Kind:      model.KindImage,
		Sender:    f.Username,
		ImageData: f.ImageData,
		ImageType: f.ImageType,
		Timestamp: f.Timestamp,
	}
	s.Messages = appendCopy(s.Messages, entry)
	if f.Username != r.LocalUser {
		s.HasUnseen = true
	}
	return s
}

// applyReaction recomputes the target message's reaction list from the
// frame's embedded full reaction history, treating it as authoritative.
// Toggle semantics: an event for a (user, value) pair already held removes
// it, otherwise it is appended. A missing target is a no-op.
func (r *Reducer) applyReaction(s State, f model.Frame) State {
	idx := s.FindByID(f.ReactionToID)
	if idx < 0 {
		logger.Debugf("stream: reaction for unknown message id=%d", f.ReactionToID)
		return s
	}
	next := make([]model.Message, len(s.Messages))
	copy(next, s.Messages)
	next[idx].Reactions = foldReactions(f.Reactions)
	s.Messages = next
	return s
}

// foldReactions folds a full reaction event history into the held set.
func foldReactions(events []model.Reaction) []model.Reaction {
	held := make([]model.Reaction, 0, len(events))
	for _, ev := range events {
		removed := false
		for i, h := range held {
			if h.Username == ev.Username && h.Reaction == ev.Reaction {
				held = append(held[:i], held[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			held = append(held, ev)
		}
	}
	return held
}

// applyHistory prepends the mapped batch before the existing log (history
// is always older than anything currently present) and replaces the cursor
// verbatim. Items whose id is already materialized are dropped so the log
// never holds two entries with the same defined id.
func (r *Reducer) applyHistory(s State, f model.Frame) State {
	batch := make([]model.Message, 0, len(f.History))
	for _, item := range f.History {
		if item.ID != 0 && s.FindByID(item.ID) >= 0 {
			continue
		}
		batch = append(batch, historyEntry(item))
	}
	next := make([]model.Message, 0, len(batch)+len(s.Messages))
	next = append(next, batch...)
	next = append(next, s.Messages...)
	s.Messages = next
	s.Cursor = model.Cursor{HasMore: f.HasMore, PageToken: f.PageToken}
	return s
}

// historyEntry maps one historical item to a log entry, preserving its
// original id, type and reactions.
func historyEntry(item model.Frame) model.Message {
	kind := model.Kind(item.Type)
	if item.ReplyToID != 0 {
		kind = model.KindReply
	}
	return model.Message{
		Identity:  identityFor(item.ID),
		Kind:      kind,
		Sender:    item.Username,
		Content:   item.Content,
		ImageData: item.ImageData,
		ImageType: item.ImageType,
		Timestamp: item.Timestamp,
		Reactions: foldReactions(item.Reactions),
		ReplyToID: item.ReplyToID,
		ReplyTo:   item.ReplyTo,
	}
}

func (r *Reducer) appendNotification(s State, content string) State {
	entry := model.Message{
		Identity:  model.PendingID(),
		Kind:      model.KindNotification,
		Content:   content,
		Timestamp: r.now().UTC().Format(time.RFC3339),
	}
	s.Messages = appendCopy(s.Messages, entry)
	return s
}

func presenceText(f model.Frame, verb string) string {
	if f.Content != "" {
		return f.Content
	}
	return fmt.Sprintf("%s %s", f.Username, verb)
}

func identityFor(id int64) model.Identity {
	if id != 0 {
		return model.ConfirmedID(id)
	}
	return model.PendingID()
}
