// Package stream is the pure message-stream state machine: it consumes
// inbound protocol frames and produces the canonical ordered message log,
// the presence list and the pagination cursor. It performs no I/O.
package stream

import (
	"time"

	"github.com/chatkit/internal/model"
)

// State is the canonical client view of one chat session. Values are
// treated as immutable: Apply and the local-append helpers return a new
// State and never mutate their input.
type State struct {
	// Messages is the ordered log, receipt order. history_batch frames are
	// the only thing that changes global ordering, by prepending as a block.
	Messages []model.Message
	// Users is the presence list, wholesale-replaced on every frame that
	// carries a userList.
	Users []string
	// Cursor is the history pagination cursor, replaced verbatim on every
	// history_batch, never merged.
	Cursor model.Cursor
	// HasUnseen is set when a chat or image from another user arrives.
	HasUnseen bool
}

// NewState returns the empty session state.
func NewState() State {
	return State{}
}

// MarkSeen clears the unseen-message flag.
func MarkSeen(s State) State {
	s.HasUnseen = false
	return s
}

// FindByID returns the index of the confirmed entry with the given server
// id, or -1.
func (s State) FindByID(id int64) int {
	for i := range s.Messages {
		if got, ok := s.Messages[i].Identity.ID(); ok && got == id {
			return i
		}
	}
	return -1
}

// AppendPendingImage appends an optimistic image entry that has no server
// id yet. The first echo frame with matching imageData and sender confirms
// it in place.
func AppendPendingImage(s State, sender, imageData, imageType string, now time.Time) State {
	entry := model.Message{
		Identity:  model.PendingID(),
		Kind:      model.KindImage,
		Sender:    sender,
		ImageData: imageData,
		ImageType: imageType,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	s.Messages = appendCopy(s.Messages, entry)
	return s
}

// appendCopy appends without aliasing the input slice's backing array.
func appendCopy(log []model.Message, entry model.Message) []model.Message {
	next := make([]model.Message, len(log), len(log)+1)
	copy(next, log)
	return append(next, entry)
}
