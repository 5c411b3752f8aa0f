package model

// Kind classifies a canonical chat-log entry.
type Kind string

const (
	KindChat         Kind = "chat"
	KindImage        Kind = "image"
	KindNotification Kind = "notification"
	KindReaction     Kind = "reaction-event"
	KindReply        Kind = "reply"
)

// Message is one canonical chat-log entry. It is engine state, not a wire
// type; inbound frames are mapped onto it by the stream reducer.
type Message struct {
	Identity  Identity
	Kind      Kind
	Sender    string // empty for synthetic notifications
	Content   string
	ImageData string // data URI or remote URL, image entries only
	ImageType string
	Timestamp string // ISO-8601, as received
	Reactions []Reaction
	ReplyToID int64
	ReplyTo   *ReplyRef
}

// Reaction is one held reaction on a message. A user holds at most one
// reaction per distinct value; the list is ordered by arrival.
type Reaction struct {
	Username  string `json:"username"`
	Reaction  string `json:"reaction"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ReplyRef is the denormalized snapshot of the original message taken at
// reply time. It is a weak reference: never updated after the fact.
type ReplyRef struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// HasReaction reports whether user already holds the given reaction value.
func (m *Message) HasReaction(username, value string) bool {
	for _, r := range m.Reactions {
		if r.Username == username && r.Reaction == value {
			return true
		}
	}
	return false
}
