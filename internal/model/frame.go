package model

// FrameType discriminates one JSON-encoded WebSocket frame.
type FrameType string

const (
	FrameChat            FrameType = "chat"
	FrameImage           FrameType = "image"
	FrameReaction        FrameType = "reaction"
	FrameHistoryBatch    FrameType = "history_batch"
	FrameUserList        FrameType = "user_list"
	FrameNotification    FrameType = "notification"
	FrameJoin            FrameType = "join"
	FrameLeave           FrameType = "leave"
	FrameError           FrameType = "error"
	FrameLoadMoreHistory FrameType = "load_more_history"
)

// Frame is the wire schema, inbound and outbound. Fields are a union over
// all frame types; unused fields are omitted on the wire. An absent id is
// encoded as 0 (server ids are positive).
type Frame struct {
	ID        int64     `json:"id,omitempty"`
	Type      FrameType `json:"type"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content,omitempty"`
	Room      string    `json:"room,omitempty"`
	UserList  []string  `json:"userList,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"` // ISO-8601

	// Image frames.
	ImageData string `json:"imageData,omitempty"`
	ImageType string `json:"imageType,omitempty"`

	// Reaction frames. Reactions carries the target message's full reaction
	// event history; the reducer folds it, it never patches incrementally.
	ReactionToID int64      `json:"reactionToId,omitempty"`
	Reaction     string     `json:"reaction,omitempty"`
	Reactions    []Reaction `json:"reactions,omitempty"`

	// Reply frames.
	ReplyToID int64     `json:"replyToId,omitempty"`
	ReplyTo   *ReplyRef `json:"replyTo,omitempty"`

	// History pagination.
	History   []Frame `json:"history,omitempty"`
	PageSize  int     `json:"pageSize,omitempty"`
	PageToken string  `json:"pageToken,omitempty"`
	HasMore   bool    `json:"hasMore,omitempty"`
}

// Cursor is the history pagination cursor, replaced wholesale on every
// history_batch frame. PageToken is opaque and echoed back verbatim.
type Cursor struct {
	HasMore   bool
	PageToken string
}
