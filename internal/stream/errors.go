package stream

import "strings"

// ErrorKind classifies a server-sent error frame. The wire protocol carries
// no structured code, so classification matches the known substring set on
// the message text; fatal kinds force a full session teardown.
type ErrorKind int

const (
	ErrorOther ErrorKind = iota
	ErrorAuthFailed
	ErrorDuplicateUsername
	ErrorInvalidRoom
)

// Fatal reports whether the error kind requires a full disconnect.
func (k ErrorKind) Fatal() bool {
	return k != ErrorOther
}

func (k ErrorKind) String() string {
	switch k {
	case ErrorAuthFailed:
		return "auth_failed"
	case ErrorDuplicateUsername:
		return "duplicate_username"
	case ErrorInvalidRoom:
		return "invalid_room"
	}
	return "other"
}

// ClassifyError maps a server error message onto an ErrorKind.
func ClassifyError(text string) ErrorKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "auth failed") || strings.Contains(lower, "unauthorized"):
		return ErrorAuthFailed
	case strings.Contains(lower, "username") && (strings.Contains(lower, "taken") || strings.Contains(lower, "duplicate") || strings.Contains(lower, "in use")):
		return ErrorDuplicateUsername
	case strings.Contains(lower, "invalid room") || strings.Contains(lower, "room not found") || strings.Contains(lower, "no such room"):
		return ErrorInvalidRoom
	}
	return ErrorOther
}
