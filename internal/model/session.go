package model

// Session is the ephemeral client session. Owned exclusively by the
// application controller; reset to the zero value on disconnect, auth
// failure or unclean close.
type Session struct {
	Username  string
	Room      string
	Connected bool
}
