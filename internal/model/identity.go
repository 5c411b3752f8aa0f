package model

import "github.com/google/uuid"

// Identity identifies a log entry as either confirmed (server-assigned id)
// or pending (client temp key, awaiting the server echo). Exactly one of the
// two is set; the zero value is neither and never appears in the log.
type Identity struct {
	id      int64
	tempKey string
}

// ConfirmedID builds a confirmed identity from a server-assigned id.
func ConfirmedID(id int64) Identity {
	return Identity{id: id}
}

// PendingID builds a pending identity with a fresh client temp key.
func PendingID() Identity {
	return Identity{tempKey: uuid.NewString()}
}

// Confirmed reports whether the server has acknowledged this entry.
func (i Identity) Confirmed() bool { return i.id != 0 }

// ID returns the server-assigned id and whether it is set.
func (i Identity) ID() (int64, bool) { return i.id, i.id != 0 }

// TempKey returns the client temp key; empty once confirmed.
func (i Identity) TempKey() string { return i.tempKey }

// Confirm returns the identity upgraded with the server-assigned id.
func (i Identity) Confirm(id int64) Identity {
	return Identity{id: id}
}
