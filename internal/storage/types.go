package storage

import (
	"errors"
	"time"

	"modbot/internal/detect"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store, lost on restart
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event kinds stored for a message.
const (
	ActionSend   = "send"
	ActionEdit   = "edit"
	ActionDelete = "delete"
)

// Member event kinds.
const (
	MemberJoin  = detect.MemberJoin
	MemberLeave = detect.MemberLeave
	MemberBan   = detect.MemberBan
)

// MemberEvent records a user joining, leaving or being banned from a chat.
type MemberEvent struct {
	At       time.Time
	ChatID   int64
	UserID   int64
	Username string
	Action   string // MemberJoin | MemberLeave | MemberBan
}

// Membership is the detector view of e.
func (e MemberEvent) Membership() detect.MembershipEvent {
	return detect.MembershipEvent{
		ChatID:   e.ChatID,
		UserID:   e.UserID,
		Username: e.Username,
		Action:   e.Action,
		At:       eventTime(e.At),
	}
}

// PruneResult counts what PruneBefore removed.
type PruneResult struct {
	Events   int64
	Messages int64
	Members  int64
}
