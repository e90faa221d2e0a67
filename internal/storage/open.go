package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbot/internal/detect"
	logx "modbot/pkg/logx"
)

// Store is the persistence API used by ingest and the detectors.
//
// It satisfies detect.ActivityWindowQuery, detect.DuplicateFinder and
// detect.MembershipHistory.
type Store interface {
	// InsertMessage records a new message. skip marks messages that the
	// detectors never act on (moderators, the bot itself); they are still
	// returned by activity queries.
	InsertMessage(ctx context.Context, m detect.Message, skip bool) error
	InsertMessageEdit(ctx context.Context, m detect.Message) error
	// InsertMessageDelete records that a message was removed. Unknown
	// messages are ignored.
	InsertMessageDelete(ctx context.Context, channelID, messageID int64, at time.Time) error
	InsertMemberEvent(ctx context.Context, e MemberEvent) error
	RecentMemberEvents(ctx context.Context, chatID, userID int64, limit int) ([]detect.MembershipEvent, error)

	QueryEntitySince(ctx context.Context, entityID, since int64) ([]detect.ActivityRecord, error)
	FindIdenticalInOtherChannel(ctx context.Context, entityID int64, contentHash string, since, excludeChannelID int64) (detect.ActivityRecord, bool, error)

	// PruneBefore drops events and member history older than before.
	PruneBefore(ctx context.Context, before time.Time) (PruneResult, error)
	Close() error
}

var (
	_ detect.ActivityWindowQuery = Store(nil)
	_ detect.DuplicateFinder     = Store(nil)
	_ detect.MembershipHistory   = Store(nil)
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// summary holds the derived columns stored alongside each event.
type summary struct {
	hash        string
	length      int
	links       int
	attachments int
}

func summarize(m detect.Message) summary {
	return summary{
		hash:        detect.ContentHash(m.Text),
		length:      len([]rune(m.Text)),
		links:       len(detect.MessageLinks(m)),
		attachments: len(m.Attachments),
	}
}

func eventTime(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Unix()
}
