package detect

import (
	"context"
	"fmt"
	"time"
)

// ActivityRecord is one persisted message as seen by the detectors.
type ActivityRecord struct {
	RecordID        int64
	ChannelID       int64
	EntityID        int64
	Timestamp       int64 // unix seconds
	ContentLength   int
	AttachmentCount int
	LinkCount       int
}

// Attachment is file metadata carried by a message.
type Attachment struct {
	Name string
	Kind string // photo | document | video | audio | animation | voice
	Size int64
}

// Message is an inbound chat message handed to detectors.
type Message struct {
	ID          int64
	ChannelID   int64
	AuthorID    int64
	AuthorName  string
	Text        string
	Attachments []Attachment
	SentAt      time.Time

	// Links are URLs the platform reports outside the visible text, such as
	// hyperlinked words. They are merged with the links found in Text.
	Links []string
	// GroupID is set when the platform delivers several messages as one
	// media group.
	GroupID string
	// Parts lists the other message IDs of the group this message stands
	// for. They share ChannelID.
	Parts []int64
}

type Classification int

const (
	Clean Classification = iota
	SuspectedScam
	SuspectedSpam
	RapidRejoin
)

func (c Classification) String() string {
	switch c {
	case Clean:
		return "clean"
	case SuspectedScam:
		return "suspected_scam"
	case SuspectedSpam:
		return "suspected_spam"
	case RapidRejoin:
		return "rapid_rejoin"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

type Action int

const (
	ActionNone Action = iota
	ActionTimeout
	ActionFlagForReview
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionTimeout:
		return "timeout"
	case ActionFlagForReview:
		return "flag_for_review"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Verdict is the result of one detector pass.
type Verdict struct {
	Rule           string
	Classification Classification
	Action         Action
	Evidence       []ActivityRecord
}

// DecisionStyle hints how a decision button should be rendered.
type DecisionStyle string

const (
	StyleDanger  DecisionStyle = "danger"
	StyleSuccess DecisionStyle = "success"
	StyleNeutral DecisionStyle = "neutral"
)

// Decision is one human-actionable choice attached to a review artifact.
type Decision struct {
	Label string
	Data  string
	Style DecisionStyle
}

// ReviewArtifact is posted to the moderation review surface after an
// automatic action so a human can confirm or revert it.
type ReviewArtifact struct {
	ID          string
	Title       string
	Description string
	EntityID    int64
	EntityName  string
	Links       []string
	Attachments []Attachment
	Deleted     int
	Decisions   []Decision
}

// Alert asks a human to step in because an automatic action failed.
type Alert struct {
	Title       string
	Description string
	EntityID    int64
	EntityName  string
}

// ActivityWindowQuery reads an entity's recent activity.
type ActivityWindowQuery interface {
	// QueryEntitySince returns the entity's records with Timestamp >= since,
	// newest first. No activity is an empty slice, not an error.
	QueryEntitySince(ctx context.Context, entityID, since int64) ([]ActivityRecord, error)
}

// ModerationActuator carries out moderation actions on the chat platform.
type ModerationActuator interface {
	// TimeoutAndNotify restricts the entity and tells it why. It reports
	// whether the entity was restricted; platforms that let users refuse
	// direct messages treat the notification as best effort.
	TimeoutAndNotify(ctx context.Context, entityID int64) bool
	// DeleteRecord removes a message. Failures are the actuator's concern.
	DeleteRecord(ctx context.Context, channelID, recordID int64)
	PublishReviewArtifact(ctx context.Context, a ReviewArtifact)
	PublishAlert(ctx context.Context, a Alert)
}

// DuplicateFinder looks up an identical recent message in another channel.
type DuplicateFinder interface {
	FindIdenticalInOtherChannel(ctx context.Context, entityID int64, contentHash string, since, excludeChannelID int64) (ActivityRecord, bool, error)
}

// Membership actions.
const (
	MemberJoin  = "join"
	MemberLeave = "leave"
	MemberBan   = "ban"
)

// MembershipEvent is one persisted join, leave or ban.
type MembershipEvent struct {
	ChatID   int64
	UserID   int64
	Username string
	Action   string
	At       int64 // unix seconds
}

// MembershipHistory reads a user's recent membership changes.
type MembershipHistory interface {
	// RecentMemberEvents returns at most limit events of userID in chatID,
	// newest first.
	RecentMemberEvents(ctx context.Context, chatID, userID int64, limit int) ([]MembershipEvent, error)
}

// Noticer posts a short notice in reply to a message.
type Noticer interface {
	PostNotice(ctx context.Context, channelID, replyTo int64, text string)
}
