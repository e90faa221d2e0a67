package detect

import "time"

// Config holds detector thresholds. Zero fields take the defaults below.
type Config struct {
	// LinkThreshold is the minimum links+attachments in one message that
	// makes the link-flood rule look at the author's history.
	LinkThreshold int
	// DormantWindow is how far back the author must have been silent.
	DormantWindow time.Duration
	// CleanupWindow bounds which recent messages are deleted after a timeout.
	CleanupWindow time.Duration

	// DuplicateMinLength is the text length a message must exceed before it
	// is checked for cross-channel reposts.
	DuplicateMinLength int
	DuplicateWindow    time.Duration

	// RejoinWindow is the longest join-leave-join sequence that is flagged.
	RejoinWindow time.Duration
}

const (
	defaultLinkThreshold      = 3
	DefaultDormantWindow      = 30 * 24 * time.Hour
	defaultCleanupWindow      = 5 * time.Minute
	defaultDuplicateMinLength = 10
	defaultDuplicateWindow    = 5 * time.Minute
	defaultRejoinWindow       = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.LinkThreshold <= 0 {
		c.LinkThreshold = defaultLinkThreshold
	}
	if c.DormantWindow <= 0 {
		c.DormantWindow = DefaultDormantWindow
	}
	if c.CleanupWindow <= 0 {
		c.CleanupWindow = defaultCleanupWindow
	}
	if c.DuplicateMinLength <= 0 {
		c.DuplicateMinLength = defaultDuplicateMinLength
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = defaultDuplicateWindow
	}
	if c.RejoinWindow <= 0 {
		c.RejoinWindow = defaultRejoinWindow
	}
	return c
}
