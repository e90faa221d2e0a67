package detect

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"modbot/internal/dispatch"
	"modbot/internal/eventbus"
	"modbot/internal/review"
	logx "modbot/pkg/logx"
)

const RuleLinkFlood = "link_flood"

// LinkFloodDetector flags dormant or brand-new accounts whose message carries
// many links or attachments, the usual shape of a compromised-account scam.
//
// A hit times the author out, sweeps their messages from the last few minutes
// in every channel and posts a review artifact so a moderator can kick the
// author or lift the timeout.
type LinkFloodDetector struct {
	cfg      atomic.Pointer[Config]
	activity ActivityWindowQuery
	actuator ModerationActuator
	log      logx.Logger
	bus      eventbus.Bus

	now func() time.Time
}

func NewLinkFlood(cfg Config, activity ActivityWindowQuery, actuator ModerationActuator, log logx.Logger, bus eventbus.Bus) *LinkFloodDetector {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &LinkFloodDetector{
		activity: activity,
		actuator: actuator,
		log:      log.With(logx.String("comp", "detect"), logx.String("rule", RuleLinkFlood)),
		bus:      bus,
		now:      time.Now,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps thresholds; safe to call while Inspect runs.
func (d *LinkFloodDetector) Apply(cfg Config) {
	c := cfg.withDefaults()
	d.cfg.Store(&c)
}

// Work wraps Inspect for the dispatcher pool.
func (d *LinkFloodDetector) Work(msg Message) dispatch.Work {
	return dispatch.Func(func(ctx context.Context) error {
		_, err := d.Inspect(ctx, msg)
		return err
	})
}

// EditWork inspects an edited message. Links edited into an old message
// count the same as links in a new one.
func (d *LinkFloodDetector) EditWork(msg Message) dispatch.Work { return d.Work(msg) }

func (d *LinkFloodDetector) Inspect(ctx context.Context, msg Message) (Verdict, error) {
	cfg := *d.cfg.Load()

	links := MessageLinks(msg)
	if len(links)+len(msg.Attachments) < cfg.LinkThreshold {
		return d.finish(msg, Verdict{Rule: RuleLinkFlood}), nil
	}

	since := d.now().Add(-cfg.DormantWindow).Unix()
	history, err := d.activity.QueryEntitySince(ctx, msg.AuthorID, since)
	if err != nil {
		return Verdict{}, fmt.Errorf("link flood: query activity of %d: %w", msg.AuthorID, err)
	}
	// The window always holds the triggering message itself. Other parts of
	// its media group are the same post.
	if len(history)-groupRecords(history, msg) > 1 {
		return d.finish(msg, Verdict{Rule: RuleLinkFlood, Evidence: history}), nil
	}

	v := Verdict{Rule: RuleLinkFlood, Classification: SuspectedScam, Action: ActionTimeout, Evidence: history}

	if !d.actuator.TimeoutAndNotify(ctx, msg.AuthorID) {
		actuatorFailureCount.WithLabelValues(RuleLinkFlood).Inc()
		d.log.Warn("timeout failed", logx.Int64("author", msg.AuthorID))
		d.actuator.PublishAlert(ctx, Alert{
			Title:       "Failed to timeout suspected bot",
			Description: "Was unable to timeout and/or notify the user of the timeout. Please check if the suspected bot is still active in the chat.",
			EntityID:    msg.AuthorID,
			EntityName:  msg.AuthorName,
		})
		return d.finish(msg, v), nil
	}

	recent, qerr := d.activity.QueryEntitySince(ctx, msg.AuthorID, d.now().Add(-cfg.CleanupWindow).Unix())
	for _, r := range recent {
		d.actuator.DeleteRecord(ctx, r.ChannelID, r.RecordID)
	}
	cleanupDeleteCount.Add(float64(len(recent)))

	d.actuator.PublishReviewArtifact(ctx, buildReview(cfg, msg, links, len(recent)))
	d.log.Info("suspected scam timed out",
		logx.Int64("author", msg.AuthorID),
		logx.Int("links", len(links)),
		logx.Int("attachments", len(msg.Attachments)),
		logx.Int("deleted", len(recent)),
	)

	v = d.finish(msg, v)
	if qerr != nil {
		return v, fmt.Errorf("link flood: cleanup query for %d: %w", msg.AuthorID, qerr)
	}
	return v, nil
}

func groupRecords(history []ActivityRecord, msg Message) int {
	if len(msg.Parts) == 0 {
		return 0
	}
	n := 0
	for _, r := range history {
		if r.ChannelID == msg.ChannelID && slices.Contains(msg.Parts, r.RecordID) {
			n++
		}
	}
	return n
}

func (d *LinkFloodDetector) finish(msg Message, v Verdict) Verdict {
	return recordVerdict(d.bus, msg, v)
}

// recordVerdict counts v and publishes it when it is not clean.
func recordVerdict(bus eventbus.Bus, msg Message, v Verdict) Verdict {
	verdictCount.WithLabelValues(v.Rule, v.Classification.String()).Inc()
	if v.Classification != Clean && bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.Verdict, Time: time.Now(), Data: VerdictEvent{
			Rule:           v.Rule,
			MessageID:      msg.ID,
			ChannelID:      msg.ChannelID,
			AuthorID:       msg.AuthorID,
			Classification: v.Classification.String(),
			Action:         v.Action.String(),
		}})
	}
	return v
}

// VerdictEvent is published on the bus for every non-clean verdict.
type VerdictEvent struct {
	Rule           string `json:"rule"`
	MessageID      int64  `json:"message_id"`
	ChannelID      int64  `json:"channel_id"`
	AuthorID       int64  `json:"author_id"`
	Classification string `json:"classification"`
	Action         string `json:"action"`
}

func buildReview(cfg Config, msg Message, links []string, deleted int) ReviewArtifact {
	var b strings.Builder
	fmt.Fprintf(&b, "User has not posted anything else in the last %d days, but posted at least %d links and/or attachments in one message.\n\n",
		int(cfg.DormantWindow/(24*time.Hour)), cfg.LinkThreshold)
	fmt.Fprintf(&b, "Any other messages they have sent in the last %d minutes are also being deleted for safety.\n\n",
		int(cfg.CleanupWindow/time.Minute))
	b.WriteString("You may review the links and/or attachments below. If they look safe, use the green button to remove the timeout. If they look malicious, use the red button to kick the user.")

	return ReviewArtifact{
		ID:          uuid.NewString(),
		Title:       "User timed out for suspected image scams",
		Description: b.String(),
		EntityID:    msg.AuthorID,
		EntityName:  msg.AuthorName,
		Links:       links,
		Attachments: msg.Attachments,
		Deleted:     deleted,
		Decisions: []Decision{
			{Label: "Looks like a bot scam, kick user", Data: review.Encode(review.Decision{Verb: review.VerbKick, EntityID: msg.AuthorID}), Style: StyleDanger},
			{Label: "Looks innocent, remove timeout", Data: review.Encode(review.Decision{Verb: review.VerbClear, EntityID: msg.AuthorID}), Style: StyleSuccess},
		},
	}
}

func (d *LinkFloodDetector) Rule() string { return RuleLinkFlood }
