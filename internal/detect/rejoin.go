package detect

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"modbot/internal/dispatch"
	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

const RuleRapidRejoin = "rapid_rejoin"

// RapidRejoinDetector flags users who join, leave and join a chat again in a
// short time. Rejoining resets the markers the platform shows on new members.
// A hit only raises an alert; nobody is restricted.
type RapidRejoinDetector struct {
	cfg      atomic.Pointer[Config]
	history  MembershipHistory
	actuator ModerationActuator
	log      logx.Logger
	bus      eventbus.Bus
}

func NewRapidRejoin(cfg Config, history MembershipHistory, actuator ModerationActuator, log logx.Logger, bus eventbus.Bus) *RapidRejoinDetector {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &RapidRejoinDetector{
		history:  history,
		actuator: actuator,
		log:      log.With(logx.String("comp", "detect"), logx.String("rule", RuleRapidRejoin)),
		bus:      bus,
	}
	d.Apply(cfg)
	return d
}

func (d *RapidRejoinDetector) Apply(cfg Config) {
	c := cfg.withDefaults()
	d.cfg.Store(&c)
}

func (d *RapidRejoinDetector) Rule() string { return RuleRapidRejoin }

// MemberWork wraps Inspect for the dispatcher pool.
func (d *RapidRejoinDetector) MemberWork(e MembershipEvent) dispatch.Work {
	return dispatch.Func(func(ctx context.Context) error {
		_, err := d.Inspect(ctx, e)
		return err
	})
}

// Inspect looks at the three latest membership events of e's user. e must
// already be stored.
func (d *RapidRejoinDetector) Inspect(ctx context.Context, e MembershipEvent) (Verdict, error) {
	cfg := *d.cfg.Load()
	subject := Message{ChannelID: e.ChatID, AuthorID: e.UserID, AuthorName: e.Username}
	v := Verdict{Rule: RuleRapidRejoin}
	if e.Action != MemberJoin {
		return recordVerdict(d.bus, subject, v), nil
	}

	events, err := d.history.RecentMemberEvents(ctx, e.ChatID, e.UserID, 3)
	if err != nil {
		return Verdict{}, fmt.Errorf("rapid rejoin: member history of %d: %w", e.UserID, err)
	}
	if len(events) < 3 ||
		events[0].Action != MemberJoin || events[1].Action != MemberLeave || events[2].Action != MemberJoin {
		return recordVerdict(d.bus, subject, v), nil
	}
	span := time.Duration(events[0].At-events[2].At) * time.Second
	if span >= cfg.RejoinWindow {
		return recordVerdict(d.bus, subject, v), nil
	}

	window := strings.TrimSpace(humanize.RelTime(time.Time{}, time.Time{}.Add(cfg.RejoinWindow), "", ""))
	d.actuator.PublishAlert(ctx, Alert{
		Title: "Fast join-leave-join detected",
		Description: fmt.Sprintf("A join-leave-join pattern was detected within less than %s. "+
			"This is often a sign that someone is trying to hide that they only just joined.", window),
		EntityID:   e.UserID,
		EntityName: e.Username,
	})
	d.log.Info("rapid rejoin flagged",
		logx.Int64("user", e.UserID),
		logx.Int64("chat", e.ChatID),
		logx.Duration("span", span),
	)

	v.Classification = RapidRejoin
	v.Action = ActionFlagForReview
	return recordVerdict(d.bus, subject, v), nil
}
