package detect

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"modbot/internal/dispatch"
	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

const RuleDuplicateRepost = "duplicate_repost"

const repostNotice = "It looks like you've re-posted the same message that you have already recently sent. Please avoid spamming multiple chats. I've gone ahead and deleted your previous message for you."

// DuplicateRepostDetector catches the same text posted by one author into
// several channels within a short window. The earlier copy is deleted and the
// author is told why.
type DuplicateRepostDetector struct {
	cfg      atomic.Pointer[Config]
	finder   DuplicateFinder
	actuator ModerationActuator
	noticer  Noticer
	log      logx.Logger
	bus      eventbus.Bus

	now func() time.Time
}

func NewDuplicateRepost(cfg Config, finder DuplicateFinder, actuator ModerationActuator, noticer Noticer, log logx.Logger, bus eventbus.Bus) *DuplicateRepostDetector {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &DuplicateRepostDetector{
		finder:   finder,
		actuator: actuator,
		noticer:  noticer,
		log:      log.With(logx.String("comp", "detect"), logx.String("rule", RuleDuplicateRepost)),
		bus:      bus,
		now:      time.Now,
	}
	d.Apply(cfg)
	return d
}

func (d *DuplicateRepostDetector) Apply(cfg Config) {
	c := cfg.withDefaults()
	d.cfg.Store(&c)
}

func (d *DuplicateRepostDetector) Work(msg Message) dispatch.Work {
	return dispatch.Func(func(ctx context.Context) error {
		_, err := d.Inspect(ctx, msg)
		return err
	})
}

func (d *DuplicateRepostDetector) Inspect(ctx context.Context, msg Message) (Verdict, error) {
	cfg := *d.cfg.Load()
	v := Verdict{Rule: RuleDuplicateRepost}

	// Short messages are mostly greetings and emoji.
	if utf8.RuneCountInString(msg.Text) <= cfg.DuplicateMinLength {
		return recordVerdict(d.bus, msg, v), nil
	}

	since := d.now().Add(-cfg.DuplicateWindow).Unix()
	prev, found, err := d.finder.FindIdenticalInOtherChannel(ctx, msg.AuthorID, ContentHash(msg.Text), since, msg.ChannelID)
	if err != nil {
		return Verdict{}, fmt.Errorf("duplicate repost: lookup for %d: %w", msg.AuthorID, err)
	}
	if !found {
		return recordVerdict(d.bus, msg, v), nil
	}

	d.actuator.DeleteRecord(ctx, prev.ChannelID, prev.RecordID)
	d.noticer.PostNotice(ctx, msg.ChannelID, msg.ID, repostNotice)
	d.log.Info("duplicate repost removed",
		logx.Int64("author", msg.AuthorID),
		logx.Int64("channel", msg.ChannelID),
		logx.Int64("previous_channel", prev.ChannelID),
		logx.Int64("previous_record", prev.RecordID),
	)

	v.Classification = SuspectedSpam
	v.Evidence = []ActivityRecord{prev}
	return recordVerdict(d.bus, msg, v), nil
}

func (d *DuplicateRepostDetector) Rule() string { return RuleDuplicateRepost }
