package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"modbot/internal/detect"
	"modbot/internal/dispatch"
	"modbot/internal/ingest"
	"modbot/internal/review"
	rtsup "modbot/internal/runtime/supervisor"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// ModChatID receives review artifacts. Only members of that chat can
	// press decision buttons.
	ModChatID int64
	// LogChatID receives alerts. Falls back to ModChatID.
	LogChatID int64

	// Chats lists the moderated groups. Groups the bot sees traffic from are
	// added at runtime.
	Chats []int64

	TimeoutDuration time.Duration
	RatePerSec      float64
	Burst           int
	AdminCacheTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.LogChatID == 0 {
		c.LogChatID = c.ModChatID
	}
	if c.TimeoutDuration <= 0 {
		c.TimeoutDuration = 24 * time.Hour
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.AdminCacheTTL <= 0 {
		c.AdminCacheTTL = 10 * time.Minute
	}
	return c
}

// chat_member is not delivered unless asked for.
var _ ingest.Privileges = (*Adapter)(nil)

var allowedUpdates = []string{"message", "edited_message", "callback_query", "chat_member"}

// Ingest receives converted updates. *ingest.Pipeline implements it.
type Ingest interface {
	HandleMessage(ev ingest.MessageEvent) error
	HandleEdit(msg detect.Message) error
	HandleDelete(channelID, messageID int64, at time.Time) error
	HandleMember(e storage.MemberEvent) error
}

// Reviewer applies review decisions. *review.Handler implements it.
type Reviewer interface {
	Handle(ctx context.Context, data, moderator string) (review.Outcome, error)
}

// Submitter runs decisions off the poll loop.
type Submitter interface {
	SubmitOnce(name string, w dispatch.Work) error
}

type adminEntry struct {
	ids     map[int64]struct{}
	fetched time.Time
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	limiter *rate.Limiter

	ingest   atomic.Pointer[Ingest]
	reviewer atomic.Pointer[Reviewer]
	pool     atomic.Pointer[Submitter]

	// timeout is the restriction length in nanoseconds; reloadable.
	timeout atomic.Int64

	chats  *xsync.Map[int64, struct{}]
	admins *xsync.Map[int64, adminEntry]

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// droppedUpdates counts updates the pipeline refused (dispatcher stopped).
	droppedUpdates atomic.Uint64
}

// New creates the bot client. offline skips the getMe round trip and is
// meant for tests.
func New(cfg Config, log logx.Logger, offline bool) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		chats:   xsync.NewMap[int64, struct{}](),
		admins:  xsync.NewMap[int64, adminEntry](),
	}
	a.timeout.Store(int64(cfg.TimeoutDuration))
	for _, id := range cfg.Chats {
		a.chats.Store(id, struct{}{})
	}

	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout:        cfg.PollTimeout,
			AllowedUpdates: allowedUpdates,
		},
		// Handlers submit to the ordered lane; running them one at a time
		// keeps that lane in arrival order.
		Synchronous: true,
		Offline:     offline,
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	a.registerHandlers()
	return a, nil
}

// Bind wires the consumers of inbound updates. It may be called before or
// after Start; updates arriving before Bind are dropped.
func (a *Adapter) Bind(in Ingest, rev Reviewer, pool Submitter) {
	a.ingest.Store(&in)
	a.reviewer.Store(&rev)
	a.pool.Store(&pool)
}

// SetTimeoutDuration changes how long future timeouts last.
func (a *Adapter) SetTimeoutDuration(d time.Duration) {
	if d <= 0 {
		d = 24 * time.Hour
	}
	a.timeout.Store(int64(d))
}

// BotID is the bot's own user id, or 0 when unknown.
func (a *Adapter) BotID() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.flushDropped()
				return
			case <-ticker.C:
				a.flushDropped()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (a *Adapter) flushDropped() {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped", logx.Uint64("count", n))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// wait blocks on the outbound limiter.
func (a *Adapter) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}
