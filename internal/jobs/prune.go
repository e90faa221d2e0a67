package jobs

import (
	"context"
	"errors"
	"time"

	"modbot/internal/dispatch"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

const (
	PruneJob = "storage.prune"

	DefaultRetention     = 60 * 24 * time.Hour
	DefaultPruneSchedule = "@daily"
)

// Scheduler is the registration subset of *dispatch.Dispatcher.
type Scheduler interface {
	ScheduleSpec(name, spec string, w dispatch.Work) error
	ScheduleRepeating(name string, w dispatch.Work, period time.Duration) error
}

type Pruner interface {
	PruneBefore(ctx context.Context, before time.Time) (storage.PruneResult, error)
}

type PruneConfig struct {
	Retention time.Duration
	Schedule  string
}

// Prune deletes recorded activity older than the retention window.
type Prune struct {
	store Pruner
	cfg   PruneConfig
	log   logx.Logger
	now   func() time.Time
}

func NewPrune(store Pruner, cfg PruneConfig, log logx.Logger) *Prune {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultPruneSchedule
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prune{store: store, cfg: cfg, log: log.With(logx.String("job", PruneJob)), now: time.Now}
}

// Register schedules the prune job. A nil store registers nothing.
func (p *Prune) Register(s Scheduler) error {
	if p.store == nil {
		return nil
	}
	return s.ScheduleSpec(PruneJob, p.cfg.Schedule, dispatch.Func(p.Run))
}

// Run prunes once. Store failures are logged and do not end the schedule;
// the next run retries.
func (p *Prune) Run(ctx context.Context) error {
	cutoff := p.now().Add(-p.cfg.Retention)
	res, err := p.store.PruneBefore(ctx, cutoff)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		p.log.Debug("prune skipped; store closed")
		return nil
	case err != nil:
		p.log.Warn("prune failed", logx.Time("cutoff", cutoff), logx.Err(err))
		return nil
	}
	p.log.Info("prune done",
		logx.Time("cutoff", cutoff),
		logx.Int64("events", res.Events),
		logx.Int64("messages", res.Messages),
		logx.Int64("members", res.Members),
	)
	return nil
}
