package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"modbot/internal/eventbus"
	rtsup "modbot/internal/runtime/supervisor"
	logx "modbot/pkg/logx"
)

// Dispatcher owns the ordered lane, the general pool and the job registry.
type Dispatcher struct {
	cfg      Config
	sink     FaultSink
	log      logx.Logger
	bus      eventbus.Bus
	fallback io.Writer

	ordered *fifo
	pool    *fifo
	jobs    *registry

	// sup hosts lane workers and job drivers. Its context is the context
	// handed to work; it is canceled when the shutdown grace expires.
	sup *rtsup.Supervisor

	mu       sync.RWMutex
	stopped  bool
	delayed  map[uint64]*time.Timer
	delaySeq uint64

	inFlight  atomic.Int32
	submitted atomic.Uint64
	faults    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithFallback sets the stream used when the FaultSink itself fails.
// Defaults to logx.Stderr().
func WithFallback(w io.Writer) Option {
	return func(d *Dispatcher) {
		if w != nil {
			d.fallback = w
		}
	}
}

// New builds a dispatcher and starts its workers. sink is required.
func New(cfg Config, sink FaultSink, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Dispatcher, error) {
	if sink == nil {
		return nil, ErrNilFaultSink
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "dispatch"))

	d := &Dispatcher{
		cfg:      cfg,
		sink:     sink,
		log:      log,
		bus:      bus,
		fallback: logx.Stderr(),
		ordered:  newFIFO(string(LaneOrdered)),
		pool:     newFIFO(string(LanePool)),
		jobs:     newRegistry(),
		delayed:  map[uint64]*time.Timer{},
		// Lane workers never return errors; panics are recovered per unit.
		sup: rtsup.New(context.Background(), rtsup.WithLogger(log)),
	}
	for _, o := range opts {
		o(d)
	}

	d.sup.Go0("lane.ordered", func(ctx context.Context) { d.laneWorker(ctx, d.ordered) })
	for i := 0; i < cfg.Workers; i++ {
		d.sup.Go0(fmt.Sprintf("lane.pool.%d", i), func(ctx context.Context) { d.laneWorker(ctx, d.pool) })
	}

	log.Info("dispatcher started", logx.Int("workers", cfg.Workers), logx.Duration("min_delay", cfg.MinDelay))
	return d, nil
}

// SubmitOrdered queues w on the single-worker lane. Units submitted in
// sequence run in that sequence, one at a time.
func (d *Dispatcher) SubmitOrdered(name string, w Work) error {
	return d.submit(d.ordered, LaneOrdered, name, w)
}

// SubmitOnce queues w on the general pool.
func (d *Dispatcher) SubmitOnce(name string, w Work) error {
	return d.submit(d.pool, LanePool, name, w)
}

// SubmitDelayed queues w on the pool after Config.MinDelay. Delayed work still
// pending at shutdown is dropped.
func (d *Dispatcher) SubmitDelayed(name string, w Work) error {
	if w == nil {
		return ErrNilWork
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}

	d.delaySeq++
	seq := d.delaySeq
	u := d.newUnit(LaneDelayed, name, w)
	d.delayed[seq] = time.AfterFunc(d.cfg.MinDelay, func() {
		d.mu.Lock()
		_, pending := d.delayed[seq]
		delete(d.delayed, seq)
		d.mu.Unlock()
		if !pending {
			return
		}
		u.enqueuedAt = time.Now()
		if d.pool.push(u) {
			queueDepth.WithLabelValues(d.pool.name).Inc()
		}
	})
	d.submitted.Add(1)
	workSubmittedCount.WithLabelValues(string(LaneDelayed)).Inc()
	return nil
}

func (d *Dispatcher) submit(q *fifo, lane Lane, name string, w Work) error {
	if w == nil {
		return ErrNilWork
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	if !q.push(d.newUnit(lane, name, w)) {
		return ErrStopped
	}
	queueDepth.WithLabelValues(q.name).Inc()
	d.submitted.Add(1)
	workSubmittedCount.WithLabelValues(string(lane)).Inc()
	return nil
}

// ScheduleRepeating registers w under name to run every period, anchored to
// the registration time. Registering an existing name replaces that job.
func (d *Dispatcher) ScheduleRepeating(name string, w Work, period time.Duration) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}
	return d.register(name, w, JobFixedRate, period.String(), fixedRate{period: period})
}

// ScheduleSpec registers w under name using a schedule string understood by
// ParseSchedule (cron, duration or HH:MM).
func (d *Dispatcher) ScheduleSpec(name, spec string, w Work) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	return d.register(name, w, ps.Kind, strings.TrimSpace(spec), ps.Schedule)
}

func (d *Dispatcher) register(name string, w Work, kind JobKind, spec string, sched cron.Schedule) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("job name required")
	}
	if w == nil {
		return ErrNilWork
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	ctx, cancel := d.newJobContext()
	h := &jobHandle{
		name:       name,
		kind:       kind,
		spec:       spec,
		work:       w,
		sched:      sched,
		registered: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if prev, replaced := d.jobs.put(h); replaced {
		prev.stop(stopReplaced)
		d.log.Info("job.replaced", logx.String("job", name), logx.String("spec", spec))
	} else {
		d.log.Info("job.registered", logx.String("job", name), logx.String("kind", string(kind)), logx.String("spec", spec))
	}
	d.sup.Go0("job."+name, func(context.Context) { d.drive(h) })
	return nil
}

// TriggerNow queues the named job's work on the pool immediately. The job's
// timer is not reset and the run may overlap a scheduled firing. It reports
// false if the name is unknown or the dispatcher is stopped.
func (d *Dispatcher) TriggerNow(name string) bool {
	h, ok := d.jobs.get(name)
	if !ok {
		return false
	}
	if err := d.submit(d.pool, LaneTrigger, h.name, h.work); err != nil {
		return false
	}
	d.log.Debug("job.triggered", logx.String("job", name))
	return true
}

// IsAlive reports whether the named job's schedule is still running.
// A name that was never registered yields a *NoSuchJobError.
func (d *Dispatcher) IsAlive(name string) (bool, error) {
	h, ok := d.jobs.get(name)
	if !ok {
		return false, &NoSuchJobError{Name: name}
	}
	return h.alive(), nil
}

// JobNames returns registered job names in lexical order.
func (d *Dispatcher) JobNames() []string { return d.jobs.names() }

// Jobs returns a view of every registered job.
func (d *Dispatcher) Jobs() []JobInfo {
	hs := d.jobs.all()
	out := make([]JobInfo, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.info())
	}
	return out
}

// Supervisor exposes the goroutine supervisor for /healthz.
func (d *Dispatcher) Supervisor() *rtsup.Supervisor { return d.sup }

// Shutdown stops accepting work, ends every job schedule and waits for queued
// and in-flight work for at most Config.ShutdownGrace (or until ctx is done).
// When the wait expires the context handed to work is canceled and Shutdown
// returns an error; workers still busy are abandoned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	timers := d.delayed
	d.delayed = nil
	d.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if len(timers) > 0 {
		d.log.Info("dropped pending delayed work", logx.Int("count", len(timers)))
	}
	for _, h := range d.jobs.all() {
		h.stop(stopShutdown)
	}
	d.ordered.close()
	d.pool.close()

	wctx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownGrace)
	defer cancel()
	err := d.sup.Wait(wctx)
	d.sup.Cancel()

	if err != nil && wctx.Err() != nil {
		d.log.Warn("dispatcher shutdown grace expired",
			logx.Duration("took", time.Since(start)),
			logx.Int("in_flight", int(d.inFlight.Load())),
			logx.Int("ordered_queue", d.ordered.len()),
			logx.Int("pool_queue", d.pool.len()),
		)
		return fmt.Errorf("dispatch: shutdown: %w", wctx.Err())
	}
	d.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.RLock()
	stopped := d.stopped
	delayed := len(d.delayed)
	d.mu.RUnlock()

	d.hmu.Lock()
	h := make([]HistoryItem, len(d.history))
	copy(h, d.history)
	d.hmu.Unlock()

	return Snapshot{
		Workers:      d.cfg.Workers,
		Stopped:      stopped,
		OrderedQueue: d.ordered.len(),
		PoolQueue:    d.pool.len(),
		InFlight:     int(d.inFlight.Load()),
		Delayed:      delayed,
		Submitted:    d.submitted.Load(),
		Faults:       d.faults.Load(),
		Jobs:         d.Jobs(),
		History:      h,
	}
}

func (d *Dispatcher) newUnit(lane Lane, name string, w Work) unit {
	now := time.Now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = string(lane)
	}
	return unit{
		id:         uuid.NewString(),
		lane:       lane,
		name:       name,
		work:       w,
		enqueuedAt: now,
	}
}
