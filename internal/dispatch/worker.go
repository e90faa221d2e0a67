package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	logx "modbot/pkg/logx"
)

func (d *Dispatcher) laneWorker(ctx context.Context, q *fifo) {
	for {
		u, ok := q.pop(ctx.Done())
		if !ok {
			return
		}
		queueDepth.WithLabelValues(q.name).Dec()
		d.execute(ctx, u)
	}
}

// execute runs one unit behind the recover barrier and reports any fault.
func (d *Dispatcher) execute(ctx context.Context, u unit) {
	start := time.Now()
	queueDelay := max(start.Sub(u.enqueuedAt), 0)

	d.inFlight.Add(1)
	err := invoke(ctx, u.work)
	d.inFlight.Add(-1)
	panicked := errors.Is(err, errPanicked)

	dur := time.Since(start)
	workDuration.WithLabelValues(string(u.lane)).Observe(dur.Seconds())

	item := HistoryItem{ID: u.id, Lane: u.lane, Name: u.name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		kind := "error"
		if panicked {
			kind = "panic"
		}
		d.faults.Add(1)
		workFaultCount.WithLabelValues(string(u.lane), kind).Inc()
		reportFault(ctx, d.sink, d.fallback, &WorkFault{ID: u.id, Lane: u.lane, Name: u.name, Panicked: panicked, Err: err})
	} else if dur >= 750*time.Millisecond {
		d.log.Info("work.completed", logx.String("lane", string(u.lane)), logx.String("work", u.name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	} else {
		d.log.Trace("work.completed", logx.String("lane", string(u.lane)), logx.String("work", u.name), logx.Duration("dur", dur))
	}
	d.record(item)

	if u.done != nil {
		u.done(err)
	}
}

// invoke runs w, converting a panic into an error carrying its stack.
func invoke(ctx context.Context, w Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return w.Run(ctx)
}

func (d *Dispatcher) record(item HistoryItem) {
	d.hmu.Lock()
	d.history = append(d.history, item)
	if n := d.cfg.HistorySize; len(d.history) > n {
		d.history = d.history[len(d.history)-n:]
	}
	d.hmu.Unlock()
}
