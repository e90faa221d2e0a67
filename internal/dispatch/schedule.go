package dispatch

import (
	"context"
	"time"

	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

// fixedRate fires every period measured from the previous scheduled time, not
// from the previous completion. It satisfies cron.Schedule.
type fixedRate struct{ period time.Duration }

func (f fixedRate) Next(t time.Time) time.Time { return t.Add(f.period) }

const (
	stopReplaced = "replaced"
	stopShutdown = "shutdown"
	stopFault    = "fault"
)

// drive fires h until its context is canceled or a firing fails.
//
// Each firing is queued on the pool and awaited, so runs of one job never
// overlap. Fixed-rate jobs compute the next firing from the previous scheduled
// time: an overrun makes the next firing due immediately and none are skipped.
// Cron jobs compute it from the completion time.
func (d *Dispatcher) drive(h *jobHandle) {
	defer d.jobStopped(h)

	next := h.sched.Next(h.registered)
	for {
		if wait := time.Until(next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-h.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if h.ctx.Err() != nil {
			return
		}

		ok, err := d.fire(h)
		if !ok {
			return
		}
		if err != nil {
			h.stop(stopFault)
			return
		}

		if h.kind == JobFixedRate {
			next = h.sched.Next(next)
		} else {
			next = h.sched.Next(time.Now())
		}
	}
}

// fire queues one run of h and waits for it. ok is false if the run could not
// be queued or the schedule was canceled while waiting.
func (d *Dispatcher) fire(h *jobHandle) (ok bool, err error) {
	res := make(chan error, 1)
	firedAt := time.Now()
	u := d.newUnit(LaneJob, h.name, h.work)
	u.done = func(err error) {
		h.noteRun(firedAt, err)
		res <- err
	}
	if !d.pool.push(u) {
		return false, nil
	}
	queueDepth.WithLabelValues(d.pool.name).Inc()

	select {
	case err := <-res:
		return true, err
	case <-h.ctx.Done():
		return false, nil
	}
}

func (d *Dispatcher) jobStopped(h *jobHandle) {
	// A handle that ends without an explicit reason was canceled through the
	// dispatcher's root context.
	h.stop(stopShutdown)
	close(h.done)

	info := h.info()
	jobStoppedCount.WithLabelValues(info.StopReason).Inc()
	lvl := d.log.Info
	if info.StopReason == stopFault {
		lvl = d.log.Warn
	}
	lvl("job.stopped",
		logx.String("job", h.name),
		logx.String("reason", info.StopReason),
		logx.Uint64("runs", info.Runs),
	)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.JobStopped, Time: time.Now(), Data: WorkEvent{
			Lane:  LaneJob,
			Name:  h.name,
			Error: info.LastError,
		}})
	}
}

// newJobContext derives a job's context from the dispatcher's root.
func (d *Dispatcher) newJobContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(d.sup.Context())
}
