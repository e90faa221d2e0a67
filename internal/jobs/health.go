package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"modbot/internal/dispatch"
	logx "modbot/pkg/logx"
)

const (
	HealthJob = "dispatch.health"

	DefaultHealthInterval = time.Minute
)

type Snapshotter interface {
	Snapshot() dispatch.Snapshot
}

// JobStatus is the health view of one registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Spec      string    `json:"spec"`
	Alive     bool      `json:"alive"`
	Runs      uint64    `json:"runs"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Report summarizes dispatcher health. It is logged by the health job and
// served on /healthz.
type Report struct {
	Stopped      bool        `json:"stopped"`
	Workers      int         `json:"workers"`
	OrderedQueue int         `json:"ordered_queue"`
	PoolQueue    int         `json:"pool_queue"`
	InFlight     int         `json:"in_flight"`
	Delayed      int         `json:"delayed"`
	Submitted    uint64      `json:"submitted"`
	Faults       uint64      `json:"faults"`
	Jobs         []JobStatus `json:"jobs"`
	Dead         []string    `json:"dead,omitempty"`
}

func BuildReport(s dispatch.Snapshot) Report {
	r := Report{
		Stopped:      s.Stopped,
		Workers:      s.Workers,
		OrderedQueue: s.OrderedQueue,
		PoolQueue:    s.PoolQueue,
		InFlight:     s.InFlight,
		Delayed:      s.Delayed,
		Submitted:    s.Submitted,
		Faults:       s.Faults,
		Jobs:         make([]JobStatus, 0, len(s.Jobs)),
	}
	for _, j := range s.Jobs {
		r.Jobs = append(r.Jobs, JobStatus{
			Name:      j.Name,
			Kind:      string(j.Kind),
			Spec:      j.Spec,
			Alive:     j.Alive,
			Runs:      j.Runs,
			LastRun:   j.LastRun,
			LastError: j.LastError,
		})
		if !j.Alive {
			r.Dead = append(r.Dead, j.Name)
		}
	}
	return r
}

// Err is non-nil when the dispatcher is stopped or a job schedule died.
func (r Report) Err() error {
	switch {
	case r.Stopped:
		return fmt.Errorf("dispatcher stopped")
	case len(r.Dead) > 0:
		return fmt.Errorf("dead jobs: %s", strings.Join(r.Dead, ", "))
	}
	return nil
}

// Health logs a dispatcher report on a fixed rate and warns once per job
// when its schedule dies.
type Health struct {
	src      Snapshotter
	interval time.Duration
	log      logx.Logger

	mu     sync.Mutex
	warned map[string]bool
}

func NewHealth(src Snapshotter, interval time.Duration, log logx.Logger) *Health {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Health{
		src:      src,
		interval: interval,
		log:      log.With(logx.String("job", HealthJob)),
		warned:   map[string]bool{},
	}
}

// Register schedules the health job. Calling it again with a new interval
// replaces the running schedule.
func (h *Health) Register(s Scheduler) error {
	h.mu.Lock()
	every := h.interval
	h.mu.Unlock()
	return s.ScheduleRepeating(HealthJob, dispatch.Func(h.Run), every)
}

// SetInterval changes the period used by the next Register call.
func (h *Health) SetInterval(d time.Duration) (changed bool) {
	if d <= 0 {
		d = DefaultHealthInterval
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	changed = d != h.interval
	h.interval = d
	return changed
}

func (h *Health) Run(context.Context) error {
	r := BuildReport(h.src.Snapshot())

	h.log.Debug("dispatch health",
		logx.Int("ordered_queue", r.OrderedQueue),
		logx.Int("pool_queue", r.PoolQueue),
		logx.Int("in_flight", r.InFlight),
		logx.Int("delayed", r.Delayed),
		logx.Uint64("submitted", r.Submitted),
		logx.Uint64("faults", r.Faults),
		logx.Int("jobs", len(r.Jobs)),
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	dead := make(map[string]bool, len(r.Dead))
	for _, j := range r.Jobs {
		if j.Alive {
			continue
		}
		dead[j.Name] = true
		if !h.warned[j.Name] {
			h.log.Warn("job is dead", logx.String("dead_job", j.Name), logx.String("last_error", j.LastError), logx.Uint64("runs", j.Runs))
		}
	}
	h.warned = dead
	return nil
}
