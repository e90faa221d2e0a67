package dispatch

import (
	"context"
	"time"
)

// Config controls the dispatcher.
//
// The app layer maps config.dispatch into this struct.
type Config struct {
	// Workers is the size of the general pool (default 6).
	Workers int

	// MinDelay is the delay applied by SubmitDelayed. Values below one second
	// are raised to one second.
	MinDelay time.Duration

	// ShutdownGrace bounds how long Shutdown waits for queued and in-flight
	// work (default 5s).
	ShutdownGrace time.Duration

	HistorySize int
}

const (
	defaultWorkers       = 6
	defaultShutdownGrace = 5 * time.Second
	minDelayFloor        = time.Second
	defaultHistorySize   = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MinDelay < minDelayFloor {
		c.MinDelay = minDelayFloor
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Work is a unit of work run by the dispatcher.
type Work interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function to Work.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }

// Lane names the queue a unit of work went through.
type Lane string

const (
	LaneOrdered Lane = "ordered"
	LanePool    Lane = "pool"
	LaneDelayed Lane = "delayed"
	LaneJob     Lane = "job"
	LaneTrigger Lane = "trigger"
)

// JobKind describes how a registered job is scheduled.
type JobKind string

const (
	JobFixedRate JobKind = "fixed_rate"
	JobCron      JobKind = "cron"
)

// HistoryItem records one finished unit of work.
type HistoryItem struct {
	ID         string
	Lane       Lane
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// WorkEvent is published on the event bus for faults and job lifecycle changes.
type WorkEvent struct {
	ID       string        `json:"id,omitempty"`
	Lane     Lane          `json:"lane"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
}

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name       string
	Kind       JobKind
	Spec       string
	Alive      bool
	Registered time.Time
	Runs       uint64
	LastRun    time.Time
	LastError  string
	StopReason string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers      int
	Stopped      bool
	OrderedQueue int
	PoolQueue    int
	InFlight     int
	Delayed      int
	Submitted    uint64
	Faults       uint64
	Jobs         []JobInfo
	History      []HistoryItem
}
