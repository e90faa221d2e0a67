package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
)

// jobHandle is a registered job together with its liveness handle.
//
// A handle is created per registration. Replacing a job cancels the old
// handle's context, which ends its driver loop.
type jobHandle struct {
	name       string
	kind       JobKind
	spec       string
	work       Work
	sched      cron.Schedule
	registered time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	runs    atomic.Uint64
	lastRun atomic.Int64 // unix nanos

	mu         sync.Mutex
	lastErr    string
	stopReason string
}

func (h *jobHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// stop cancels the schedule and records why. The first reason wins.
func (h *jobHandle) stop(reason string) {
	h.mu.Lock()
	if h.stopReason == "" {
		h.stopReason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *jobHandle) noteRun(at time.Time, err error) {
	h.runs.Add(1)
	h.lastRun.Store(at.UnixNano())
	h.mu.Lock()
	if err != nil {
		h.lastErr = err.Error()
	} else {
		h.lastErr = ""
	}
	h.mu.Unlock()
}

func (h *jobHandle) info() JobInfo {
	h.mu.Lock()
	lastErr, reason := h.lastErr, h.stopReason
	h.mu.Unlock()

	ji := JobInfo{
		Name:       h.name,
		Kind:       h.kind,
		Spec:       h.spec,
		Alive:      h.alive(),
		Registered: h.registered,
		Runs:       h.runs.Load(),
		LastError:  lastErr,
		StopReason: reason,
	}
	if ns := h.lastRun.Load(); ns != 0 {
		ji.LastRun = time.Unix(0, ns)
	}
	return ji
}

// registry maps job names to their current handle. It is safe for concurrent
// use.
type registry struct {
	jobs *xsync.Map[string, *jobHandle]
}

func newRegistry() *registry {
	return &registry{jobs: xsync.NewMap[string, *jobHandle]()}
}

// put stores h under its name and returns the handle it replaced, if any.
func (r *registry) put(h *jobHandle) (prev *jobHandle, replaced bool) {
	return r.jobs.LoadAndStore(h.name, h)
}

func (r *registry) get(name string) (*jobHandle, bool) {
	return r.jobs.Load(name)
}

func (r *registry) names() []string {
	out := make([]string, 0, r.jobs.Size())
	r.jobs.Range(func(name string, _ *jobHandle) bool {
		out = append(out, name)
		return true
	})
	sort.Strings(out)
	return out
}

func (r *registry) all() []*jobHandle {
	out := make([]*jobHandle, 0, r.jobs.Size())
	r.jobs.Range(func(_ string, h *jobHandle) bool {
		out = append(out, h)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
