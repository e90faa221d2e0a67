package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

type recordingSink struct {
	mu     sync.Mutex
	faults []*WorkFault
}

func (s *recordingSink) Report(_ context.Context, f *WorkFault) {
	s.mu.Lock()
	s.faults = append(s.faults, f)
	s.mu.Unlock()
}

func (s *recordingSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.faults {
		if f.Name == name {
			n++
		}
	}
	return n
}

func (s *recordingSink) get(name string) *WorkFault {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.faults {
		if f.Name == name {
			return f
		}
	}
	return nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestDispatcher(t *testing.T, cfg Config, sink FaultSink, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(cfg, sink, logx.Nop(), eventbus.New(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresFaultSink(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, nil, logx.Nop(), nil); !errors.Is(err, ErrNilFaultSink) {
		t.Fatalf("New(nil sink) err = %v, want ErrNilFaultSink", err)
	}
}

func TestSubmitOrderedRunsInSubmissionOrder(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{Workers: 4}, &recordingSink{})

	const n = 500
	var (
		mu      sync.Mutex
		got     []int
		running atomic.Int32
		overlap atomic.Bool
	)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		err := d.SubmitOrdered("ordered.test", Func(func(context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
			return nil
		}))
		if err != nil {
			t.Fatalf("SubmitOrdered(%d): %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ordered lane did not drain")
	}
	if overlap.Load() {
		t.Fatal("ordered units overlapped")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran unit %d", i, v)
		}
	}
}

func TestFaultsAreReportedOnceAndWorkersSurvive(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := newTestDispatcher(t, Config{Workers: 2}, sink)

	boom := errors.New("boom")
	_ = d.SubmitOnce("returns.error", Func(func(context.Context) error { return boom }))
	_ = d.SubmitOnce("panics", Func(func(context.Context) error { panic("kaboom") }))
	_ = d.SubmitOrdered("ordered.panics", Func(func(context.Context) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}))

	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		_ = d.SubmitOnce("healthy", Func(func(context.Context) error { ok.Add(1); return nil }))
		_ = d.SubmitOrdered("healthy.ordered", Func(func(context.Context) error { ok.Add(1); return nil }))
	}
	waitFor(t, 3*time.Second, "healthy work", func() bool { return ok.Load() == 40 })
	waitFor(t, time.Second, "fault reports", func() bool {
		return sink.count("returns.error") == 1 && sink.count("panics") == 1 && sink.count("ordered.panics") == 1
	})

	if f := sink.get("returns.error"); !errors.Is(f, boom) || f.Panicked || f.Lane != LanePool {
		t.Fatalf("error fault = %+v", f)
	}
	if f := sink.get("panics"); !f.Panicked || !strings.Contains(f.Error(), "kaboom") {
		t.Fatalf("panic fault = %+v", f)
	}
	if f := sink.get("ordered.panics"); !f.Panicked || f.Lane != LaneOrdered {
		t.Fatalf("ordered panic fault = %+v", f)
	}
	if got := d.Snapshot().Faults; got != 3 {
		t.Fatalf("Snapshot().Faults = %d, want 3", got)
	}
}

func TestPanickingFaultSinkFallsBackToStream(t *testing.T) {
	t.Parallel()
	var fallback lockedBuffer
	sink := FaultSinkFunc(func(context.Context, *WorkFault) { panic("sink down") })
	d := newTestDispatcher(t, Config{Workers: 1}, sink, WithFallback(&fallback))

	_ = d.SubmitOnce("bad", Func(func(context.Context) error { return errors.New("nope") }))
	ran := make(chan struct{})
	_ = d.SubmitOnce("after", Func(func(context.Context) error { close(ran); return nil }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking sink")
	}
	out := fallback.String()
	if !strings.Contains(out, "sink down") || !strings.Contains(out, `"bad"`) {
		t.Fatalf("fallback output = %q", out)
	}
}

func TestScheduleRepeatingFiresAtFixedRate(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{Workers: 2}, &recordingSink{})

	var runs atomic.Int32
	start := time.Now()
	if err := d.ScheduleRepeating("tick", Func(func(context.Context) error { runs.Add(1); return nil }), 100*time.Millisecond); err != nil {
		t.Fatalf("ScheduleRepeating: %v", err)
	}
	time.Sleep(550 * time.Millisecond)
	got := runs.Load()
	if got < 4 || got > 6 {
		t.Fatalf("runs after %v = %d, want 4..6", time.Since(start).Round(time.Millisecond), got)
	}
	if alive, err := d.IsAlive("tick"); err != nil || !alive {
		t.Fatalf("IsAlive(tick) = %v, %v", alive, err)
	}
}

func TestScheduleRepeatingOverrunStartsNextRunImmediately(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{Workers: 4}, &recordingSink{})

	var (
		mu      sync.Mutex
		starts  []time.Time
		running atomic.Int32
		overlap atomic.Bool
	)
	work := Func(func(context.Context) error {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		defer running.Add(-1)
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(250 * time.Millisecond)
		return nil
	})
	if err := d.ScheduleRepeating("slow", work, 100*time.Millisecond); err != nil {
		t.Fatalf("ScheduleRepeating: %v", err)
	}
	waitFor(t, 3*time.Second, "three runs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 3
	})

	if overlap.Load() {
		t.Fatal("runs of one job overlapped")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < 3; i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < 240*time.Millisecond || gap > 400*time.Millisecond {
			t.Fatalf("gap between run %d and %d = %v, want ~250ms", i-1, i, gap)
		}
	}
}

func TestIsAliveUnknownJob(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{}, &recordingSink{})

	_, err := d.IsAlive("never.registered")
	if !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("IsAlive err = %v, want ErrNoSuchJob", err)
	}
	var nsj *NoSuchJobError
	if !errors.As(err, &nsj) || nsj.Name != "never.registered" {
		t.Fatalf("IsAlive err = %#v, want *NoSuchJobError", err)
	}
}

func TestFailingJobStopsItsSchedule(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := newTestDispatcher(t, Config{}, sink)

	var runs atomic.Int32
	_ = d.ScheduleRepeating("flaky", Func(func(context.Context) error {
		runs.Add(1)
		return errors.New("backend unavailable")
	}), 50*time.Millisecond)

	waitFor(t, 2*time.Second, "job to die", func() bool {
		alive, _ := d.IsAlive("flaky")
		return !alive
	})
	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if got := sink.count("flaky"); got != 1 {
		t.Fatalf("fault reports = %d, want 1", got)
	}
	jobs := d.Jobs()
	if len(jobs) != 1 || jobs[0].StopReason != stopFault || jobs[0].LastError == "" {
		t.Fatalf("Jobs() = %+v", jobs)
	}

	// The body stays registered, so an on-demand run still works.
	if !d.TriggerNow("flaky") {
		t.Fatal("TriggerNow on a dead job returned false")
	}
	waitFor(t, time.Second, "triggered run", func() bool { return runs.Load() == 2 })
}

func TestReRegistrationReplacesWork(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{}, &recordingSink{})

	var oldRuns, newRuns atomic.Int32
	_ = d.ScheduleRepeating("swap", Func(func(context.Context) error { oldRuns.Add(1); return nil }), 50*time.Millisecond)
	waitFor(t, time.Second, "first body", func() bool { return oldRuns.Load() >= 1 })

	_ = d.ScheduleRepeating("swap", Func(func(context.Context) error { newRuns.Add(1); return nil }), 50*time.Millisecond)
	frozen := oldRuns.Load()
	waitFor(t, time.Second, "second body", func() bool { return newRuns.Load() >= 3 })

	if got := oldRuns.Load(); got > frozen+1 {
		t.Fatalf("old body kept firing: %d runs, was %d at replacement", got, frozen)
	}
	if alive, err := d.IsAlive("swap"); err != nil || !alive {
		t.Fatalf("IsAlive(swap) = %v, %v", alive, err)
	}
	if names := d.JobNames(); len(names) != 1 || names[0] != "swap" {
		t.Fatalf("JobNames() = %v", names)
	}
}

func TestTriggerNowAfterReRegistrationRunsNewBody(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{}, &recordingSink{})

	var oldRuns, newRuns atomic.Int32
	if err := d.ScheduleRepeating("swap", Func(func(context.Context) error { oldRuns.Add(1); return nil }), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := d.ScheduleSpec("swap", "@every 1h", Func(func(context.Context) error { newRuns.Add(1); return nil })); err != nil {
		t.Fatal(err)
	}

	if !d.TriggerNow("swap") {
		t.Fatal("TriggerNow(swap) = false")
	}
	waitFor(t, time.Second, "triggered new body", func() bool { return newRuns.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := oldRuns.Load(); got != 0 {
		t.Fatalf("old body ran %d times after replacement", got)
	}
	if got := newRuns.Load(); got != 1 {
		t.Fatalf("new body ran %d times, want 1", got)
	}
	if jobs := d.Jobs(); len(jobs) != 1 || jobs[0].Kind != JobCron {
		t.Fatalf("Jobs() = %+v, want one cron job", jobs)
	}
}

func TestTriggerNowDoesNotResetTimer(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{}, &recordingSink{})

	if d.TriggerNow("missing") {
		t.Fatal("TriggerNow(missing) = true")
	}

	var runs atomic.Int32
	_ = d.ScheduleRepeating("hourly", Func(func(context.Context) error { runs.Add(1); return nil }), time.Hour)
	if !d.TriggerNow("hourly") {
		t.Fatal("TriggerNow(hourly) = false")
	}
	waitFor(t, time.Second, "triggered run", func() bool { return runs.Load() == 1 })

	jobs := d.Jobs()
	if len(jobs) != 1 || !jobs[0].Alive || jobs[0].Runs != 0 {
		t.Fatalf("Jobs() = %+v, want a live job with no scheduled runs", jobs)
	}
}

func TestSubmitDelayedWaitsAtLeastOneSecond(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Config{MinDelay: 10 * time.Millisecond}, &recordingSink{})

	ran := make(chan time.Time, 1)
	submitted := time.Now()
	if err := d.SubmitDelayed("later", Func(func(context.Context) error { ran <- time.Now(); return nil })); err != nil {
		t.Fatalf("SubmitDelayed: %v", err)
	}
	select {
	case at := <-ran:
		if at.Sub(submitted) < time.Second {
			t.Fatalf("delayed work ran after %v", at.Sub(submitted))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("delayed work never ran")
	}
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	t.Parallel()
	d, err := New(Config{Workers: 2}, &recordingSink{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var finished atomic.Int32
	for i := 0; i < 4; i++ {
		_ = d.SubmitOrdered("slow", Func(func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			finished.Add(1)
			return nil
		}))
	}
	_ = d.ScheduleRepeating("tick", Func(func(context.Context) error { return nil }), 20*time.Millisecond)
	_ = d.SubmitDelayed("never", Func(func(context.Context) error { t.Error("delayed work ran after shutdown"); return nil }))

	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := finished.Load(); got != 4 {
		t.Fatalf("finished = %d, want queued work drained", got)
	}
	if err := d.SubmitOnce("late", Func(func(context.Context) error { return nil })); !errors.Is(err, ErrStopped) {
		t.Fatalf("SubmitOnce after shutdown err = %v", err)
	}
	if err := d.ScheduleRepeating("late", Func(func(context.Context) error { return nil }), time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("ScheduleRepeating after shutdown err = %v", err)
	}
	if alive, err := d.IsAlive("tick"); err != nil || alive {
		t.Fatalf("IsAlive(tick) after shutdown = %v, %v", alive, err)
	}
	if !d.Snapshot().Stopped {
		t.Fatal("Snapshot().Stopped = false")
	}
	time.Sleep(1200 * time.Millisecond)
}

func TestShutdownGraceExpiryCancelsWork(t *testing.T) {
	t.Parallel()
	d, err := New(Config{Workers: 1, ShutdownGrace: 100 * time.Millisecond}, &recordingSink{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	canceled := make(chan struct{})
	_ = d.SubmitOnce("stuck", Func(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}))
	<-started

	begin := time.Now()
	if err := d.Shutdown(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want deadline exceeded", err)
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("Shutdown took %v", took)
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("in-flight work was not canceled")
	}
}
