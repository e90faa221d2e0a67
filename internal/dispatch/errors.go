package dispatch

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrStopped       = errors.New("dispatcher stopped")
	ErrNoSuchJob     = errors.New("no such job")
	ErrNilWork       = errors.New("work is nil")
	ErrNilFaultSink  = errors.New("fault sink is required")
	ErrInvalidPeriod = errors.New("period must be > 0")
)

// NoSuchJobError is returned when a job name was never registered.
type NoSuchJobError struct{ Name string }

func (e *NoSuchJobError) Error() string { return fmt.Sprintf("no such job: %q", e.Name) }

func (e *NoSuchJobError) Is(target error) bool { return target == ErrNoSuchJob }

// WorkFault wraps an error returned by, or a panic raised inside, a unit of
// work.
type WorkFault struct {
	ID       string
	Lane     Lane
	Name     string
	Panicked bool
	Err      error
}

func (f *WorkFault) Error() string {
	if f.Panicked {
		return fmt.Sprintf("%s work %q panicked: %v", f.Lane, f.Name, f.Err)
	}
	return fmt.Sprintf("%s work %q failed: %v", f.Lane, f.Name, f.Err)
}

func (f *WorkFault) Unwrap() error { return f.Err }

// errPanicked marks errors produced by panicError.
var errPanicked = errors.New("work panicked")

// panicError converts a recovered value into an error that carries the stack
// of the panicking goroutine. It must be called from the deferred recover.
func panicError(r any) error {
	var err error
	if cause, ok := r.(error); ok {
		err = errors.WrapWithDepth(1, cause, "panic")
	} else {
		err = errors.NewWithDepthf(1, "panic: %v", r)
	}
	return errors.Mark(err, errPanicked)
}

// faultStack renders err verbosely, including any attached stack.
func faultStack(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
