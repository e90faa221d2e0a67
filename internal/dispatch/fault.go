package dispatch

import (
	"context"
	"fmt"
	"io"
	"time"

	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

// FaultSink receives every fault raised by a unit of work.
//
// Report is called once per failing unit, from the worker that ran it.
// Implementations should not panic; if one does, the dispatcher writes the
// fault to its fallback stream and carries on.
type FaultSink interface {
	Report(ctx context.Context, fault *WorkFault)
}

// FaultSinkFunc adapts a plain function to FaultSink.
type FaultSinkFunc func(ctx context.Context, fault *WorkFault)

func (f FaultSinkFunc) Report(ctx context.Context, fault *WorkFault) { f(ctx, fault) }

// LogFaultSink logs faults and publishes them on the event bus.
type LogFaultSink struct {
	log logx.Logger
	bus eventbus.Bus
}

func NewLogFaultSink(log logx.Logger, bus eventbus.Bus) *LogFaultSink {
	return &LogFaultSink{log: log.With(logx.String("comp", "fault")), bus: bus}
}

func (s *LogFaultSink) Report(_ context.Context, fault *WorkFault) {
	if fault == nil {
		return
	}
	fields := []logx.Field{
		logx.String("lane", string(fault.Lane)),
		logx.String("work", fault.Name),
		logx.String("id", fault.ID),
		logx.Err(fault.Err),
	}
	if fault.Panicked {
		fields = append(fields, logx.Stack(faultStack(fault.Err)))
		s.log.Error("work.panic", fields...)
	} else {
		s.log.Warn("work.failed", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.WorkFault, Time: time.Now(), Data: WorkEvent{
			ID:       fault.ID,
			Lane:     fault.Lane,
			Name:     fault.Name,
			Error:    fault.Err.Error(),
			Panicked: fault.Panicked,
		}})
	}
}

// reportFault hands fault to the sink. A panicking sink is recovered and the
// fault is written to fallback instead.
func reportFault(ctx context.Context, sink FaultSink, fallback io.Writer, fault *WorkFault) {
	defer func() {
		if r := recover(); r != nil {
			writeFallback(fallback, r, fault)
		}
	}()
	sink.Report(ctx, fault)
}

func writeFallback(w io.Writer, r any, fault *WorkFault) {
	defer func() { _ = recover() }()
	fmt.Fprintf(w, "dispatch: fault sink panicked: %v; fault: %v\n", r, fault)
}
