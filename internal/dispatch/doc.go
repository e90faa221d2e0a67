// Package dispatch runs modbot's asynchronous work.
//
// Three lanes share one Dispatcher:
//   - the ordered lane: a single worker draining an unbounded FIFO, used for
//     event persistence where arrival order must be preserved
//   - the pool: a fixed set of workers with no ordering guarantees, used for
//     detectors, review decisions, delayed work and job firings
//   - named jobs: fixed-rate or cron schedules kept in a registry so they can be
//     triggered on demand and inspected for liveness
//
// Every unit of work runs behind a recover barrier. Errors and panics are
// turned into a *WorkFault and handed to the FaultSink exactly once; the worker
// that ran the unit keeps going.
package dispatch
