package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workSubmittedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_dispatch_submitted",
	Help: "Number of units of work accepted by the dispatcher",
}, []string{"lane"})

var workDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "modbot_dispatch_work_duration_sec",
	Help: "Duration of units of work run by the dispatcher",
}, []string{"lane"})

var workFaultCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_dispatch_faults",
	Help: "Number of units of work which returned an error or panicked",
}, []string{"lane", "kind"})

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "modbot_dispatch_queue_depth",
	Help: "Units of work waiting in a dispatcher queue",
}, []string{"lane"})

var jobStoppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_dispatch_jobs_stopped",
	Help: "Number of job schedules which terminated",
}, []string{"reason"})
