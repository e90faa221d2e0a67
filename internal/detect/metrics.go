package detect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var verdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_detect_verdicts",
	Help: "Number of detector verdicts by rule and classification",
}, []string{"rule", "classification"})

var actuatorFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modbot_detect_actuator_failures",
	Help: "Number of automatic moderation actions which failed",
}, []string{"rule"})

var cleanupDeleteCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modbot_detect_cleanup_deletes",
	Help: "Number of messages deleted while cleaning up after a timeout",
})
