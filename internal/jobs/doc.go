// Package jobs registers modbot's recurring maintenance work on the
// dispatcher: storage retention and a periodic health report.
package jobs
