package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks field formats and bounds. It does not apply defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	nonNegative := func(path string, v int) {
		if v < 0 {
			check(fmt.Errorf("%s must be >= 0", path))
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		check(errors.New("telegram.token is required"))
	}
	if cfg.Telegram.RatePerSec < 0 {
		check(errors.New("telegram.rate_per_sec must be >= 0"))
	}
	duration("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	nonNegative("logging.telegram.rate_per_sec", cfg.Logging.Telegram.RatePerSec)

	nonNegative("dispatch.workers", cfg.Dispatch.Workers)
	nonNegative("dispatch.history_size", cfg.Dispatch.HistorySize)
	duration("dispatch.min_delay", cfg.Dispatch.MinDelay)
	duration("dispatch.shutdown_grace", cfg.Dispatch.ShutdownGrace)
	duration("dispatch.health_interval", cfg.Dispatch.HealthInterval)

	nonNegative("detect.link_threshold", cfg.Detect.LinkThreshold)
	nonNegative("detect.duplicate_min_length", cfg.Detect.DuplicateMinLength)
	duration("detect.dormant_window", cfg.Detect.DormantWindow)
	duration("detect.cleanup_window", cfg.Detect.CleanupWindow)
	duration("detect.timeout_duration", cfg.Detect.TimeoutDuration)
	duration("detect.duplicate_window", cfg.Detect.DuplicateWindow)
	duration("detect.rejoin_window", cfg.Detect.RejoinWindow)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		check(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	duration("storage.retention", cfg.Storage.Retention)
	check(retentionCoversWindow(cfg.Storage.Retention, cfg.Detect.DormantWindow))

	duration("debug.read_timeout", cfg.Debug.ReadTimeout)
	duration("debug.write_timeout", cfg.Debug.WriteTimeout)
	duration("debug.idle_timeout", cfg.Debug.IdleTimeout)

	return errors.Join(errs...)
}

// retentionCoversWindow reports an error when pruning would drop activity the
// dormant window still reads. Either side left empty is not checked here.
func retentionCoversWindow(retention, dormantWindow string) error {
	r, err := ParseDurationField("storage.retention", retention)
	if err != nil || r == 0 {
		return nil
	}
	w, err := ParseDurationField("detect.dormant_window", dormantWindow)
	if err != nil || w == 0 {
		return nil
	}
	if r < w {
		return fmt.Errorf("storage.retention (%s) must be at least detect.dormant_window (%s)", r, w)
	}
	return nil
}
