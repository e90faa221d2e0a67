package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"modbot/internal/config"
	"modbot/internal/detect"
	"modbot/internal/dispatch"
	"modbot/internal/jobs"
	"modbot/internal/observability/debugsrv"
	"modbot/internal/storage"
	"modbot/internal/transport/telegram"
	logx "modbot/pkg/logx"
)

// The map* functions convert the file config into component configs. They
// validate but never start anything, so the config validator can reuse them.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig reports enabled=false for driver "" or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPruneConfig(cfg *config.Config) (jobs.PruneConfig, error) {
	retention, err := config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, jobs.DefaultRetention)
	if err != nil {
		return jobs.PruneConfig{}, err
	}
	spec := strings.TrimSpace(cfg.Storage.PruneSchedule)
	if spec == "" {
		spec = jobs.DefaultPruneSchedule
	}
	if _, err := dispatch.ParseSchedule(spec); err != nil {
		return jobs.PruneConfig{}, fmt.Errorf("storage.prune_schedule: %w", err)
	}
	return jobs.PruneConfig{Retention: retention, Schedule: spec}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, time.Duration, error) {
	dc := cfg.Dispatch
	minDelay, err := config.ParseDurationField("dispatch.min_delay", dc.MinDelay)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	grace, err := config.ParseDurationField("dispatch.shutdown_grace", dc.ShutdownGrace)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	health, err := config.ParseDurationOrDefault("dispatch.health_interval", dc.HealthInterval, jobs.DefaultHealthInterval)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	return dispatch.Config{
		Workers:       dc.Workers,
		MinDelay:      minDelay,
		ShutdownGrace: grace,
		HistorySize:   dc.HistorySize,
	}, health, nil
}

// mapDetectConfig also reports whether the duplicate-repost rule is on
// (default true).
func mapDetectConfig(cfg *config.Config) (detect.Config, bool, error) {
	dc := cfg.Detect
	out := detect.Config{
		LinkThreshold:      dc.LinkThreshold,
		DuplicateMinLength: dc.DuplicateMinLength,
	}
	var err error
	if out.DormantWindow, err = config.ParseDurationField("detect.dormant_window", dc.DormantWindow); err != nil {
		return out, false, err
	}
	if out.CleanupWindow, err = config.ParseDurationField("detect.cleanup_window", dc.CleanupWindow); err != nil {
		return out, false, err
	}
	if out.DuplicateWindow, err = config.ParseDurationField("detect.duplicate_window", dc.DuplicateWindow); err != nil {
		return out, false, err
	}
	if out.RejoinWindow, err = config.ParseDurationField("detect.rejoin_window", dc.RejoinWindow); err != nil {
		return out, false, err
	}
	duplicates := dc.Duplicates == nil || *dc.Duplicates
	return out, duplicates, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	timeout, err := config.ParseDurationField("detect.timeout_duration", cfg.Detect.TimeoutDuration)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:           strings.TrimSpace(tc.Token),
		PollTimeout:     poll,
		ModChatID:       tc.ModChatID,
		LogChatID:       tc.LogChatID,
		Chats:           tc.Chats,
		TimeoutDuration: timeout,
		RatePerSec:      tc.RatePerSec,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	dc := cfg.Debug
	out := debugsrv.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = debugsrv.DefaultAddr
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// pprof profile and trace stream for their whole duration, so no default
	// write timeout.
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if dc.MutexProfileFraction < 0 || dc.BlockProfileRate < 0 {
		return out, fmt.Errorf("debug: profile rates must be >= 0")
	}

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !debugsrv.IsLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("debug: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

// validateRuntime runs every mapper so a reload is rejected before commit
// when any component would refuse it.
func validateRuntime(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	pcfg, err := mapPruneConfig(cfg)
	if err != nil {
		return err
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	dcfg, _, err := mapDetectConfig(cfg)
	if err != nil {
		return err
	}
	// Defaults count too: a short retention must not eat the default window.
	dormant := dcfg.DormantWindow
	if dormant <= 0 {
		dormant = detect.DefaultDormantWindow
	}
	if pcfg.Retention < dormant {
		return fmt.Errorf("storage.retention (%s) must be at least detect.dormant_window (%s)", pcfg.Retention, dormant)
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	return nil
}
