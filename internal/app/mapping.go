package app

import (
	"time"

	"slotbot/internal/config"
	"slotbot/internal/poller"
	"slotbot/internal/source"
	"slotbot/internal/storage"
	"slotbot/internal/wshub"
	logx "slotbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config, telegramEnabled bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    telegramEnabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapScraperConfig(cfg *config.Config) (source.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scraper.timeout", cfg.Scraper.Timeout, 30*time.Second)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{BaseURL: cfg.Scraper.BaseURL, Timeout: timeout}, nil
}

func mapPollerConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		Enabled:          cfg.Poller.Enabled,
		Schedule:         cfg.Poller.Schedule,
		Timezone:         cfg.Poller.Timezone,
		DefaultStudentID: cfg.Scraper.DefaultStudentID,
	}
}

func mapBroadcastConfig(cfg *config.Config) wshub.Config {
	addr := cfg.Broadcast.Addr
	if addr == "" {
		addr = ":8080"
	}
	return wshub.Config{
		Enabled: cfg.Broadcast.Enabled,
		Addr:    addr,
		Path:    cfg.Broadcast.Path,
	}
}

// mapStorageConfig returns (config, enabled, err).
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil || cfg.Storage.Driver == "" || cfg.Storage.Driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func notifierRate(cfg *config.Config) float64 {
	if cfg.Notifier == nil {
		return 0
	}
	return cfg.Notifier.RatePerSec
}
