package config

import (
	"errors"
	"fmt"
	"strings"

	"slotbot/internal/course"
)

// Config is the whole bot configuration. JSON or YAML on disk; unknown
// keys are rejected so typos surface at load time instead of silently
// disabling features.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scraper   ScraperConfig   `json:"scraper"`
	Poller    PollerConfig    `json:"poller"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into a Telegram chat,
// rate limited and lossy so logging can never flood the bot.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ScraperConfig points at the scraper service fronting the enrollment
// site.
type ScraperConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout is a Go duration string for one fetch (e.g. "30s").
	Timeout string `json:"timeout,omitempty"`
	// DefaultStudentID is the fetch identity for courses whose trackers
	// never set their own (and for broadcast-only courses).
	DefaultStudentID string `json:"default_student_id,omitempty"`
}

type PollerConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule accepts cron ("*/5 * * * *", "@every 90s"), a duration
	// ("90s") or HH:MM ("00:05").
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// BroadcastConfig controls the WebSocket truth channel. Track entries
// are scopes: "CSOPESY" for a whole course, "CSOPESY:1234" for one
// section.
type BroadcastConfig struct {
	Enabled bool     `json:"enabled"`
	Addr    string   `json:"addr,omitempty"` // default ":8080"
	Path    string   `json:"path,omitempty"` // default "/ws"
	Track   []string `json:"track,omitempty"`
}

type NotifierConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./slotbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Validate checks invariants the decoder cannot: required fields and
// well-formed course codes in the broadcast track list.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Scraper.BaseURL) == "" {
		return errors.New("scraper.base_url is required")
	}
	if c.Poller.Enabled && strings.TrimSpace(c.Poller.Schedule) == "" {
		return errors.New("poller.schedule is required when the poller is enabled")
	}
	for _, track := range c.Broadcast.Track {
		if strings.TrimSpace(track) == "" {
			return fmt.Errorf("broadcast.track contains an empty course code")
		}
		if _, err := course.ParseScope(track); err != nil {
			return fmt.Errorf("broadcast.track %q: %w", track, err)
		}
	}
	return nil
}
