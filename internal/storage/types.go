package storage

import (
	"errors"
	"time"

	"slotbot/internal/course"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and subscriptions
// live only in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SubscriberState is the durable shape of one subscriber. Baselines are
// keyed by scope key ("CSOPESY" or "CSOPESY:1234") and hold the last
// section set the subscriber was told about, so a restart does not
// replay stale diffs.
type SubscriberState struct {
	ChatID    int64                       `json:"chatId"`
	StudentID string                      `json:"studentId,omitempty"`
	Scopes    []string                    `json:"scopes,omitempty"`
	Baselines map[string][]course.Section `json:"baselines,omitempty"`
	UpdatedAt time.Time                   `json:"updatedAt"`
}
