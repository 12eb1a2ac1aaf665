package storage

import (
	"context"
	"errors"
	"strings"

	logx "slotbot/pkg/logx"
)

// Store is the persistence API used by the scope registry.
type Store interface {
	LoadSubscribers(ctx context.Context) ([]SubscriberState, error)
	SaveSubscriber(ctx context.Context, st SubscriberState) error
	DeleteSubscriber(ctx context.Context, chatID int64) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
