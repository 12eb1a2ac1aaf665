// Package sink delivers poll cycle outcomes: change notifications to
// Telegram subscribers and full availability truth to the broadcast
// channel.
package sink

import (
	"context"
	"time"

	"slotbot/internal/course"
)

// Notifier delivers per-subscriber change notifications. Implementations
// must be safe for concurrent use; poll loops for different courses call
// in parallel.
type Notifier interface {
	NotifyChanges(ctx context.Context, chatID int64, courseCode string, changes []course.Change) error
	NotifyCourseMissing(ctx context.Context, chatID int64, courseCode string) error
}

// Broadcaster publishes the full availability truth for one course: the
// class numbers currently available among the tracked broadcast scopes,
// possibly none.
type Broadcaster interface {
	PublishTruth(courseCode string, available []int, taken time.Time)
}
