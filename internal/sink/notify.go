package sink

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"slotbot/internal/course"
	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

// TelegramNotifier batches all changes of one course in one poll cycle
// into a single message per subscriber. Sends are rate limited globally
// so a busy cycle does not trip Telegram's flood control.
type TelegramNotifier struct {
	log     logx.Logger
	adapter kit.Adapter
	limiter *rate.Limiter
}

// NewTelegramNotifier builds a notifier. ratePerSec <= 0 defaults to
// Telegram's documented sustained limit of 25 messages per second.
func NewTelegramNotifier(adapter kit.Adapter, ratePerSec float64, log logx.Logger) *TelegramNotifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	return &TelegramNotifier{
		log:     log,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// SetRate changes the send rate at runtime (config reload).
func (n *TelegramNotifier) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	n.limiter.SetLimit(rate.Limit(ratePerSec))
}

func (n *TelegramNotifier) NotifyChanges(ctx context.Context, chatID int64, courseCode string, changes []course.Change) error {
	if len(changes) == 0 {
		return nil
	}
	text := FormatChanges(courseCode, changes)
	return n.send(ctx, chatID, text)
}

func (n *TelegramNotifier) NotifyCourseMissing(ctx context.Context, chatID int64, courseCode string) error {
	text := fmt.Sprintf("⚠️ *%s* was not found this term. It stays on your watchlist in case it appears.", courseCode)
	return n.send(ctx, chatID, text)
}

func (n *TelegramNotifier) send(ctx context.Context, chatID int64, text string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := n.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{
		ParseMode:      "Markdown",
		DisablePreview: true,
	})
	if err != nil {
		n.log.Warn("notification delivery failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return err
}

// FormatChanges renders one cycle's changes for one course as a single
// Markdown message. Changes arrive in diff order and are grouped under
// per-kind headings, preserving class number order inside each group.
func FormatChanges(courseCode string, changes []course.Change) string {
	groups := map[course.ChangeKind][]course.Change{}
	for _, ch := range changes {
		groups[ch.Kind] = append(groups[ch.Kind], ch)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 *%s*\n", courseCode)

	writeGroup(&b, "🆕 New sections", groups[course.SectionAdded], func(ch course.Change) string {
		return fmt.Sprintf("`%d` %s %d/%d", ch.ClassNbr, ch.Section.Group, ch.Section.Enrolled, ch.Section.Capacity)
	})
	writeGroup(&b, "🗑 Removed", groups[course.SectionRemoved], func(ch course.Change) string {
		return fmt.Sprintf("`%d` %s", ch.ClassNbr, ch.Section.Group)
	})
	writeGroup(&b, "🟢 Slots opened", groups[course.SectionOpened], func(ch course.Change) string {
		return fmt.Sprintf("`%d` %s %d/%d", ch.ClassNbr, ch.Section.Group, ch.Section.Enrolled, ch.Section.Capacity)
	})
	writeGroup(&b, "🔴 Slots closed", groups[course.SectionClosed], func(ch course.Change) string {
		return fmt.Sprintf("`%d` %s %d/%d", ch.ClassNbr, ch.Section.Group, ch.Section.Enrolled, ch.Section.Capacity)
	})
	writeGroup(&b, "👥 Enrollment changes", groups[course.EnrollmentChanged], func(ch course.Change) string {
		return fmt.Sprintf("`%d` %s %d → %d (cap %d)", ch.ClassNbr, ch.Section.Group, ch.OldEnrolled, ch.NewEnrolled, ch.Section.Capacity)
	})

	return strings.TrimRight(b.String(), "\n")
}

func writeGroup(b *strings.Builder, heading string, changes []course.Change, line func(course.Change) string) {
	if len(changes) == 0 {
		return
	}
	fmt.Fprintf(b, "\n*%s*\n", heading)
	for _, ch := range changes {
		b.WriteString(line(ch))
		b.WriteByte('\n')
	}
}
