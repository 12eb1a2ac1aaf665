package sink

import (
	"context"
	"strings"
	"sync"
	"testing"

	"slotbot/internal/course"
	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	to   []int64
	err  error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	f.to = append(f.to, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func change(kind course.ChangeKind, nbr int, s course.Section) course.Change {
	s.ClassNbr = nbr
	return course.Change{Kind: kind, Course: "CSOPESY", ClassNbr: nbr, Section: s}
}

func TestFormatChangesGrouping(t *testing.T) {
	t.Parallel()
	enroll := change(course.EnrollmentChanged, 1234, course.Section{Group: "S11", Capacity: 40})
	enroll.OldEnrolled, enroll.NewEnrolled = 40, 39

	got := FormatChanges("CSOPESY", []course.Change{
		change(course.SectionOpened, 1234, course.Section{Group: "S11", Enrolled: 39, Capacity: 40}),
		enroll,
		change(course.SectionAdded, 5678, course.Section{Group: "S12", Enrolled: 0, Capacity: 40}),
	})

	for _, want := range []string{
		"*CSOPESY*",
		"New sections",
		"`5678` S12 0/40",
		"Slots opened",
		"`1234` S11 39/40",
		"Enrollment changes",
		"`1234` S11 40 → 39 (cap 40)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("message missing %q:\n%s", want, got)
		}
	}
	// Only headings with content appear.
	for _, absent := range []string{"Removed", "Slots closed"} {
		if strings.Contains(got, absent) {
			t.Fatalf("message has empty heading %q:\n%s", absent, got)
		}
	}
}

func TestNotifyChangesBatchesOneMessage(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{}
	n := NewTelegramNotifier(fake, 100, logx.Nop())

	changes := []course.Change{
		change(course.SectionOpened, 1234, course.Section{Group: "S11", Enrolled: 39, Capacity: 40}),
		change(course.SectionAdded, 5678, course.Section{Group: "S12", Capacity: 40}),
	}
	if err := n.NotifyChanges(context.Background(), 42, "CSOPESY", changes); err != nil {
		t.Fatalf("NotifyChanges: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 batched message", len(fake.sent))
	}
	if fake.to[0] != 42 {
		t.Fatalf("sent to %d, want 42", fake.to[0])
	}
}

func TestNotifyChangesEmptyIsNoop(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{}
	n := NewTelegramNotifier(fake, 100, logx.Nop())
	if err := n.NotifyChanges(context.Background(), 42, "CSOPESY", nil); err != nil {
		t.Fatalf("NotifyChanges: %v", err)
	}
	if len(fake.sent) != 0 {
		t.Fatalf("sent %d messages for empty change set", len(fake.sent))
	}
}

func TestNotifyCourseMissing(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{}
	n := NewTelegramNotifier(fake, 100, logx.Nop())
	if err := n.NotifyCourseMissing(context.Background(), 42, "BOGUS101"); err != nil {
		t.Fatalf("NotifyCourseMissing: %v", err)
	}
	if len(fake.sent) != 1 || !strings.Contains(fake.sent[0], "BOGUS101") {
		t.Fatalf("sent = %v", fake.sent)
	}
}
