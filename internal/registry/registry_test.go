package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"slotbot/internal/course"
	"slotbot/internal/eventbus"
	"slotbot/internal/storage"
	logx "slotbot/pkg/logx"
)

func mustScope(t *testing.T, s string) course.Scope {
	t.Helper()
	sc, err := course.ParseScope(s)
	if err != nil {
		t.Fatalf("ParseScope(%q): %v", s, err)
	}
	return sc
}

func mustSnap(t *testing.T, courseCode string, sections ...course.Section) *course.Snapshot {
	t.Helper()
	sn, err := course.NewSnapshot(courseCode, time.Now(), sections)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return sn
}

func sec(nbr, enrolled, cap int) course.Section {
	return course.Section{ClassNbr: nbr, Course: "CSOPESY", Enrolled: enrolled, Capacity: cap}
}

func TestScopeLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(logx.Nop(), nil, nil)

	if !r.Subscribe(ctx, 42) {
		t.Fatal("first Subscribe must report new")
	}
	if r.Subscribe(ctx, 42) {
		t.Fatal("second Subscribe must be idempotent")
	}

	sc := mustScope(t, "CSOPESY")
	if !r.AddScope(ctx, 42, sc) {
		t.Fatal("first AddScope must report added")
	}
	if r.AddScope(ctx, 42, sc) {
		t.Fatal("second AddScope must be idempotent")
	}
	if got := r.Courses(); len(got) != 1 || got[0] != "CSOPESY" {
		t.Fatalf("Courses() = %v", got)
	}

	if !r.RemoveScope(ctx, 42, sc) {
		t.Fatal("RemoveScope must report removed")
	}
	if r.RemoveScope(ctx, 42, sc) {
		t.Fatal("second RemoveScope must be idempotent")
	}
	if got := r.Courses(); len(got) != 0 {
		t.Fatalf("Courses() after removal = %v", got)
	}

	if !r.Unsubscribe(ctx, 42) || r.Subscribed(42) {
		t.Fatal("Unsubscribe must forget the chat")
	}
}

func TestScopesChangedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	r := New(logx.Nop(), bus, nil)
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY"))

	select {
	case e := <-ch:
		if e.Type != eventbus.EventScopesChanged {
			t.Fatalf("event type = %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no scopes.changed event published")
	}

	// Idempotent add publishes nothing.
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY"))
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q for idempotent add", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDiffAndAdvance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(logx.Nop(), nil, nil)
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY"))
	r.AddScope(ctx, 7, mustScope(t, "CSOPESY:1234"))
	r.AddScope(ctx, 9, mustScope(t, "STSWENG"))

	// First observation is a silent baseline for everyone.
	first := mustSnap(t, "CSOPESY", sec(1234, 30, 30), sec(5678, 10, 30))
	if got := r.DiffAndAdvance(ctx, first); len(got) != 0 {
		t.Fatalf("first cycle deliveries = %v, want none", got)
	}

	// 1234 opens: both its trackers hear about it, STSWENG tracker does not.
	second := mustSnap(t, "CSOPESY", sec(1234, 29, 30), sec(5678, 10, 30))
	got := r.DiffAndAdvance(ctx, second)
	if len(got) != 2 {
		t.Fatalf("deliveries = %+v, want 2", got)
	}
	if got[0].ChatID != 7 || got[1].ChatID != 42 {
		t.Fatalf("delivery order = [%d %d], want [7 42]", got[0].ChatID, got[1].ChatID)
	}
	for _, d := range got {
		if len(d.Changes) != 2 || d.Changes[0].Kind != course.SectionOpened {
			t.Fatalf("chat %d changes = %+v", d.ChatID, d.Changes)
		}
	}

	// Same snapshot again: baseline advanced, nothing to deliver.
	if got := r.DiffAndAdvance(ctx, second); len(got) != 0 {
		t.Fatalf("repeat cycle deliveries = %+v, want none", got)
	}
}

func TestOverlappingScopesDeliverOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(logx.Nop(), nil, nil)
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY"))
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY:1234"))

	r.DiffAndAdvance(ctx, mustSnap(t, "CSOPESY", sec(1234, 30, 30)))
	got := r.DiffAndAdvance(ctx, mustSnap(t, "CSOPESY", sec(1234, 29, 30)))
	if len(got) != 1 {
		t.Fatalf("deliveries = %+v, want 1", got)
	}
	if len(got[0].Changes) != 2 {
		t.Fatalf("overlapping scopes duplicated changes: %+v", got[0].Changes)
	}
}

func TestMarkCourseMissingOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(logx.Nop(), nil, nil)
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY"))
	r.AddScope(ctx, 7, mustScope(t, "CSOPESY:1234"))
	r.AddScope(ctx, 9, mustScope(t, "STSWENG"))

	got := r.MarkCourseMissing("CSOPESY")
	if len(got) != 2 || got[0] != 7 || got[1] != 42 {
		t.Fatalf("MarkCourseMissing = %v, want [7 42]", got)
	}
	// Already notified: nothing new.
	if got := r.MarkCourseMissing("CSOPESY"); len(got) != 0 {
		t.Fatalf("second MarkCourseMissing = %v, want none", got)
	}

	// A successful fetch clears the marks.
	r.DiffAndAdvance(ctx, mustSnap(t, "CSOPESY", sec(1234, 10, 30)))
	if got := r.MarkCourseMissing("CSOPESY"); len(got) != 2 {
		t.Fatalf("MarkCourseMissing after recovery = %v, want both chats", got)
	}
}

func TestBroadcastCourses(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil, nil)
	r.SetBroadcastCourses([]string{"csopesy", "STSWENG"})

	if got := r.Courses(); len(got) != 2 || got[0] != "CSOPESY" || got[1] != "STSWENG" {
		t.Fatalf("Courses() = %v", got)
	}
	if !r.IsBroadcast("CSOPESY") || r.IsBroadcast("LBYCPA1") {
		t.Fatal("IsBroadcast wrong")
	}

	r.SetBroadcastCourses(nil)
	if got := r.Courses(); len(got) != 0 {
		t.Fatalf("Courses() after clear = %v", got)
	}
}

func TestBroadcastAvailable(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil, nil)
	r.SetBroadcastCourses([]string{"CSOPESY:1234", "CSOPESY:5678"})

	sn := mustSnap(t, "CSOPESY",
		sec(1234, 10, 30), // open, tracked
		sec(5678, 30, 30), // full, tracked
		sec(9999, 0, 30),  // open, not tracked
	)
	got, tracked := r.BroadcastAvailable(sn)
	if !tracked {
		t.Fatal("course must be broadcast-tracked")
	}
	if len(got) != 1 || got[0] != 1234 {
		t.Fatalf("BroadcastAvailable = %v, want [1234]", got)
	}

	// A whole-course scope sees every open section.
	r.SetBroadcastCourses([]string{"CSOPESY"})
	got, _ = r.BroadcastAvailable(sn)
	if len(got) != 2 || got[0] != 1234 || got[1] != 9999 {
		t.Fatalf("BroadcastAvailable = %v, want [1234 9999]", got)
	}

	// Empty truth still counts as tracked; untracked courses don't.
	full := mustSnap(t, "CSOPESY", sec(1234, 30, 30))
	if got, tracked := r.BroadcastAvailable(full); !tracked || len(got) != 0 {
		t.Fatalf("full course = (%v, %v), want ([], true)", got, tracked)
	}
	other := mustSnap(t, "STSWENG")
	if _, tracked := r.BroadcastAvailable(other); tracked {
		t.Fatal("untracked course reported as tracked")
	}
}

func TestFetchIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(logx.Nop(), nil, nil)
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY"))
	r.AddScope(ctx, 7, mustScope(t, "CSOPESY"))

	if got := r.FetchIdentity("CSOPESY"); got != "" {
		t.Fatalf("FetchIdentity with no ids = %q", got)
	}
	r.SetStudentID(ctx, 42, "12112345")
	r.SetStudentID(ctx, 7, "12100001")
	// Smallest chat id wins for determinism.
	if got := r.FetchIdentity("CSOPESY"); got != "12100001" {
		t.Fatalf("FetchIdentity = %q, want 12100001", got)
	}
	if got := r.FetchIdentity("STSWENG"); got != "" {
		t.Fatalf("FetchIdentity for untracked course = %q", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "slotbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	r := New(logx.Nop(), nil, st)
	r.SetStudentID(ctx, 42, "12112345")
	r.AddScope(ctx, 42, mustScope(t, "CSOPESY"))
	r.DiffAndAdvance(ctx, mustSnap(t, "CSOPESY", sec(1234, 30, 30)))
	st.Close()

	st, err = storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "slotbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	r2 := New(logx.Nop(), nil, st)
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := r2.StudentID(42); got != "12112345" {
		t.Fatalf("restored student id = %q", got)
	}
	if got := r2.Courses(); len(got) != 1 || got[0] != "CSOPESY" {
		t.Fatalf("restored courses = %v", got)
	}

	// Restored baseline suppresses the already-seen state.
	if got := r2.DiffAndAdvance(ctx, mustSnap(t, "CSOPESY", sec(1234, 30, 30))); len(got) != 0 {
		t.Fatalf("restored baseline leaked deliveries: %+v", got)
	}
	// But a real change still surfaces.
	got := r2.DiffAndAdvance(ctx, mustSnap(t, "CSOPESY", sec(1234, 29, 30)))
	if len(got) != 1 || got[0].Changes[0].Kind != course.SectionOpened {
		t.Fatalf("post-restore deliveries = %+v", got)
	}
}
