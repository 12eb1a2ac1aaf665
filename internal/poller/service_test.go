package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"slotbot/internal/course"
	"slotbot/internal/eventbus"
	"slotbot/internal/registry"
	"slotbot/internal/source"
	logx "slotbot/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[string]*course.Snapshot
	errs  map[string]error
	calls map[string]int
	block chan struct{} // when set, Fetch waits until closed
}

func (f *fakeFetcher) Fetch(ctx context.Context, courseCode, studentID string) (*course.Snapshot, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[courseCode]++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[courseCode]; err != nil {
		return nil, err
	}
	if sn := f.snaps[courseCode]; sn != nil {
		return sn, nil
	}
	sn, _ := course.NewSnapshot(courseCode, time.Now(), nil)
	return sn, nil
}

func (f *fakeFetcher) set(courseCode string, sections ...course.Section) {
	sn, err := course.NewSnapshot(courseCode, time.Now(), sections)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	if f.snaps == nil {
		f.snaps = map[string]*course.Snapshot{}
	}
	f.snaps[courseCode] = sn
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount(courseCode string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[courseCode]
}

type fakeNotifier struct {
	mu      sync.Mutex
	changes map[int64][]course.Change
	missing map[int64][]string
}

func (n *fakeNotifier) NotifyChanges(ctx context.Context, chatID int64, courseCode string, changes []course.Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.changes == nil {
		n.changes = map[int64][]course.Change{}
	}
	n.changes[chatID] = append(n.changes[chatID], changes...)
	return nil
}

func (n *fakeNotifier) NotifyCourseMissing(ctx context.Context, chatID int64, courseCode string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.missing == nil {
		n.missing = map[int64][]string{}
	}
	n.missing[chatID] = append(n.missing[chatID], courseCode)
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	truths [][]int
}

func (b *fakeBroadcaster) PublishTruth(courseCode string, available []int, taken time.Time) {
	b.mu.Lock()
	b.truths = append(b.truths, available)
	b.mu.Unlock()
}

func sec(courseCode string, nbr, enrolled, cap int) course.Section {
	return course.Section{ClassNbr: nbr, Course: courseCode, Enrolled: enrolled, Capacity: cap}
}

func newTestService(t *testing.T, fetch *fakeFetcher, notify *fakeNotifier, bcast *fakeBroadcaster, reg *registry.Registry) *Service {
	t.Helper()
	s, err := New(Config{
		Enabled:          true,
		Schedule:         "1h", // ticks never fire during the test; cycles run explicitly
		DefaultStudentID: "12112345",
	}, Deps{
		Log:         logx.Nop(),
		Bus:         eventbus.New(),
		Fetcher:     fetch,
		Registry:    reg,
		Notifier:    notify,
		Broadcaster: bcast,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCycleFirstObservationIsSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(logx.Nop(), nil, nil)
	reg.AddScope(ctx, 42, course.Scope{Course: "CSOPESY"})

	fetch := &fakeFetcher{}
	fetch.set("CSOPESY", sec("CSOPESY", 1234, 30, 30))
	notify := &fakeNotifier{}
	s := newTestService(t, fetch, notify, nil, reg)

	if err := s.TriggerCourse(ctx, "CSOPESY"); err != nil {
		t.Fatalf("TriggerCourse: %v", err)
	}
	if len(notify.changes) != 0 {
		t.Fatalf("first cycle notified: %+v", notify.changes)
	}

	// Second cycle with a change delivers it.
	fetch.set("CSOPESY", sec("CSOPESY", 1234, 29, 30))
	if err := s.TriggerCourse(ctx, "CSOPESY"); err != nil {
		t.Fatalf("TriggerCourse: %v", err)
	}
	got := notify.changes[42]
	if len(got) != 2 || got[0].Kind != course.SectionOpened {
		t.Fatalf("delivered changes = %+v", got)
	}
}

func TestCycleCourseIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(logx.Nop(), nil, nil)
	reg.AddScope(ctx, 42, course.Scope{Course: "CSOPESY"})
	reg.AddScope(ctx, 7, course.Scope{Course: "STSWENG"})

	fetch := &fakeFetcher{}
	fetch.set("CSOPESY", sec("CSOPESY", 1234, 30, 30))
	fetch.set("STSWENG", sec("STSWENG", 9999, 10, 30))
	notify := &fakeNotifier{}
	s := newTestService(t, fetch, notify, nil, reg)

	s.TriggerCourse(ctx, "CSOPESY")
	s.TriggerCourse(ctx, "STSWENG")

	// CSOPESY opens; STSWENG unchanged.
	fetch.set("CSOPESY", sec("CSOPESY", 1234, 29, 30))
	s.TriggerCourse(ctx, "CSOPESY")
	s.TriggerCourse(ctx, "STSWENG")

	if len(notify.changes[42]) == 0 {
		t.Fatal("CSOPESY tracker heard nothing")
	}
	if len(notify.changes[7]) != 0 {
		t.Fatalf("STSWENG tracker heard about another course: %+v", notify.changes[7])
	}
}

func TestCycleNotFoundNotifiesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(logx.Nop(), nil, nil)
	reg.AddScope(ctx, 42, course.Scope{Course: "BOGUS101"})

	fetch := &fakeFetcher{errs: map[string]error{"BOGUS101": source.ErrNotFound}}
	notify := &fakeNotifier{}
	s := newTestService(t, fetch, notify, nil, reg)

	s.TriggerCourse(ctx, "BOGUS101")
	s.TriggerCourse(ctx, "BOGUS101")

	if got := notify.missing[42]; len(got) != 1 || got[0] != "BOGUS101" {
		t.Fatalf("missing notices = %v, want exactly one", got)
	}
}

func TestCycleBroadcastPublishesEveryCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(logx.Nop(), nil, nil)
	reg.SetBroadcastCourses([]string{"CSOPESY"})

	fetch := &fakeFetcher{}
	fetch.set("CSOPESY", sec("CSOPESY", 1234, 10, 30))
	bcast := &fakeBroadcaster{}
	s := newTestService(t, fetch, &fakeNotifier{}, bcast, reg)

	// Truth goes out even when nothing changed between cycles.
	s.TriggerCourse(ctx, "CSOPESY")
	s.TriggerCourse(ctx, "CSOPESY")

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	if len(bcast.truths) != 2 {
		t.Fatalf("published %d truths, want 2", len(bcast.truths))
	}
	if got := bcast.truths[0]; len(got) != 1 || got[0] != 1234 {
		t.Fatalf("truth = %v", got)
	}
}

func TestTriggerSkipsWhileCycleInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := registry.New(logx.Nop(), nil, nil)
	reg.AddScope(ctx, 42, course.Scope{Course: "CSOPESY"})

	block := make(chan struct{})
	fetch := &fakeFetcher{block: block}
	fetch.set("CSOPESY", sec("CSOPESY", 1234, 10, 30))
	s := newTestService(t, fetch, &fakeNotifier{}, nil, reg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.TriggerCourse(ctx, "CSOPESY")
	}()

	// Wait until the first cycle is inside Fetch, then trigger again.
	deadline := time.Now().Add(2 * time.Second)
	for fetch.callCount("CSOPESY") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.TriggerCourse(ctx, "CSOPESY"); err != nil {
		t.Fatalf("concurrent TriggerCourse: %v", err)
	}
	if got := fetch.callCount("CSOPESY"); got != 1 {
		t.Fatalf("fetch calls = %d, want 1 (second trigger skipped)", got)
	}

	close(block)
	<-done
}

func TestReconcileStartsAndStopsLoops(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	reg := registry.New(logx.Nop(), bus, nil)

	fetch := &fakeFetcher{}
	fetch.set("CSOPESY", sec("CSOPESY", 1234, 10, 30))
	s, err := New(Config{Enabled: true, Schedule: "1h", DefaultStudentID: "12112345"}, Deps{
		Log:      logx.Nop(),
		Bus:      bus,
		Fetcher:  fetch,
		Registry: reg,
		Notifier: &fakeNotifier{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	reg.AddScope(ctx, 42, course.Scope{Course: "CSOPESY"})

	// The scopes.changed event reaches the reconcile loop and the new
	// course gets its first cycle.
	deadline := time.Now().Add(2 * time.Second)
	for fetch.callCount("CSOPESY") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fetch.callCount("CSOPESY") == 0 {
		t.Fatal("loop for new course never polled")
	}
}
