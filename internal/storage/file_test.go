package storage

import (
	"context"
	"path/filepath"
	"testing"

	"slotbot/internal/course"
	logx "slotbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "slotbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	want := SubscriberState{
		ChatID:    42,
		StudentID: "12112345",
		Scopes:    []string{"CSOPESY", "LBYCPA1:1234"},
		Baselines: map[string][]course.Section{
			"CSOPESY": {{ClassNbr: 1234, Course: "CSOPESY", Enrolled: 10, Capacity: 30}},
		},
	}
	if err := st.SaveSubscriber(ctx, want); err != nil {
		t.Fatalf("SaveSubscriber: %v", err)
	}
	if err := st.SaveSubscriber(ctx, SubscriberState{ChatID: 7, Scopes: []string{"STSWENG"}}); err != nil {
		t.Fatalf("SaveSubscriber: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and verify both survived.
	st = openTestStore(t, dir)
	defer st.Close()
	subs, err := st.LoadSubscribers(ctx)
	if err != nil {
		t.Fatalf("LoadSubscribers: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("loaded %d subscribers, want 2", len(subs))
	}
	var got SubscriberState
	for _, s := range subs {
		if s.ChatID == 42 {
			got = s
		}
	}
	if got.StudentID != want.StudentID || len(got.Scopes) != 2 {
		t.Fatalf("got %+v", got)
	}
	base := got.Baselines["CSOPESY"]
	if len(base) != 1 || base[0].ClassNbr != 1234 || base[0].Enrolled != 10 {
		t.Fatalf("baseline = %+v", base)
	}
}

func TestFileStoreDelete(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.SaveSubscriber(ctx, SubscriberState{ChatID: 42, Scopes: []string{"CSOPESY"}}); err != nil {
		t.Fatalf("SaveSubscriber: %v", err)
	}
	if err := st.DeleteSubscriber(ctx, 42); err != nil {
		t.Fatalf("DeleteSubscriber: %v", err)
	}
	// Deleting a missing subscriber is a no-op.
	if err := st.DeleteSubscriber(ctx, 999); err != nil {
		t.Fatalf("DeleteSubscriber(missing): %v", err)
	}
	st.Close()

	st = openTestStore(t, dir)
	defer st.Close()
	subs, err := st.LoadSubscribers(ctx)
	if err != nil {
		t.Fatalf("LoadSubscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("loaded %d subscribers after delete, want 0", len(subs))
	}
}

func TestFileStoreLastWriteWins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	for _, id := range []string{"111", "222", "333"} {
		if err := st.SaveSubscriber(ctx, SubscriberState{ChatID: 5, StudentID: id}); err != nil {
			t.Fatalf("SaveSubscriber: %v", err)
		}
	}
	st.Close()

	st = openTestStore(t, dir)
	defer st.Close()
	subs, _ := st.LoadSubscribers(ctx)
	if len(subs) != 1 || subs[0].StudentID != "333" {
		t.Fatalf("got %+v, want single subscriber with student id 333", subs)
	}
}
