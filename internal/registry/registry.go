// Package registry tracks who watches what: subscriber scopes, their
// per-scope diff baselines, and the broadcast course set. It is the
// single writer of baselines so a poll cycle's diff and its baseline
// advance are atomic per subscriber.
package registry

import (
	"context"
	"sort"
	"sync"

	"slotbot/internal/course"
	"slotbot/internal/eventbus"
	"slotbot/internal/storage"
	logx "slotbot/pkg/logx"
)

// Delivery is the per-subscriber outcome of one poll cycle: the changes
// the subscriber's scopes saw, in deterministic diff order.
type Delivery struct {
	ChatID  int64
	Changes []course.Change
}

type subscriber struct {
	chatID    int64
	studentID string
	scopes    map[string]course.Scope     // by scope key
	baselines map[string]*course.Snapshot // by scope key
	missing   map[string]bool             // courses already reported as not found
}

// Registry is safe for concurrent use.
type Registry struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store // nil when persistence is disabled

	mu        sync.Mutex
	subs      map[int64]*subscriber
	broadcast map[string][]course.Scope // broadcast scopes grouped by course
}

func New(log logx.Logger, bus eventbus.Bus, store storage.Store) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:       log,
		bus:       bus,
		store:     store,
		subs:      map[int64]*subscriber{},
		broadcast: map[string][]course.Scope{},
	}
}

// Load restores subscribers from the store. Call once before the poller
// starts so restored baselines suppress already-reported diffs.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.LoadSubscribers(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		sub := r.ensureLocked(st.ChatID)
		sub.studentID = st.StudentID
		for _, raw := range st.Scopes {
			sc, err := course.ParseScope(raw)
			if err != nil {
				r.log.Warn("dropping unparseable stored scope",
					logx.Int64("chat_id", st.ChatID), logx.String("scope", raw))
				continue
			}
			sub.scopes[sc.Key()] = sc
		}
		for key, sections := range st.Baselines {
			sc, err := course.ParseScope(key)
			if err != nil {
				continue
			}
			sn, err := course.NewSnapshot(sc.Course, st.UpdatedAt, sections)
			if err != nil {
				continue
			}
			sub.baselines[key] = sn
		}
	}
	r.log.Info("subscribers restored", logx.Int("count", len(states)))
	return nil
}

func (r *Registry) ensureLocked(chatID int64) *subscriber {
	sub, ok := r.subs[chatID]
	if !ok {
		sub = &subscriber{
			chatID:    chatID,
			scopes:    map[string]course.Scope{},
			baselines: map[string]*course.Snapshot{},
			missing:   map[string]bool{},
		}
		r.subs[chatID] = sub
	}
	return sub
}

// Subscribe registers a chat. Idempotent; reports whether it was new.
func (r *Registry) Subscribe(ctx context.Context, chatID int64) bool {
	r.mu.Lock()
	_, existed := r.subs[chatID]
	sub := r.ensureLocked(chatID)
	r.persistLocked(ctx, sub)
	r.mu.Unlock()

	if !existed {
		r.publishScopesChanged()
	}
	return !existed
}

// Unsubscribe forgets a chat entirely: scopes, baselines, student id.
func (r *Registry) Unsubscribe(ctx context.Context, chatID int64) bool {
	r.mu.Lock()
	_, existed := r.subs[chatID]
	delete(r.subs, chatID)
	if existed && r.store != nil {
		if err := r.store.DeleteSubscriber(ctx, chatID); err != nil {
			r.log.Warn("delete subscriber failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
	r.mu.Unlock()

	if existed {
		r.publishScopesChanged()
	}
	return existed
}

// Subscribed reports whether the chat has registered with /start.
func (r *Registry) Subscribed(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[chatID]
	return ok
}

// SetStudentID records the enrollment identity used when fetching the
// subscriber's courses.
func (r *Registry) SetStudentID(ctx context.Context, chatID int64, studentID string) {
	r.mu.Lock()
	sub := r.ensureLocked(chatID)
	sub.studentID = studentID
	r.persistLocked(ctx, sub)
	r.mu.Unlock()
}

func (r *Registry) StudentID(chatID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[chatID]; ok {
		return sub.studentID
	}
	return ""
}

// AddScope starts tracking a scope for the chat. Idempotent; reports
// whether the scope was newly added.
func (r *Registry) AddScope(ctx context.Context, chatID int64, sc course.Scope) bool {
	r.mu.Lock()
	sub := r.ensureLocked(chatID)
	key := sc.Key()
	_, existed := sub.scopes[key]
	if !existed {
		sub.scopes[key] = sc
		delete(sub.missing, sc.Course)
		r.persistLocked(ctx, sub)
	}
	r.mu.Unlock()

	if !existed {
		r.publishScopesChanged()
	}
	return !existed
}

// RemoveScope stops tracking a scope, dropping its baseline with it.
func (r *Registry) RemoveScope(ctx context.Context, chatID int64, sc course.Scope) bool {
	r.mu.Lock()
	sub, ok := r.subs[chatID]
	key := sc.Key()
	removed := false
	if ok {
		if _, removed = sub.scopes[key]; removed {
			delete(sub.scopes, key)
			delete(sub.baselines, key)
			r.persistLocked(ctx, sub)
		}
	}
	r.mu.Unlock()

	if removed {
		r.publishScopesChanged()
	}
	return removed
}

// Scopes returns the chat's tracked scopes sorted by key.
func (r *Registry) Scopes(chatID int64) []course.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[chatID]
	if !ok {
		return nil
	}
	out := make([]course.Scope, 0, len(sub.scopes))
	for _, sc := range sub.scopes {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SetBroadcastCourses replaces the scope set published to the broadcast
// channel. Entries are whole courses ("CSOPESY") or single sections
// ("CSOPESY:1234"). Comes from config, so it survives reloads.
func (r *Registry) SetBroadcastCourses(scopes []string) {
	next := map[string][]course.Scope{}
	seen := map[string]bool{}
	for _, raw := range scopes {
		sc, err := course.ParseScope(raw)
		if err != nil || seen[sc.Key()] {
			continue
		}
		seen[sc.Key()] = true
		next[sc.Course] = append(next[sc.Course], sc)
	}

	r.mu.Lock()
	changed := len(seen) != broadcastKeyCount(r.broadcast)
	if !changed {
	compare:
		for _, scs := range r.broadcast {
			for _, sc := range scs {
				if !seen[sc.Key()] {
					changed = true
					break compare
				}
			}
		}
	}
	r.broadcast = next
	r.mu.Unlock()

	if changed {
		r.publishScopesChanged()
	}
}

func broadcastKeyCount(m map[string][]course.Scope) int {
	n := 0
	for _, scs := range m {
		n += len(scs)
	}
	return n
}

// IsBroadcast reports whether a course feeds the broadcast channel.
func (r *Registry) IsBroadcast(courseCode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.broadcast[courseCode]
	return ok
}

// BroadcastAvailable returns the class numbers in the snapshot that are
// available and match a broadcast scope, sorted ascending, and whether
// the snapshot's course is broadcast-tracked at all. The slice may be
// empty: an all-full cycle still publishes the (empty) truth.
func (r *Registry) BroadcastAvailable(sn *course.Snapshot) ([]int, bool) {
	r.mu.Lock()
	scopes, ok := r.broadcast[sn.Course()]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	out := []int{}
	for _, s := range sn.Sections() {
		if !s.Available() {
			continue
		}
		for _, sc := range scopes {
			if sc.Matches(s.ClassNbr) {
				out = append(out, s.ClassNbr)
				break
			}
		}
	}
	return out, true
}

// Courses returns every distinct course code any subscriber or the
// broadcast channel tracks, sorted. This is the poller's work list.
func (r *Registry) Courses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := map[string]bool{}
	for _, sub := range r.subs {
		for _, sc := range sub.scopes {
			set[sc.Course] = true
		}
	}
	for c := range r.broadcast {
		set[c] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// FetchIdentity picks a student id usable to fetch the given course:
// any tracker's configured id, smallest chat id first for determinism.
// Empty when no tracker has one.
func (r *Registry) FetchIdentity(courseCode string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sub := r.subs[id]
		if sub.studentID == "" {
			continue
		}
		for _, sc := range sub.scopes {
			if sc.Course == courseCode {
				return sub.studentID
			}
		}
	}
	return ""
}

// DiffAndAdvance applies a fresh snapshot: for every subscriber scope on
// the snapshot's course it diffs against the stored baseline, advances
// the baseline to the new snapshot, and clears any not-found mark for
// the course. Diff and advance happen under one lock so a change is
// reported exactly once.
//
// Deliveries are sorted by chat id; a subscriber tracking overlapping
// scopes gets each change once.
func (r *Registry) DiffAndAdvance(ctx context.Context, sn *course.Snapshot) []Delivery {
	courseCode := sn.Course()

	r.mu.Lock()
	var out []Delivery
	for _, sub := range r.subs {
		delete(sub.missing, courseCode)

		keys := make([]string, 0, len(sub.scopes))
		for key, sc := range sub.scopes {
			if sc.Course == courseCode {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			continue
		}
		sort.Strings(keys)

		var changes []course.Change
		seen := map[int]map[course.ChangeKind]bool{}
		dirty := false
		for _, key := range keys {
			filtered := sn.Filter(sub.scopes[key])
			for _, ch := range course.Diff(sub.baselines[key], filtered) {
				if seen[ch.ClassNbr][ch.Kind] {
					continue
				}
				if seen[ch.ClassNbr] == nil {
					seen[ch.ClassNbr] = map[course.ChangeKind]bool{}
				}
				seen[ch.ClassNbr][ch.Kind] = true
				changes = append(changes, ch)
			}
			sub.baselines[key] = filtered
			dirty = true
		}
		if dirty {
			r.persistLocked(ctx, sub)
		}
		if len(changes) > 0 {
			out = append(out, Delivery{ChatID: sub.chatID, Changes: changes})
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// MarkCourseMissing records an upstream not-found for the course and
// returns the chats that have not yet been told, sorted. Each chat is
// told once until the course reappears or the scope churns.
func (r *Registry) MarkCourseMissing(courseCode string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for id, sub := range r.subs {
		tracked := false
		for _, sc := range sub.scopes {
			if sc.Course == courseCode {
				tracked = true
				break
			}
		}
		if !tracked || sub.missing[courseCode] {
			continue
		}
		sub.missing[courseCode] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) persistLocked(ctx context.Context, sub *subscriber) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSubscriber(ctx, exportLocked(sub)); err != nil {
		r.log.Warn("persist subscriber failed", logx.Int64("chat_id", sub.chatID), logx.Err(err))
	}
}

func exportLocked(sub *subscriber) storage.SubscriberState {
	st := storage.SubscriberState{ChatID: sub.chatID, StudentID: sub.studentID}
	for key := range sub.scopes {
		st.Scopes = append(st.Scopes, key)
	}
	sort.Strings(st.Scopes)
	if len(sub.baselines) > 0 {
		st.Baselines = make(map[string][]course.Section, len(sub.baselines))
		for key, sn := range sub.baselines {
			st.Baselines[key] = sn.Sections()
		}
	}
	return st
}

func (r *Registry) publishScopesChanged() {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.EventScopesChanged})
}
