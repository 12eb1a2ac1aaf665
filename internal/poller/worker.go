package poller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"slotbot/internal/eventbus"
	"slotbot/internal/source"
	logx "slotbot/pkg/logx"
)

// runLoop polls one course until its context is canceled. The next tick
// is computed after a cycle completes, so a slow upstream delays the
// next run instead of stacking overlapping cycles. The first cycle is
// staggered a little so freshly reconciled loops don't hit the scraper
// all at once.
func (s *Service) runLoop(ctx context.Context, courseCode string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rand.Int63n(int64(500 * time.Millisecond)))):
	}
	for {
		if ctx.Err() != nil {
			return
		}
		s.runCycle(ctx, courseCode)

		next := s.currentSpec().Next(time.Now())
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// TriggerCourse runs one cycle immediately, outside the schedule. Used
// by the /check command. If a scheduled cycle for the course is already
// in flight the trigger is skipped rather than queued.
func (s *Service) TriggerCourse(ctx context.Context, courseCode string) error {
	mu := s.cycleMu(courseCode)
	if !mu.TryLock() {
		return nil
	}
	defer mu.Unlock()
	return s.cycle(ctx, courseCode)
}

func (s *Service) runCycle(ctx context.Context, courseCode string) {
	mu := s.cycleMu(courseCode)
	mu.Lock()
	defer mu.Unlock()
	_ = s.cycle(ctx, courseCode)
}

// cycle is one fetch-diff-deliver pass for one course. Callers hold the
// course's cycle mutex.
func (s *Service) cycle(ctx context.Context, courseCode string) error {
	started := time.Now()
	res := CycleResult{Course: courseCode}
	defer func() {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventPollCycle, Data: res})
	}()

	studentID := s.deps.Registry.FetchIdentity(courseCode)
	if studentID == "" {
		studentID = s.defaultStudentID()
	}
	if studentID == "" {
		res.Err = "no fetch identity"
		s.log.Debug("skipping course, no student id", logx.String("course", courseCode))
		return nil
	}

	sn, err := s.deps.Fetcher.Fetch(ctx, courseCode, studentID)
	if err != nil {
		res.Err = err.Error()
		return s.handleFetchError(ctx, courseCode, err)
	}
	res.Sections = sn.Len()

	deliveries := s.deps.Registry.DiffAndAdvance(ctx, sn)
	res.Deliveries = len(deliveries)
	for _, d := range deliveries {
		// Delivery failures are logged by the sink and never retried;
		// the advanced baseline stands either way.
		_ = s.deps.Notifier.NotifyChanges(ctx, d.ChatID, courseCode, d.Changes)
	}

	if available, tracked := s.deps.Registry.BroadcastAvailable(sn); tracked && s.deps.Broadcaster != nil {
		s.deps.Broadcaster.PublishTruth(courseCode, available, sn.Taken())
	}

	s.log.Debug("poll cycle done",
		logx.String("course", courseCode),
		logx.Int("sections", sn.Len()),
		logx.Int("deliveries", len(deliveries)),
		logx.Duration("took", time.Since(started)))
	return nil
}

func (s *Service) handleFetchError(ctx context.Context, courseCode string, err error) error {
	switch {
	case errors.Is(err, source.ErrNotFound):
		chats := s.deps.Registry.MarkCourseMissing(courseCode)
		for _, chatID := range chats {
			_ = s.deps.Notifier.NotifyCourseMissing(ctx, chatID, courseCode)
		}
		s.log.Warn("course not found upstream",
			logx.String("course", courseCode), logx.Int("notified", len(chats)))
		return nil
	case errors.Is(err, source.ErrBlocked):
		s.log.Warn("scraper blocked upstream, backing off until next tick",
			logx.String("course", courseCode))
		return nil
	case errors.Is(err, source.ErrMalformed):
		s.log.Error("malformed upstream payload", logx.String("course", courseCode), logx.Err(err))
		return nil
	default:
		s.log.Warn("fetch failed", logx.String("course", courseCode), logx.Err(err))
		return nil
	}
}

func (s *Service) defaultStudentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultStudentID
}

func (s *Service) cycleMu(courseCode string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycleMus == nil {
		s.cycleMus = map[string]*sync.Mutex{}
	}
	mu, ok := s.cycleMus[courseCode]
	if !ok {
		mu = &sync.Mutex{}
		s.cycleMus[courseCode] = mu
	}
	return mu
}
