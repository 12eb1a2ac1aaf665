// Package poller drives the poll cycles: one loop per tracked course,
// reconciled against the registry whenever scopes change.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"slotbot/internal/eventbus"
	"slotbot/internal/runtime/supervisor"
	logx "slotbot/pkg/logx"
)

const reconcileInterval = time.Minute

// Service owns one poll loop per distinct tracked course. Loops are
// started and stopped as subscriptions (and the broadcast set) change.
type Service struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	spec     ParsedSpec
	loc      *time.Location
	sup      *supervisor.Supervisor
	loops    map[string]context.CancelFunc
	cycleMus map[string]*sync.Mutex
	started  bool
}

func New(cfg Config, deps Deps) (*Service, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		deps:  deps,
		log:   log,
		loops: map[string]context.CancelFunc{},
	}
	if err := s.applyLocked(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps configuration. Schedule and timezone changes take effect
// on each loop's next tick; no loop restart needed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) error {
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return err
		}
		loc = l
	}
	spec, err := ParseSchedule(cfg.Schedule, loc)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.spec = spec
	s.loc = loc
	return nil
}

// Start launches the reconcile loop. Returns immediately; the first
// reconcile happens right away so restored subscriptions start polling
// without waiting for a scope change.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.cfg.Enabled || s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.mu.Unlock()

	s.sup.GoRestart0("poller.reconcile", func(ctx context.Context) {
		events, unsub := s.deps.Bus.Subscribe(16)
		defer unsub()
		s.reconcile(ctx)
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.EventScopesChanged {
					s.reconcile(ctx)
				}
			case <-ticker.C:
				s.reconcile(ctx)
			}
		}
	}, supervisor.WithStopOnCleanExit(false))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.started = false
	for courseCode, cancel := range s.loops {
		cancel()
		delete(s.loops, courseCode)
	}
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reconcile aligns the running loop set with the registry's course list.
func (s *Service) reconcile(ctx context.Context) {
	desired := map[string]bool{}
	for _, c := range s.deps.Registry.Courses() {
		desired[c] = true
	}

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	var stop []context.CancelFunc
	for courseCode, cancel := range s.loops {
		if !desired[courseCode] {
			stop = append(stop, cancel)
			delete(s.loops, courseCode)
			s.log.Info("course loop stopping", logx.String("course", courseCode))
		}
	}
	var start []string
	for courseCode := range desired {
		if _, ok := s.loops[courseCode]; !ok {
			start = append(start, courseCode)
		}
	}
	for _, courseCode := range start {
		loopCtx, cancel := context.WithCancel(ctx)
		s.loops[courseCode] = cancel
		courseCode := courseCode
		sup.Go0("poll."+courseCode, func(context.Context) { s.runLoop(loopCtx, courseCode) })
		s.log.Info("course loop started", logx.String("course", courseCode))
	}
	s.mu.Unlock()

	for _, cancel := range stop {
		cancel()
	}
}

func (s *Service) currentSpec() ParsedSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}
