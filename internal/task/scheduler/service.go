package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"devpilot/internal/eventbus"
	"devpilot/internal/runtime/supervisor"
	"devpilot/internal/task"
	logx "devpilot/pkg/logx"
)

var (
	ErrNotStarted  = errors.New("scheduler: not started")
	ErrUnknownLoop = errors.New("scheduler: unknown loop")
	ErrGateClosed  = errors.New("scheduler: gate closed")
)

type loopState struct {
	loop  Loop
	spec  ParsedSpec
	sched cron.Schedule

	// guarded by Service.mu
	state    State
	cancel   context.CancelFunc
	gen      uint64
	runs     int
	failures int
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
	next     time.Time
}

type Service struct {
	mu      sync.Mutex
	gates   *Gates
	log     logx.Logger
	bus     eventbus.Bus
	loops   map[string]*loopState
	sup     *supervisor.Supervisor
	haltErr error
}

func New(gates *Gates, log logx.Logger, bus eventbus.Bus) *Service {
	if gates == nil {
		gates = NewGates()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{gates: gates, log: log, bus: bus, loops: map[string]*loopState{}}
}

func (s *Service) Gates() *Gates { return s.gates }

// Register adds or replaces a loop by name. A replaced loop that was running
// is stopped and started again with the new definition.
func (s *Service) Register(l Loop) error {
	spec, err := l.validate()
	if err != nil {
		return &task.ConfigurationError{What: "loop " + l.Name, Err: err}
	}
	sched, err := spec.Compile()
	if err != nil {
		return &task.ConfigurationError{What: "loop " + l.Name, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	wasRunning := false
	if old, ok := s.loops[l.Name]; ok && old.state == StateRunning {
		wasRunning = true
		old.gen++
		old.cancel()
	}
	ls := &loopState{loop: l, spec: spec, sched: sched, state: StateStopped}
	s.loops[l.Name] = ls
	if wasRunning && s.sup != nil && s.haltErr == nil {
		s.spawnLocked(ls)
	}
	return nil
}

// Start launches every registered loop whose gates are open. Calling Start on
// a started scheduler is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.haltErr = nil
	for _, ls := range s.sorted() {
		if s.gates.All(ls.loop.Gates...) {
			s.spawnLocked(ls)
		}
	}
	s.log.Info("scheduler started", logx.Int("loops", len(s.loops)))
	return nil
}

// StartLoop arms one loop. It fails when the loop's gates are closed, and is a
// no-op for a loop already running.
func (s *Service) StartLoop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return ErrNotStarted
	}
	if s.haltErr != nil {
		return fmt.Errorf("scheduler halted: %w", s.haltErr)
	}
	ls, ok := s.loops[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, name)
	}
	if ls.state == StateRunning {
		return nil
	}
	if !s.gates.All(ls.loop.Gates...) {
		return fmt.Errorf("%w: %s needs %v", ErrGateClosed, name, gateNames(ls.loop.Gates))
	}
	s.spawnLocked(ls)
	return nil
}

// Stop cancels every loop and waits for running jobs to return.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)

	s.mu.Lock()
	for _, ls := range s.loops {
		ls.gen++
		ls.state = StateStopped
		ls.cancel = nil
		ls.next = time.Time{}
	}
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
	return err
}

// Err returns the configuration error that halted the scheduler, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haltErr
}

func (s *Service) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.loops[name]
	return ok && ls.state == StateRunning
}

func (s *Service) Snapshot() []LoopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoopInfo, 0, len(s.loops))
	for _, ls := range s.sorted() {
		out = append(out, LoopInfo{
			Name:         ls.loop.Name,
			Schedule:     ls.spec.String(),
			Gates:        gateNames(ls.loop.Gates),
			State:        ls.state,
			Runs:         ls.runs,
			Failures:     ls.failures,
			LastRun:      ls.lastRun,
			LastDuration: ls.lastDur,
			LastError:    ls.lastErr,
			Next:         ls.next,
		})
	}
	return out
}

func (s *Service) sorted() []*loopState {
	out := make([]*loopState, 0, len(s.loops))
	for _, ls := range s.loops {
		out = append(out, ls)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].loop.Name < out[j].loop.Name })
	return out
}

func (s *Service) spawnLocked(ls *loopState) {
	ctx, cancel := context.WithCancel(s.sup.Context())
	ls.gen++
	gen := ls.gen
	ls.cancel = cancel
	ls.state = StateRunning
	s.sup.GoRestart("loop."+ls.loop.Name, func(context.Context) error {
		err := s.run(ctx, ls, gen)
		s.mu.Lock()
		if ls.gen == gen {
			ls.state = StateStopped
			ls.cancel = nil
			ls.next = time.Time{}
		}
		s.mu.Unlock()
		cancel()
		return err
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

// run is the loop body. It never runs two jobs of the same loop at once.
// gen identifies the spawn that owns ls.
func (s *Service) run(ctx context.Context, ls *loopState, gen uint64) error {
	l := ls.loop
	sched := ls.sched
	if l.Spread {
		var jitter time.Duration
		sched, jitter = withStartupSpread(sched, time.Now(), l.Name)
		s.log.Debug("loop start spread", logx.String("loop", l.Name), logx.Duration("jitter", jitter))
	}
	due := time.Now()
	if !l.RunOnStart {
		due = sched.Next(due)
	}

	for {
		watch := s.gates.Watch()
		if s.stopIfGated(ls, gen) {
			return nil
		}
		s.setNext(ls, due)
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-watch:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if s.stopIfGated(ls, gen) {
			return nil
		}

		if err := s.runJob(ctx, ls); err != nil && task.IsConfigurationError(err) {
			s.halt(l.Name, err)
			return nil
		}
		due = sched.Next(time.Now())
	}
}

// stopIfGated marks the loop STOPPED when one of its gates is closed. The
// check and the state change share s.mu with StartLoop, so a gate reopened
// right after always finds the loop stopped and re-arms it.
func (s *Service) stopIfGated(ls *loopState, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gates.All(ls.loop.Gates...) {
		return false
	}
	if ls.gen == gen {
		ls.state = StateStopped
		ls.cancel = nil
		ls.next = time.Time{}
	}
	s.log.Info("loop gate closed", logx.String("loop", ls.loop.Name))
	return true
}

func (s *Service) setNext(ls *loopState, t time.Time) {
	s.mu.Lock()
	ls.next = t
	s.mu.Unlock()
}

func (s *Service) runJob(ctx context.Context, ls *loopState) (err error) {
	l := ls.loop
	jctx := ctx
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("loop job panicked", logx.String("loop", l.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = l.Job(jctx)
	}()
	took := time.Since(start)

	s.mu.Lock()
	ls.runs++
	ls.lastRun = start
	ls.lastDur = took
	ls.lastErr = ""
	if err != nil {
		ls.failures++
		ls.lastErr = err.Error()
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Debug("loop run finished", logx.String("loop", l.Name), logx.Duration("took", took))
	case errors.Is(err, context.Canceled):
		s.log.Debug("loop run cancelled", logx.String("loop", l.Name))
	default:
		s.log.Warn("loop run failed", logx.String("loop", l.Name), logx.Duration("took", took), logx.Err(err))
	}
	return err
}

// halt stops every loop after a configuration error. The scheduler stays
// halted until Stop and Start are called again.
func (s *Service) halt(loop string, err error) {
	s.mu.Lock()
	if s.haltErr != nil {
		s.mu.Unlock()
		return
	}
	s.haltErr = err
	for _, ls := range s.loops {
		if ls.cancel != nil {
			ls.cancel()
		}
	}
	s.mu.Unlock()

	s.log.Error("scheduler halted", logx.String("loop", loop), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerHalted, Time: time.Now(), Data: HaltEvent{Loop: loop, Error: err.Error()}})
}
