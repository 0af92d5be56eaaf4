package engine

import (
	"sync"
	"time"

	"cellrunner/internal/sandboxworker"

	"go.uber.org/zap"
)

// State is a Session's lifecycle state.
type State int32

const (
	Idle State = iota
	Busy
	Dead
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// sessionWorker is the subset of *WorkerHandle a Session needs. It exists
// so tests can drive Session.submit's timeout/memory-race logic against an
// in-process fake instead of a real re-exec'd child process.
type sessionWorker interface {
	submit(code string) (sandboxworker.Response, error)
	PID() int
	kill()
	wait()
}

// Session binds a session id to one WorkerHandle plus the bookkeeping the
// SessionManager and its reaper need. Grounded on steel-orchestrator's
// worker.go state machine and session.go's SessionEntry, fused with a
// single-flight submit protocol.
type Session struct {
	id     string
	worker sessionWorker
	log    *zap.Logger

	timeout      time.Duration
	memoryLimit  int64
	pollInterval time.Duration

	// submitMu serializes submissions on this Session: at most one
	// execution may be in flight per Session at a time.
	submitMu sync.Mutex

	// bookkeeping is guarded separately from submitMu so State()/
	// LastActive() can be read by the reaper without blocking on (or
	// blocking) an in-flight submission.
	bookkeepingMu sync.Mutex
	state         State
	lastActive    time.Time
}

func newSession(id string, worker sessionWorker, timeout time.Duration, memoryLimit int64, pollInterval time.Duration, log *zap.Logger) *Session {
	return &Session{
		id:           id,
		worker:       worker,
		log:          log,
		timeout:      timeout,
		memoryLimit:  memoryLimit,
		pollInterval: pollInterval,
		state:        Idle,
		lastActive:   time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.bookkeepingMu.Lock()
	defer s.bookkeepingMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.bookkeepingMu.Lock()
	s.state = st
	s.bookkeepingMu.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.bookkeepingMu.Lock()
	defer s.bookkeepingMu.Unlock()
	return s.lastActive
}

// touch updates last_active. It is called at the start of every submitted
// execution; last_active must be monotonic per Session, which time.Now()
// on a single goroutine-serialized path gives us for free (submissions on
// one Session are single-flight).
func (s *Session) touch() {
	s.bookkeepingMu.Lock()
	s.lastActive = time.Now()
	s.bookkeepingMu.Unlock()
}

// killWorker forcibly terminates the underlying process and marks the
// Session Dead. Idempotent enough for the two callers that may race to
// call it (submit's limit paths and the reaper) since Worker.kill/wait
// tolerate repeated calls and the SessionManager only ever calls this once
// the Session has already been removed from the registry.
func (s *Session) killWorker() {
	s.setState(Dead)
	s.worker.kill()
	s.worker.wait()
}

// submit runs one execution to completion, racing the reply against the
// timeout and memory budget. It returns the Outcome and whether the
// Session transitioned to Dead (in which case the caller — SessionManager
// — must remove it from the registry).
func (s *Session) submit(code string) (Outcome, bool) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.setState(Busy)
	s.touch()

	type reply struct {
		resp sandboxworker.Response
		err  error
	}
	replyCh := make(chan reply, 1)
	go func() {
		resp, err := s.worker.submit(code)
		replyCh <- reply{resp, err}
	}()

	mon := newMemoryMonitor(s.worker.PID(), s.memoryLimit, s.pollInterval, s.log)
	go mon.run()
	defer mon.Stop()

	timeoutCh := time.After(s.timeout)

	// Tie-break priority: if the memory monitor has already fired by the
	// time we get to choose, the limit wins over a reply that happens to
	// be ready at the same instant. Checking Violated() first, non-
	// blocking, commits to one consistent resolution order instead of
	// letting a bare multi-way select pick arbitrarily between
	// simultaneously-ready cases.
	select {
	case <-mon.Violated():
		return s.onMemoryLimit()
	default:
	}

	select {
	case <-mon.Violated():
		return s.onMemoryLimit()
	case r := <-replyCh:
		if r.err != nil {
			return s.onWorkerDeath()
		}
		s.setState(Idle)
		return Outcome{ID: s.id, Stdout: nonEmpty(r.resp.Stdout), Stderr: nonEmpty(r.resp.Stderr)}, false
	case <-timeoutCh:
		return s.onTimeout()
	}
}

func (s *Session) onMemoryLimit() (Outcome, bool) {
	s.log.Warn("session killed: memory limit exceeded", zap.String("session_id", s.id))
	s.killWorker()
	return Outcome{ID: s.id, Error: ErrMemoryLimitExceeded}, true
}

func (s *Session) onTimeout() (Outcome, bool) {
	s.log.Warn("session killed: execution timeout", zap.String("session_id", s.id))
	s.killWorker()
	return Outcome{ID: s.id, Error: ErrExecutionTimeout}, true
}

// onWorkerDeath handles the worker exiting of its own accord mid-request.
// Reported identically to execution_timeout, since this layer cannot
// distinguish a crash from a live hang.
func (s *Session) onWorkerDeath() (Outcome, bool) {
	s.log.Error("session killed: worker exited unexpectedly", zap.String("session_id", s.id))
	s.killWorker()
	return Outcome{ID: s.id, Error: ErrExecutionTimeout}, true
}
