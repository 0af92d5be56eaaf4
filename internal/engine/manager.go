// Package engine is the session execution engine. It multiplexes a
// bounded pool of long-lived interpreter workers, enforces wall-clock and
// memory limits per execution, preserves interpreter state across
// executions within a session, reclaims idle sessions, and keeps user
// code off the filesystem and network via internal/sandboxworker.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config bundles the engine's tunable knobs, already resolved to Go types
// (time.Duration, bytes) by internal/config.
type Config struct {
	MaxSessions  int
	Timeout      time.Duration
	MemoryLimit  int64 // bytes
	IdleTimeout  time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
	WorkerBinary string
}

// SessionManager is the supervisor: a process-wide registry that creates,
// looks up, evicts, and destroys Sessions, and enforces the global session
// cap. Grounded on steel-orchestrator's SessionManager (session.go) and
// Pool (pool.go) fused together — workers here are never recycled across
// sessions, so there is no separate warm pool, and the two source types
// collapse into one.
type SessionManager struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int // slots reserved for in-flight creations, not yet inserted

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewSessionManager constructs a SessionManager and starts its background
// reaper.
func NewSessionManager(cfg Config, log *zap.Logger) *SessionManager {
	m := &SessionManager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
		closeCh:  make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Execute is the SessionManager's public contract. maybeID is the empty
// string when the caller has no existing session.
func (m *SessionManager) Execute(maybeID string, code string) Outcome {
	if maybeID != "" {
		return m.executeExisting(maybeID, code)
	}
	return m.executeNew(code)
}

func (m *SessionManager) executeExisting(id string, code string) Outcome {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return Outcome{ID: id, Error: ErrSessionNotFound}
	}

	outcome, dead := sess.submit(code)
	if dead {
		m.forget(sess.id)
	}
	return outcome
}

func (m *SessionManager) executeNew(code string) Outcome {
	// Capacity check and reservation happen under one lock acquisition so
	// concurrent creations cannot overshoot the session cap. The actual
	// process spawn, which can take tens of milliseconds, happens outside
	// the lock — it is never held across a Worker submission (or
	// creation) — following steel-orchestrator's pendingAdds idiom in
	// pool.go's addWorker.
	m.mu.Lock()
	if len(m.sessions)+m.pending >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return Outcome{ID: uuid.New().String(), Error: ErrMaxSessionsReached}
	}
	m.pending++
	m.mu.Unlock()

	worker, err := spawnWorkerFunc(m.cfg.WorkerBinary)
	if err != nil {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
		// Worker spawn failure degrades to max_sessions_reached from the
		// client's perspective; the real cause is logged out-of-band.
		m.log.Error("worker spawn failed; degrading to max_sessions_reached", zap.Error(err))
		return Outcome{ID: uuid.New().String(), Error: ErrMaxSessionsReached}
	}

	sess := newSession(uuid.New().String(), worker, m.cfg.Timeout, m.cfg.MemoryLimit, m.cfg.PollInterval, m.log)

	m.mu.Lock()
	m.pending--
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.log.Info("session created", zap.String("session_id", sess.id), zap.Int("worker_pid", worker.PID()))

	outcome, dead := sess.submit(code)
	if dead {
		m.forget(sess.id)
	}
	return outcome
}

// forget removes id from the registry if still present. Used after a
// Session reports it has gone Dead: it must be removed from the registry
// before any new execution can observe it.
func (m *SessionManager) forget(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// Count returns the number of live sessions (for the /status introspection
// endpoint).
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot describes one Session for introspection purposes only — no
// session code or captured output is ever exposed this way.
type Snapshot struct {
	ID         string
	State      string
	LastActive time.Time
}

func (m *SessionManager) Snapshot() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = Snapshot{ID: s.ID(), State: s.State().String(), LastActive: s.LastActive()}
	}
	return out
}

// CrashSession kills the worker behind a given session, used only by the
// debug crash-test route.
func (m *SessionManager) CrashSession(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.killWorker()
	return true
}

// reapLoop wakes every ReapInterval and evicts Sessions idle for at least
// IdleTimeout, using a snapshot-then-verify protocol so teardown never
// happens while the registry lock is held.
func (m *SessionManager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *SessionManager) reapOnce() {
	type snap struct {
		sess       *Session
		lastActive time.Time
	}

	m.mu.Lock()
	snaps := make(map[string]snap, len(m.sessions))
	for id, s := range m.sessions {
		snaps[id] = snap{s, s.LastActive()}
	}
	m.mu.Unlock()

	now := time.Now()
	for id, sn := range snaps {
		if now.Sub(sn.lastActive) < m.cfg.IdleTimeout {
			continue
		}

		m.mu.Lock()
		cur, ok := m.sessions[id]
		if ok && cur == sn.sess && cur.LastActive().Equal(sn.lastActive) {
			delete(m.sessions, id)
			m.mu.Unlock()
		} else {
			// Touched between snapshot and removal — spared.
			m.mu.Unlock()
			continue
		}

		m.log.Info("reaped idle session", zap.String("session_id", id))
		cur.killWorker()
	}
}

// CloseAll terminates every Worker and clears the registry. Called at
// shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.killWorker()
	}

	m.closeOnce.Do(func() { close(m.closeCh) })
}
