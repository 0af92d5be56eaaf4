package engine

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// memoryMonitor samples a worker process's resident set size every poll
// interval and reports on violated once rss exceeds limit. Uses
// prometheus/procfs to read the process-info pseudo-filesystem directly.
type memoryMonitor struct {
	pid      int
	limit    int64
	interval time.Duration
	log      *zap.Logger

	violated chan struct{}
	stop     chan struct{}
	once     sync.Once

	// procfsUnavailable latches true the first time procfs sampling fails
	// (e.g. non-Linux), so the monitor logs once and then goes quiet
	// instead of spamming — memory enforcement is then carried solely by
	// the Session's timeout, a documented limitation.
	procfsUnavailable bool
}

func newMemoryMonitor(pid int, limit int64, interval time.Duration, log *zap.Logger) *memoryMonitor {
	return &memoryMonitor{
		pid:      pid,
		limit:    limit,
		interval: interval,
		log:      log,
		violated: make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// run samples RSS until stop() is called or a violation is reported.
// Intended to be launched with `go m.run()`.
func (m *memoryMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			rss, err := readRSS(m.pid)
			if err != nil {
				if !m.procfsUnavailable {
					m.procfsUnavailable = true
					m.log.Warn("RSS sampling unavailable; memory limit enforcement disabled for this worker",
						zap.Int("worker_pid", m.pid), zap.Error(err))
				}
				continue
			}
			if rss > m.limit {
				m.once.Do(func() { close(m.violated) })
				return
			}
		}
	}
}

// Violated is closed the instant a sample exceeds the configured limit.
func (m *memoryMonitor) Violated() <-chan struct{} { return m.violated }

// Stop ends the sampling loop. Safe to call multiple times.
func (m *memoryMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// readRSS returns the resident set size, in bytes, of pid.
func readRSS(pid int) (int64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.NewStat()
	if err != nil {
		return 0, err
	}
	return int64(stat.RSS) * int64(os.Getpagesize()), nil
}
