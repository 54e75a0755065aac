// Package shutdown provides idle monitoring for scale-to-zero deployments.
// The monitor watches pipeline, crawl and job activity and signals shutdown
// once everything has been quiet for the configured duration.
package shutdown

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WorkChecker reports whether background work (queued or running jobs,
// in-flight crawls) is still in progress.
type WorkChecker func() bool

// IdleMonitor tracks activity and closes its shutdown channel after a full
// idle period. A zero timeout disables monitoring.
type IdleMonitor struct {
	timeout      time.Duration
	logger       *slog.Logger
	activeTasks  int64
	lastActivity time.Time
	mu           sync.RWMutex
	shutdownChan chan struct{}
	stopChan     chan struct{}
	workCheck    WorkChecker
}

// Config holds idle monitor configuration.
type Config struct {
	Timeout   time.Duration
	Logger    *slog.Logger
	WorkCheck WorkChecker
}

// NewIdleMonitor creates an idle monitor.
func NewIdleMonitor(cfg Config) *IdleMonitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleMonitor{
		timeout:      cfg.Timeout,
		logger:       logger,
		lastActivity: time.Now(),
		shutdownChan: make(chan struct{}),
		stopChan:     make(chan struct{}),
		workCheck:    cfg.WorkCheck,
	}
}

// Start begins monitoring for idle periods.
func (m *IdleMonitor) Start() {
	if m.timeout <= 0 {
		m.logger.Debug("idle monitoring disabled (timeout=0)")
		return
	}
	m.logger.Info("idle monitoring started", "timeout", m.timeout)
	go m.run()
}

// Stop stops the idle monitor.
func (m *IdleMonitor) Stop() {
	if m.timeout <= 0 {
		return
	}
	close(m.stopChan)
}

// ShutdownChan returns a channel closed when the idle timeout is reached.
func (m *IdleMonitor) ShutdownChan() <-chan struct{} {
	return m.shutdownChan
}

// TaskStart marks the beginning of a tracked unit of work (a pipeline run,
// a crawl, a job execution). Pair with TaskEnd.
func (m *IdleMonitor) TaskStart() {
	atomic.AddInt64(&m.activeTasks, 1)
	m.touch()
}

// TaskEnd marks the end of a tracked unit of work.
func (m *IdleMonitor) TaskEnd() {
	atomic.AddInt64(&m.activeTasks, -1)
	m.touch()
}

func (m *IdleMonitor) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// run is the main monitoring loop. It checks more frequently than the
// timeout to stay responsive, bounded to [5s, 30s].
func (m *IdleMonitor) run() {
	checkInterval := m.timeout / 6
	if checkInterval < 5*time.Second {
		checkInterval = 5 * time.Second
	}
	if checkInterval > 30*time.Second {
		checkInterval = 30 * time.Second
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			active := atomic.LoadInt64(&m.activeTasks)
			m.mu.RLock()
			idleTime := time.Since(m.lastActivity)
			m.mu.RUnlock()

			busy := false
			if m.workCheck != nil {
				busy = m.workCheck()
			}

			// Any activity resets the clock so finished work gets a full
			// grace period before shutdown.
			if active > 0 || busy {
				m.touch()
				idleTime = 0
			}

			if active == 0 && !busy && idleTime >= m.timeout {
				m.logger.Info("idle timeout reached, signaling graceful shutdown",
					"idle_time", idleTime,
					"timeout", m.timeout,
				)
				close(m.shutdownChan)
				return
			}

			m.logger.Debug("idle check",
				"idle_time", idleTime,
				"active_tasks", active,
				"background_busy", busy,
				"timeout", m.timeout,
			)
		}
	}
}
