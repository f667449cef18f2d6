// Package lockmanager coordinates transaction-scoped write locks across
// multiple client processes sharing one Elefante data directory on a
// single host (spec.md §4.5). Locks are acquired per operation
// (milliseconds), never per session — prior art in this system used
// session-scoped locks, which deadlocked for days across editor sessions.
package lockmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/elefanteai/elefante/pkg/elefante"
)

// DefaultTimeout is the total bounded-backoff wait before an Acquire call
// fails with WriteLockUnavailable (spec.md §4.5).
const DefaultTimeout = 5 * time.Second

// HardStaleThreshold is the lock age past which a lock is reclaimed even if
// its holder PID is alive, with a logged warning (spec.md §4.5).
const HardStaleThreshold = 30 * time.Second

// lockFile is the on-disk shape of a lock file: {holder_pid, acquired_at,
// operation}.
type lockFile struct {
	HolderPID  int       `json:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Operation  string    `json:"operation"`
}

// Manager issues and releases per-operation locks under dir.
type Manager struct {
	dir            string
	timeout        time.Duration
	staleThreshold time.Duration

	// breaker trips after sustained contention failures so a backed-up
	// caller fails fast instead of burning the full backoff window on
	// every subsequent call, mirroring the teacher's LLM circuit breaker
	// (internal/llm/circuit_breaker.go) applied to lock contention instead
	// of upstream API failures.
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	held   map[string]bool
	logf   func(format string, args ...any)
	closed bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithStaleThreshold overrides HardStaleThreshold.
func WithStaleThreshold(d time.Duration) Option { return func(m *Manager) { m.staleThreshold = d } }

// WithLogger overrides the default os.Stderr logger used for stale-lock
// reclaim warnings.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(m *Manager) { m.logf = logf }
}

// New creates a Manager rooted at dir, creating dir if it does not exist.
func New(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockmanager: create lock dir: %w", err)
	}

	m := &Manager{
		dir:            dir,
		timeout:        DefaultTimeout,
		staleThreshold: HardStaleThreshold,
		held:           make(map[string]bool),
		logf:           func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) },
	}
	for _, opt := range opts {
		opt(m)
	}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lockmanager",
		MaxRequests: 1,
		Timeout:     m.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return m, nil
}

// Lock represents a held, per-operation lock; call Release when the
// operation completes.
type Lock struct {
	m    *Manager
	path string
}

// Acquire claims the lock for operation, retrying with bounded exponential
// backoff until it succeeds, the lock is reclaimed from a dead or stale
// holder, or the Manager's timeout elapses (then WriteLockUnavailable).
func (m *Manager) Acquire(ctx context.Context, operation string) (*Lock, error) {
	path := m.lockPath(operation)

	result, err := m.breaker.Execute(func() (any, error) {
		return m.acquireWithBackoff(ctx, path, operation)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, elefante.ErrWriteLockUnavailable.WithCause(
				fmt.Errorf("circuit open after sustained contention on %q", operation))
		}
		return nil, err
	}

	lock := result.(*Lock)
	m.mu.Lock()
	m.held[path] = true
	m.mu.Unlock()
	return lock, nil
}

func (m *Manager) acquireWithBackoff(ctx context.Context, path, operation string) (*Lock, error) {
	deadline := time.Now().Add(m.timeout)

	// watcher lets a waiting caller wake as soon as the holder releases,
	// rather than sitting out the full backoff interval; adapted from the
	// fsnotify event-watcher in the teacher's internal/notify package.
	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr == nil {
		defer watcher.Close()
		watcher.Add(m.dir)
	}

	limiter := rate.NewLimiter(rate.Every(20*time.Millisecond), 1)
	backoff := 20 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		if err := claimLockFile(path, operation); err == nil {
			return &Lock{m: m, path: path}, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("lockmanager: create lock file: %w", err)
		}

		lf, readErr := readLockFile(path)
		if readErr != nil {
			return nil, elefante.ErrLockFileCorrupt.WithCause(readErr)
		}

		if !processAlive(lf.HolderPID) {
			os.Remove(path)
			continue // retry claim immediately; dead-PID reclaim is unconditional
		}

		age := time.Since(lf.AcquiredAt)
		if age > m.staleThreshold {
			m.logf("lockmanager: reclaiming lock %q held by pid %d for %s (exceeds %s stale threshold)",
				operation, lf.HolderPID, age, m.staleThreshold)
			os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, elefante.ErrWriteLockUnavailable.WithCause(
				fmt.Errorf("timed out after %s waiting for %q (held by pid %d)", m.timeout, operation, lf.HolderPID))
		}

		if waitForRelease(ctx, watcher, path, backoff) {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// waitForRelease blocks up to `budget` for either an fsnotify remove event
// on path or ctx cancellation, returning true if it should retry
// immediately. Returns false (fall through to plain backoff) if no watcher
// is available.
func waitForRelease(ctx context.Context, watcher *fsnotify.Watcher, path string, budget time.Duration) bool {
	if watcher == nil {
		return false
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if ev.Name == path && (ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0) {
				return true
			}
		case <-watcher.Errors:
			return false
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Release deletes the lock file. Best-effort: a failure to remove (e.g.
// the file was already reclaimed as stale) is not an error for the caller.
func (l *Lock) Release() {
	os.Remove(l.path)
	l.m.mu.Lock()
	delete(l.m.held, l.path)
	l.m.mu.Unlock()
}

// Close releases every lock this Manager currently holds, best-effort. It
// is for abnormal-exit cleanup (signal handlers) by whoever owns the
// Manager; the Orchestrator does not call it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for path := range m.held {
		os.Remove(path)
	}
	m.held = make(map[string]bool)
	return nil
}

func (m *Manager) lockPath(operation string) string {
	return filepath.Join(m.dir, operation+".lock")
}

func claimLockFile(path, operation string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	lf := lockFile{HolderPID: os.Getpid(), AcquiredAt: time.Now().UTC(), Operation: operation}
	return json.NewEncoder(f).Encode(lf)
}

func readLockFile(path string) (lockFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lockFile{}, err
		}
		return lockFile{}, err
	}
	var lf lockFile
	if err := json.Unmarshal(b, &lf); err != nil {
		return lockFile{}, err
	}
	return lf, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
