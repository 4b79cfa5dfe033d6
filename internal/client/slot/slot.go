// Package slot implements the three named, host-wide admission-control
// semaphores (Compile, Cpp, DesiredCompile) shared by every hgcc process
// on the machine.
//
// Go has no portable sem_open/sem_wait, so each counter is a
// gofrs/flock-guarded count file under a shared directory: acquire is
// lock-read-decrement-write, release is lock-read-increment-write.
// Blocking acquire polls with exponential backoff instead of blocking in
// the kernel.
package slot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
)

// Name identifies one of the three slot pools.
type Name string

const (
	Compile        Name = "compile"
	Cpp            Name = "cpp"
	DesiredCompile Name = "desired-compile"
)

// Handle is a held unit of a named pool. Dropping it without calling
// Release leaks the unit until the process exits; cmd/hgcc's signal
// handler calls Registry.ReleaseAll to avoid that on a crash.
type Handle struct {
	mgr  *Manager
	name Name
	once sync.Once
}

// Release posts the unit back to the pool. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.mgr.release(h.name)
		h.mgr.registry.remove(h)
	})
}

// Manager owns the directory the count files live in and the maximum for
// each pool. One Manager is shared by every slot acquired within a process;
// the files themselves are what make the counters shared across processes.
type Manager struct {
	dir      string
	max      map[Name]int
	registry *Registry
}

// DefaultDir is where slot count files live absent an override, matching
// the rest of the client's use of $TMPDIR for host-shared state.
func DefaultDir() string {
	if d := os.Getenv("HGCC_SLOT_DIR"); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "hybridgrid-slots")
}

// NewManager creates a Manager with the given per-pool maximums, creating
// the backing directory and zeroed count files if they don't exist yet.
func NewManager(dir string, maxCompile, maxCpp, maxDesired int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("slot: creating %s: %w", dir, err)
	}
	m := &Manager{
		dir: dir,
		max: map[Name]int{
			Compile:        maxCompile,
			Cpp:            maxCpp,
			DesiredCompile: maxDesired,
		},
		registry: &Registry{},
	}
	for name := range m.max {
		if err := m.ensureFile(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the process-local registry of currently-held handles,
// for the fatal-signal path.
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) countPath(name Name) string {
	return filepath.Join(m.dir, string(name)+".count")
}

func (m *Manager) lockPath(name Name) string {
	return filepath.Join(m.dir, string(name)+".lock")
}

func (m *Manager) ensureFile(name Name) error {
	path := m.countPath(name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(m.max[name])), 0644)
}

func (m *Manager) readCount(name Name) (int, error) {
	data, err := os.ReadFile(m.countPath(name))
	if err != nil {
		return m.max[name], nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return m.max[name], nil
	}
	return n, nil
}

func (m *Manager) writeCount(name Name, n int) error {
	return os.WriteFile(m.countPath(name), []byte(strconv.Itoa(n)), 0644)
}

// tryOnce attempts a single non-blocking acquire: locks the count file
// exclusively, and if the remaining count is positive, decrements it.
func (m *Manager) tryOnce(name Name) (bool, error) {
	lock := flock.New(m.lockPath(name))
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("slot: locking %s: %w", name, err)
	}
	if !locked {
		return false, nil
	}
	defer lock.Unlock()

	n, err := m.readCount(name)
	if err != nil {
		return false, err
	}
	if n <= 0 {
		return false, nil
	}
	if err := m.writeCount(name, n-1); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) release(name Name) {
	lock := flock.New(m.lockPath(name))
	if err := lock.Lock(); err != nil {
		return
	}
	defer lock.Unlock()

	n, _ := m.readCount(name)
	max := m.max[name]
	if n < max {
		_ = m.writeCount(name, n+1)
	}
}

// TryAcquire makes a single non-blocking attempt on the named pool (the
// DesiredCompile probe).
func (m *Manager) TryAcquire(name Name) (*Handle, bool, error) {
	ok, err := m.tryOnce(name)
	if err != nil || !ok {
		return nil, false, err
	}
	h := &Handle{mgr: m, name: name}
	m.registry.add(h)
	return h, true, nil
}

// Acquire blocks until a unit of the named pool is available, or ctx is
// cancelled.
func (m *Manager) Acquire(ctx context.Context, name Name) (*Handle, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0 // retry until ctx cancels

	for {
		ok, err := m.tryOnce(name)
		if err != nil {
			return nil, err
		}
		if ok {
			h := &Handle{mgr: m, name: name}
			m.registry.add(h)
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// Dump returns the current free count of every pool, for --dump-semaphores.
func (m *Manager) Dump() map[Name]int {
	out := map[Name]int{}
	for name := range m.max {
		n, _ := m.readCount(name)
		out[name] = n
	}
	return out
}

// Maxima returns each pool's configured maximum.
func (m *Manager) Maxima() map[Name]int {
	out := map[Name]int{}
	for name, n := range m.max {
		out[name] = n
	}
	return out
}

// Clean resets every pool's count file back to its configured maximum,
// the Go equivalent of sem_unlink followed by sem_open re-creating it,
// for --clean-semaphores.
func (m *Manager) Clean() error {
	for name, max := range m.max {
		if err := m.writeCount(name, max); err != nil {
			return err
		}
	}
	return nil
}

// Registry tracks every Handle this process currently holds, so a fatal
// signal handler can release them all without relying on stack unwinding.
type Registry struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
}

func (r *Registry) add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles == nil {
		r.handles = map[*Handle]struct{}{}
	}
	r.handles[h] = struct{}{}
}

func (r *Registry) remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h)
}

// ReleaseAll posts every currently-held handle back to its pool. Called
// from the signal handler and from a normal at-exit path alike.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}
