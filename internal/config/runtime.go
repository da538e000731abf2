package config

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Flags is one immutable version of the process-wide runtime switches.
// Components read a snapshot once per operation so a concurrent update is
// never observed halfway through.
type Flags struct {
	Version         int64         `json:"version"`
	MaintenanceMode bool          `json:"maintenance_mode"`
	AutoCleanAfter  time.Duration `json:"auto_clean_after"`
	RecallWindow    time.Duration `json:"recall_window"`
}

// Runtime holds the current Flags version. It is created once at startup and
// passed by reference to every component that reads it.
type Runtime struct {
	current atomic.Pointer[Flags]
	mu      sync.Mutex // serializes writers
}

// NewRuntime returns a Runtime whose first version is initial.
func NewRuntime(initial Flags) *Runtime {
	r := &Runtime{}
	initial.Version = 1
	r.current.Store(&initial)
	return r
}

// Snapshot returns the current version. The returned value must not be modified.
func (r *Runtime) Snapshot() Flags {
	return *r.current.Load()
}

// Update applies fn to a copy of the current flags and publishes it as a new
// version. Readers holding an older snapshot keep seeing the old values.
func (r *Runtime) Update(fn func(*Flags)) Flags {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := *r.current.Load()
	fn(&next)
	next.Version = r.current.Load().Version + 1
	r.current.Store(&next)
	return next
}
