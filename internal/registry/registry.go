// Package registry implements the process-wide name table (spec §4.7):
// a name maps to a (pid, incarnation) pair so that a name re-registered
// to a restarted process's fresh pid is indistinguishable, to a caller
// doing whereis(), from the name having always pointed at the current
// holder.
package registry

import (
	"fmt"
	"sync"

	"github.com/meshlang/actor/internal/pid"
)

// Registry is safe for concurrent use; every supervised restart and
// every process exit touches it.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]pid.Pid
	byPid  map[pid.Pid]string
}

func New() *Registry {
	return &Registry{byName: make(map[string]pid.Pid), byPid: make(map[pid.Pid]string)}
}

// Register binds name to p. Re-registering an already-taken name to a
// different live pid is an error; registering the same name to the pid
// that already holds it is a no-op success.
func (r *Registry) Register(name string, p pid.Pid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok {
		if existing == p {
			return nil
		}
		return fmt.Errorf("registry: name %q already registered to %s", name, existing)
	}
	if old, ok := r.byPid[p]; ok {
		delete(r.byName, old)
	}
	r.byName[name] = p
	r.byPid[p] = name
	return nil
}

// Whereis resolves name to its current holder, if any.
func (r *Registry) Whereis(name string) (pid.Pid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Unregister removes whatever name p holds, called as the last step of
// a process's termination path (spec §4.6 step 5), which frees the name
// for a restarted child to register again under its new pid.
func (r *Registry) Unregister(p pid.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.byPid[p]; ok {
		delete(r.byName, name)
		delete(r.byPid, p)
	}
}

// NameOf reports the name currently bound to p, if any. Supervisors do
// not call it: a restart does not carry a child's name over to its new
// pid.
func (r *Registry) NameOf(p pid.Pid) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byPid[p]
	return name, ok
}
