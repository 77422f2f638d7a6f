package scheduler

import (
	"sync"

	"github.com/meshlang/actor/internal/pid"
)

// deque is one worker's private queue of Ready pids. The owning worker
// pushes and pops its "hot" end (LIFO, favoring cache-warm recently-run
// processes); peer workers steal from the "cold" end (FIFO), so a
// stolen process is the one least likely to still be mid-burst on its
// home thread (spec §4.5 Topology/Run loop).
type deque struct {
	mu    sync.Mutex
	items []pid.Pid
}

func newDeque() *deque {
	return &deque{}
}

// pushHot adds p as the next one this worker will run.
func (d *deque) pushHot(p pid.Pid) {
	d.mu.Lock()
	d.items = append(d.items, p)
	d.mu.Unlock()
}

// popHot removes and returns the most recently pushed pid.
func (d *deque) popHot() (pid.Pid, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return pid.Nil, false
	}
	p := d.items[n-1]
	d.items = d.items[:n-1]
	return p, true
}

// pushCold adds p at the cold end, behind every queued peer. A process
// that just exhausted its reduction budget goes here, not the hot end —
// re-running it ahead of waiting peers would let one tight loop starve
// the rest of the deque.
func (d *deque) pushCold(p pid.Pid) {
	d.mu.Lock()
	d.items = append([]pid.Pid{p}, d.items...)
	d.mu.Unlock()
}

// popCold removes and returns the oldest pid, for a stealing peer.
func (d *deque) popCold() (pid.Pid, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return pid.Nil, false
	}
	p := d.items[0]
	d.items = d.items[1:]
	return p, true
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
