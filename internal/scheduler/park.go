package scheduler

import (
	"sync"

	"github.com/meshlang/actor/internal/pid"
)

// park tracks every process currently Waiting on a receive, and which
// worker's deque is its "home" — the deque it should be pushed back
// onto when it wakes, all else equal (spec §4.5 Wake-up).
//
// The actual wait (selector re-scan plus deadline) is delegated to
// mailbox.Mailbox.TakeBlockingCancelable running on a dedicated goroutine per
// parked process — the idiomatic Go rendering of the design's "timer
// thread" alternative for servicing receive timeouts, reusing the
// mailbox's own waiter/wake channel instead of a second polling loop.
type park struct {
	mu     sync.Mutex
	home   map[pid.Pid]int
	cancel map[pid.Pid]chan struct{}
}

func newPark() *park {
	return &park{home: make(map[pid.Pid]int), cancel: make(map[pid.Pid]chan struct{})}
}

// add records id as parked on homeWorker and returns a cancel channel
// the wait goroutine should select on alongside the mailbox wait.
func (p *park) add(id pid.Pid, homeWorker int) <-chan struct{} {
	cancel := make(chan struct{})
	p.mu.Lock()
	p.home[id] = homeWorker
	p.cancel[id] = cancel
	p.mu.Unlock()
	return cancel
}

// remove reports the home worker recorded for id, if it was parked,
// and closes its cancel channel so an in-flight wait ends immediately.
func (p *park) remove(id pid.Pid) (homeWorker int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	home, present := p.home[id]
	if present {
		delete(p.home, id)
		if c, ok := p.cancel[id]; ok {
			close(c)
			delete(p.cancel, id)
		}
	}
	return home, present
}
