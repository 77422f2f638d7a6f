package scheduler

import (
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
)

// worker is one scheduler thread: a goroutine running the per-thread
// loop of spec §4.5 against its own deque.
type worker struct {
	id    int
	sched *Scheduler
	deque *deque
}

// stealBackoff is how long a worker sleeps after finding its own deque
// empty and failing one steal, before re-checking the stop signal and
// trying again; it is a fixed interval, and each iteration tries one
// randomly chosen peer.
const stealBackoff = 200 * time.Microsecond

func (w *worker) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		id, ok := w.deque.popHot()
		if !ok {
			id, ok = w.steal()
		}
		if !ok {
			select {
			case <-stop:
				return
			case <-time.After(stealBackoff):
			}
			continue
		}

		w.runOne(id)
	}
}

// steal attempts one cold-end pop from a randomly chosen peer.
func (w *worker) steal() (pid.Pid, bool) {
	target := w.sched.pickStealTarget(w.id)
	if target < 0 {
		return pid.Nil, false
	}
	return w.sched.workers[target].deque.popCold()
}

func (w *worker) runOne(id pid.Pid) {
	w.sched.mu.RLock()
	p, ok := w.sched.procs[id]
	w.sched.mu.RUnlock()
	if !ok {
		return
	}

	report := p.Resume()

	switch report.Kind {
	case proc.YieldReduction, proc.YieldExplicit:
		w.deque.pushCold(id)

	case proc.YieldReceive:
		cancel := w.sched.park.add(id, w.id)
		go w.awaitReceive(id, p, report, cancel)
		// A Kill or cascaded exit may have landed between the yield and
		// the park; it found nothing to unpark then, so check now.
		if p.HasPendingExit() {
			w.sched.interruptParked(id)
		}

	case proc.YieldTerminate:
		w.finish(id, p, report.Reason)
	}
}

// awaitReceive runs the real wait for a parked process's mailbox on a
// dedicated goroutine (see park.go doc), then re-enqueues it onto its
// home deque once the selector matches or the deadline passes.
func (w *worker) awaitReceive(id pid.Pid, p *proc.Process, report proc.YieldReport, cancel <-chan struct{}) {
	sel := report.Selector
	if sel == nil {
		sel = mailbox.MatchAny
	}
	res := p.Mailbox().TakeBlockingCancelable(sel, report.Timeout, cancel)
	p.SetPendingReceive(res)
	w.sched.wakeParked(id)
}

func (w *worker) finish(id pid.Pid, p *proc.Process, reason exitsig.Reason) {
	// Snapshot linked peers before Terminate prunes the edges: any peer
	// the cascade marked with a pending exit may be parked in a receive
	// and needs unparking to observe it (spec §4.5 cancellation).
	peers := p.Links().Snapshot()
	exitsig.Terminate(w.sched, p, reason)
	p.Finalize()
	w.sched.removeProc(id)
	for _, peer := range peers {
		w.sched.interruptParked(peer)
	}
}
