// Package scheduler implements the M:N work-stealing run loop (spec
// §4.5): M worker goroutines, each owning a private deque of Ready
// processes, stealing from peers' cold ends when idle, cooperatively
// scheduling by the resume/yield handoff internal/proc implements.
package scheduler

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/gcheap"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
	"github.com/meshlang/actor/internal/registry"
)

// DefaultReductionBudget matches spec §4.5's example constant.
const DefaultReductionBudget = 2000

// Dist is the subset of the distribution layer a Scheduler needs to
// hand off sends addressed to a non-local pid. Left nil, RemoteSend
// fails closed instead of silently dropping (spec §4.1 "reachable
// from outside its node" is a distribution-layer concern, not this
// package's).
type Dist interface {
	Send(target pid.Pid, payload any) error
}

// Config tunes topology and per-process defaults.
type Config struct {
	Workers         int
	ReductionBudget int64
	HeapConfig      gcheap.Config
	NodeID          uint16
	Incarnation     uint8
}

// Scheduler owns the process table and every worker's deque; it is the
// internal/proc.Runtime every spawned process's Context talks to.
type Scheduler struct {
	cfg Config
	dist Dist

	mu    sync.RWMutex
	procs map[pid.Pid]*proc.Process

	names    *registry.Registry
	workers  []*worker
	park     *park
	nextLocal atomic.Uint64
	gcCycles  atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler with cfg.Workers idle worker goroutines
// not yet started; call Start to begin running.
func New(cfg Config, dist Dist) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReductionBudget <= 0 {
		cfg.ReductionBudget = DefaultReductionBudget
	}
	s := &Scheduler{
		cfg:    cfg,
		dist:   dist,
		procs:  make(map[pid.Pid]*proc.Process),
		names:  registry.New(),
		park:   newPark(),
		stopCh: make(chan struct{}),
	}
	s.workers = make([]*worker, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = &worker{id: i, sched: s, deque: newDeque()}
	}
	return s
}

// SetDist rewires the distribution transport after construction —
// cmd/meshd builds the Scheduler before the node's dist.Router exists
// since the router needs a live Table to resolve local delivery.
func (s *Scheduler) SetDist(d Dist) { s.dist = d }

// Start launches every worker goroutine.
func (s *Scheduler) Start() {
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run(s.stopCh)
		}(w)
	}
}

// Stop signals every worker to exit its run loop once idle and waits
// for them to return.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// --- internal/proc.Runtime ---

func (s *Scheduler) Table() exitsig.Table { return s }

func (s *Scheduler) Lookup(p pid.Pid) (exitsig.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.procs[p]
	return handle, ok
}

func (s *Scheduler) LocalSend(target pid.Pid, env mailbox.Envelope) {
	s.mu.RLock()
	p, ok := s.procs[target]
	s.mu.RUnlock()
	if !ok {
		return // dead or unknown local pid: silently dropped (spec §4.2)
	}
	// Post wakes the parked receiver's wait goroutine through the
	// mailbox's own waiter channel; that goroutine re-scans, records the
	// match, and only then re-enqueues the process (see worker.awaitReceive).
	// Unparking here directly would race the match recording.
	p.Mailbox().Post(env)
}

func (s *Scheduler) RemoteSend(target pid.Pid, payload any) error {
	if s.dist == nil {
		return fmt.Errorf("scheduler: no distribution transport configured, cannot reach node %d", target.Node())
	}
	return s.dist.Send(target, payload)
}

func (s *Scheduler) Register(name string, p pid.Pid) error { return s.names.Register(name, p) }
func (s *Scheduler) Whereis(name string) (pid.Pid, bool)   { return s.names.Whereis(name) }
func (s *Scheduler) Unregister(p pid.Pid)                  { s.names.Unregister(p) }
func (s *Scheduler) NodeID() uint16                        { return s.cfg.NodeID }
func (s *Scheduler) Incarnation() uint8                    { return s.cfg.Incarnation }

func (s *Scheduler) GC(p *proc.Process) {
	if h := p.Heap(); h != nil {
		h.Collect(p.Roots())
		s.gcCycles.Add(1)
	}
}

func (s *Scheduler) Spawn(entry proc.EntryFunc, opts ...proc.Option) pid.Pid {
	return s.spawnOn(s.leastLoadedWorker(), entry, opts...)
}

// --- spawn / shutdown ---

// SpawnLink spawns entry and atomically links it to parent, matching
// spec §4.1's spawn_link primitive: the link exists before the new
// process's first resume, so the child cannot race ahead and exit
// unobserved.
func (s *Scheduler) SpawnLink(parent pid.Pid, entry proc.EntryFunc, opts ...proc.Option) (pid.Pid, error) {
	parentHandle, ok := s.Lookup(parent)
	if !ok {
		return pid.Nil, fmt.Errorf("scheduler: spawn_link parent %s not found", parent)
	}
	// proc.New applies options before spawnOn enqueues the process, so
	// linking from an option happens before any worker can resume it.
	linkToParent := func(p *proc.Process) {
		exitsig.Link(parent, parentHandle.Links(), p.Pid(), p.Links())
	}
	child := s.Spawn(entry, append(append([]proc.Option(nil), opts...), linkToParent)...)
	return child, nil
}

func (s *Scheduler) leastLoadedWorker() int {
	best, bestLen := 0, -1
	for i, w := range s.workers {
		n := w.deque.len()
		if bestLen == -1 || n < bestLen {
			best, bestLen = i, n
		}
	}
	return best
}

func (s *Scheduler) spawnOn(workerIdx int, entry proc.EntryFunc, opts ...proc.Option) pid.Pid {
	local := s.nextLocal.Add(1)
	// Local pids carry node id zero (spec §3: "a pid is local iff the
	// node-id field is zero"); the distribution layer substitutes this
	// node's cluster id when a pid crosses the wire.
	id := pid.New(0, s.cfg.Incarnation, local)

	heapOpt := proc.WithHeapConfig(s.cfg.HeapConfig, nil)
	allOpts := append([]proc.Option{heapOpt}, opts...)
	p := proc.New(id, s, s.cfg.ReductionBudget, allOpts...)

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	p.Start(entry)
	s.workers[workerIdx].deque.pushHot(id)
	return id
}

// Kill delivers the untrappable Kill reason (spec §4.6), bypassing
// trap_exit: if the process is Waiting, it is moved to Ready with the
// reason pending; if Running, it's observed at the next checkpoint.
func (s *Scheduler) Kill(target pid.Pid) {
	s.Exit(pid.Nil, target, exitsig.ReasonKilled())
}

// Exit delivers an exit signal from `from` to target, the `exit(pid,
// reason)` primitive of spec §6. Killed bypasses trap_exit; any other
// reason is delivered as a mailbox envelope to a trapping target, kills
// a non-trapping target unless the reason is Normal, which a
// non-trapping target simply never observes (spec §4.6, §7).
func (s *Scheduler) Exit(from, target pid.Pid, reason exitsig.Reason) {
	h, ok := s.Lookup(target)
	if !ok {
		return
	}
	switch {
	case reason.Kind == exitsig.Killed:
		h.SetPendingExit(exitsig.ReasonKilled())
		s.interruptParked(target)
	case h.TrapExit():
		h.Mailbox().Post(mailbox.Envelope{Sender: from, Tag: mailbox.TagExitSignal, Payload: reason})
	case reason.Kind == exitsig.Normal:
		// dropped: a non-trapping target ignores a Normal exit signal.
	default:
		h.SetPendingExit(reason)
		s.interruptParked(target)
	}
}

// IsAlive reports whether target names a live local process; used by
// supervisors deciding whether a child still needs shutting down.
func (s *Scheduler) IsAlive(target pid.Pid) bool {
	_, ok := s.Lookup(target)
	return ok
}

// wakeParked moves a Waiting process back onto its home deque; only the
// wait goroutine that recorded the process's pending receive may call
// this, so a resumed process always finds its receive outcome in place.
func (s *Scheduler) wakeParked(id pid.Pid) {
	if home, ok := s.park.remove(id); ok {
		s.workers[home].deque.pushHot(id)
	}
}

// interruptParked unparks id only if an injected exit is pending: the
// resumed process then observes the exit instead of a receive outcome.
// A no-op for a Running process, matching spec §4.5's "if Running, the
// exit will be observed at the next yield" branch.
func (s *Scheduler) interruptParked(id pid.Pid) {
	s.mu.RLock()
	p, ok := s.procs[id]
	s.mu.RUnlock()
	if !ok || !p.HasPendingExit() {
		return
	}
	s.wakeParked(id)
}

// removeProc drops a fully-Exited process from the table; called by
// the owning worker once Finalize has run.
func (s *Scheduler) removeProc(id pid.Pid) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

// pickStealTarget returns a random peer worker index other than self,
// or -1 if there is only one worker.
func (s *Scheduler) pickStealTarget(self int) int {
	if len(s.workers) < 2 {
		return -1
	}
	for {
		i := rand.IntN(len(s.workers))
		if i != self {
			return i
		}
	}
}

// Count reports the number of live processes, for the admin surface.
func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.procs)
}

// RunQueueDepth reports how many Ready processes are queued across
// every worker deque, for the admin surface.
func (s *Scheduler) RunQueueDepth() int {
	total := 0
	for _, w := range s.workers {
		total += w.deque.len()
	}
	return total
}

// GCCycles reports how many per-process collections have run node-wide.
func (s *Scheduler) GCCycles() int64 { return s.gcCycles.Load() }

// ProcInfo is one process's admin-surface row.
type ProcInfo struct {
	Pid        pid.Pid
	State      proc.State
	LinkCount  int
	HeapBytes  uint64
}

// Snapshot lists every live process, for the admin surface's
// GET /processes.
func (s *Scheduler) Snapshot() []ProcInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProcInfo, 0, len(s.procs))
	for id, p := range s.procs {
		info := ProcInfo{Pid: id, State: p.State(), LinkCount: len(p.Links().Snapshot())}
		if h := p.Heap(); h != nil {
			info.HeapBytes = h.Stats().AllocatedBytes
		}
		out = append(out, info)
	}
	return out
}
