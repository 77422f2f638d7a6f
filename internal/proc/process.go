package proc

import (
	"sync"
	"sync/atomic"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/gcheap"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
)

// Runtime is the slice of scheduler/registry/distribution behavior a
// running process needs to reach through its Context. The scheduler
// implements it; proc stays ignorant of work-stealing, node topology
// and wire encoding.
type Runtime interface {
	Table() exitsig.Table
	// LocalSend posts payload (already deep-copied by the caller) into
	// target's mailbox if target is local and alive; a dead or unknown
	// local pid is silently ignored (spec §4.2 failure modes).
	LocalSend(target pid.Pid, env mailbox.Envelope)
	// RemoteSend hands a payload to the distribution layer for a
	// non-local pid. Returns an encode/transport error, never a
	// delivery error — delivery failures are invisible to the sender
	// by design.
	RemoteSend(target pid.Pid, payload any) error
	Register(name string, p pid.Pid) error
	Whereis(name string) (pid.Pid, bool)
	Unregister(p pid.Pid)
	NodeID() uint16
	Incarnation() uint8
	// Spawn creates a new process scheduled the same way as this one.
	Spawn(entry EntryFunc, opts ...Option) pid.Pid
	// GC runs a full mark-sweep pass against p's current roots. The
	// scheduler owns this call so it can happen only "at yield points"
	// (spec §4.3 Trigger) and only for the currently scheduled process.
	GC(p *Process)
}

// Process is the live record backing one actor (spec §3).
type Process struct {
	id pid.Pid

	mu              sync.Mutex
	state           State
	reductionBudget int64
	reduction       int64
	pendingExit     *exitsig.Reason
	pendingReceive  *mailbox.TakeBlockingResult
	name            string

	trapExit atomic.Bool

	links    *exitsig.LinkSet
	monitors *exitsig.MonitorSet
	mbox     *mailbox.Mailbox
	heap     *gcheap.Heap
	roots    []gcheap.Ref

	terminateCB func(exitsig.Reason)
	coro        *Coroutine
	ctx         *Context
	rt          Runtime
}

// Option configures a spawned process.
type Option func(*Process)

func WithTerminateCallback(fn func(exitsig.Reason)) Option {
	return func(p *Process) { p.terminateCB = fn }
}

func WithTrapExit(v bool) Option {
	return func(p *Process) { p.trapExit.Store(v) }
}

func WithHeapConfig(cfg gcheap.Config, descriptors map[gcheap.TypeTag]gcheap.Descriptor) Option {
	return func(p *Process) { p.heap = gcheap.New(cfg, descriptors) }
}

// New constructs a process record in state Ready, not yet running.
func New(id pid.Pid, rt Runtime, reductionBudget int64, opts ...Option) *Process {
	p := &Process{
		id:              id,
		state:           Ready,
		reductionBudget: reductionBudget,
		reduction:       reductionBudget,
		links:           exitsig.NewLinkSet(),
		monitors:        exitsig.NewMonitorSet(),
		mbox:            mailbox.New(),
		heap:            gcheap.New(gcheap.DefaultConfig(), nil),
		coro:            NewCoroutine(),
		rt:              rt,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx = NewContext(p)
	return p
}

// Start binds entry to this process's coroutine. The coroutine's
// backing goroutine parks immediately waiting for the scheduler's first
// Resume (spec §4.4 init()).
func (p *Process) Start(entry EntryFunc) {
	p.coro.Init(entry, p.ctx)
}

// Resume hands this process one scheduling quantum: it resets the
// reduction budget and sets state Running before resuming the
// coroutine, and injects any reason recorded since its last run
// (cascaded non-trapping exit, or a scheduler-issued Kill) so it is
// observed at the very next checkpoint (spec §4.5 run loop step 3,
// §4.5 cancellation semantics).
func (p *Process) Resume() YieldReport {
	p.ResetReduction()
	p.setState(Running)
	sig := ResumeSignal{Injected: p.TakePendingExit()}
	if pr := p.takePendingReceive(); pr != nil {
		sig.ReceiveWoke = true
		sig.TimedOut = pr.TimedOut
		sig.Envelope = pr.Envelope
	}
	report := p.coro.Resume(sig)
	switch report.Kind {
	case YieldReceive:
		p.setState(Waiting)
	case YieldTerminate:
		// caller (scheduler) transitions through Exiting to Exited.
	default:
		p.setState(Ready)
	}
	return report
}

func (p *Process) Pid() pid.Pid                 { return p.id }
func (p *Process) Links() *exitsig.LinkSet       { return p.links }
func (p *Process) Monitors() *exitsig.MonitorSet { return p.monitors }
func (p *Process) Mailbox() *mailbox.Mailbox     { return p.mbox }
func (p *Process) Heap() *gcheap.Heap            { return p.heap }
func (p *Process) TrapExit() bool                { return p.trapExit.Load() }
func (p *Process) SetTrapExit(v bool)            { p.trapExit.Store(v) }
func (p *Process) Coroutine() *Coroutine         { return p.coro }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// SetPendingExit implements exitsig.Handle: records a reason the
// scheduler must inject at this process's next resume (spec §4.6 step
// 3, §4.5 cancellation semantics).
func (p *Process) SetPendingExit(r exitsig.Reason) {
	p.mu.Lock()
	reason := r
	p.pendingExit = &reason
	p.mu.Unlock()
}

// TakePendingExit clears and returns any pending injected exit.
func (p *Process) TakePendingExit() *exitsig.Reason {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.pendingExit
	p.pendingExit = nil
	return r
}

// HasPendingExit reports whether an injected exit is waiting to be
// observed, without consuming it. The scheduler uses this to decide
// whether a freshly parked process must be woken right back up (a Kill
// can land in the window between the receive-yield and the park).
func (p *Process) HasPendingExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingExit != nil
}

// SetPendingReceive records the result of the scheduler's out-of-band
// mailbox wait (see internal/scheduler's worker.awaitReceive), to be
// delivered on this process's next Resume instead of re-scanning the
// mailbox and risking a second consumption of the same envelope.
func (p *Process) SetPendingReceive(r mailbox.TakeBlockingResult) {
	p.mu.Lock()
	p.pendingReceive = &r
	p.mu.Unlock()
}

func (p *Process) takePendingReceive() *mailbox.TakeBlockingResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.pendingReceive
	p.pendingReceive = nil
	return r
}

func (p *Process) RunTerminateCallback(r exitsig.Reason) {
	p.setState(Exiting)
	if p.terminateCB != nil {
		p.terminateCB(r)
	}
}

func (p *Process) UnregisterName() {
	p.rt.Unregister(p.id)
}

// ResetReduction reloads the per-quantum budget (spec §4.5 step 3).
func (p *Process) ResetReduction() {
	p.mu.Lock()
	p.reduction = p.reductionBudget
	p.mu.Unlock()
}

// Decrement lowers the reduction counter by one and reports whether it
// has reached zero — the compiler-inserted checkpoint at function
// entry, loop back-edges and sends (spec §4.5 Reduction counting).
func (p *Process) Decrement() (exhausted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reduction > 0 {
		p.reduction--
	}
	return p.reduction <= 0
}

// PushRoot/PopRoot implement the explicit root-set substitute for
// conservative stack scanning documented in internal/gcheap:
// Context.Alloc pushes each new ref while it's live in the "frame",
// and the entry code calls Context.PopRoot once it is dead or linked
// into a parent object, mirroring what a precise stack map would record.
func (p *Process) PushRoot(r gcheap.Ref) {
	p.mu.Lock()
	p.roots = append(p.roots, r)
	p.mu.Unlock()
}

func (p *Process) PopRoot() {
	p.mu.Lock()
	if len(p.roots) > 0 {
		p.roots = p.roots[:len(p.roots)-1]
	}
	p.mu.Unlock()
}

func (p *Process) Roots() []gcheap.Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gcheap.Ref, len(p.roots))
	copy(out, p.roots)
	return out
}

// Finalize transitions to Exited and releases process-owned resources:
// the coroutine's goroutine has already returned by the time this is
// called, the heap's arenas are simply dropped (never shared, so no
// handshake needed), and any undelivered mailbox contents are
// reclaimed (spec §4.6 step 6).
func (p *Process) Finalize() []mailbox.Envelope {
	p.setState(Exited)
	leftover := p.mbox.Drain()
	p.heap = nil
	return leftover
}
