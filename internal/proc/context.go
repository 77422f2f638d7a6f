package proc

import (
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/gcheap"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
)

// Context is the handle an EntryFunc uses to act as its process: every
// primitive spec §4.1/§4.2/§4.4/§4.6 gives to running code (send,
// receive, link, monitor, register, allocate, yield, exit) is a method
// here, so entry code never reaches into Process or Coroutine
// directly. Spawning is not a Context method; it goes through the
// runtime (the scheduler's Spawn/SpawnLink, or internal/abi).
type Context struct {
	proc *Process
	coro *Coroutine
}

// NewContext builds a Context bound to proc; coro is filled in by
// Coroutine.Init before the first resume.
func NewContext(proc *Process) *Context {
	return &Context{proc: proc}
}

// Self returns the owning process's pid.
func (c *Context) Self() pid.Pid { return c.proc.Pid() }

// CheckPoint is the compiler-inserted reduction checkpoint (spec §4.5):
// called at function entry, loop back-edges, and around sends. It
// yields with YieldReduction when the budget is exhausted, and always
// observes any exit the scheduler injected in the meantime, even if the
// budget isn't exhausted yet — Kill must take effect at the very next
// checkpoint, not the next reduction-exhaustion boundary.
func (c *Context) CheckPoint() {
	exhausted := c.proc.Decrement()
	if !exhausted {
		if r := c.proc.TakePendingExit(); r != nil {
			c.observeInjected(*r)
		}
		return
	}
	sig := c.coro.yield(YieldReport{Kind: YieldReduction})
	c.handleResume(sig)
}

// Yield is the explicit cooperative handoff spec §4.4 exposes to
// running code directly (distinct from a reduction-exhaustion yield).
func (c *Context) Yield() {
	sig := c.coro.yield(YieldReport{Kind: YieldExplicit})
	c.handleResume(sig)
}

// handleResume observes an injected exit reason on the signal the
// scheduler handed back from a yield, panicking through runEntry's
// recover so ordinary control flow (defers, trap_exit handlers running
// as plain received messages) still executes on the way out.
func (c *Context) handleResume(sig ResumeSignal) {
	if sig.Injected != nil {
		c.observeInjected(*sig.Injected)
	}
}

// observeInjected raises reason as a Go panic carrying the reason, so
// a coroutine that hasn't trapped it unwinds straight out through
// runEntry's recover, landing on the correct reason rather than being
// reinterpreted as a generic error (spec §4.6 step 2: an untrapped
// cascade kills the receiving process too).
func (c *Context) observeInjected(reason exitsig.Reason) {
	panic(injectedExit{reason})
}

// injectedExit lets runEntry distinguish "the process was told to die
// with this specific reason" from an ordinary host-language panic,
// which always becomes exitsig.Errorf.
type injectedExit struct {
	reason exitsig.Reason
}

// Exit implements the self-exit primitive: entry code calls this to
// terminate deliberately instead of merely returning (spec §4.1
// "exit/1" analogue).
func (c *Context) Exit(reason exitsig.Reason) {
	panic(injectedExit{reason})
}

// Send delivers payload to target (spec §4.1/§4.2). Local delivery
// deep-copies payload into target's heap by re-allocating it there
// through the descriptor-driven copy helper before posting, so sender
// and receiver heaps are never aliased; remote delivery defers
// encoding entirely to the Runtime.
func (c *Context) Send(target pid.Pid, payload any) error {
	c.CheckPoint()
	if !target.IsLocal() {
		return c.proc.rt.RemoteSend(target, payload)
	}
	if ref, isRef := payload.(gcheap.Ref); isRef {
		copied, err := c.copyToPeerHeap(target, ref)
		if err != nil {
			return err
		}
		payload = copied
	}
	c.proc.rt.LocalSend(target, mailbox.Envelope{Sender: c.Self(), Tag: mailbox.TagUser, Payload: payload})
	return nil
}

// copyToPeerHeap materializes a heap-backed payload inside the
// recipient's heap before the envelope is posted, so no Ref of this
// process's heap ever escapes into another process. A dead target makes
// the copy moot; the send is dropped by LocalSend anyway.
func (c *Context) copyToPeerHeap(target pid.Pid, ref gcheap.Ref) (gcheap.Ref, error) {
	handle, ok := c.proc.rt.Table().Lookup(target)
	if !ok {
		return gcheap.NilRef, nil
	}
	heaped, ok := handle.(interface {
		Heap() *gcheap.Heap
		Roots() []gcheap.Ref
	})
	if !ok || heaped.Heap() == nil {
		return gcheap.NilRef, nil
	}
	return gcheap.CopyInto(heaped.Heap(), c.proc.heap, ref, heaped.Roots())
}

// Receive performs one selective, possibly-blocking take from this
// process's mailbox (spec §4.2). timeout == 0 polls once; timeout < 0
// waits forever. The call is expressed as a yield so the scheduler can
// move this process to Waiting and run other work while the mailbox is
// empty, instead of blocking the OS thread.
func (c *Context) Receive(sel mailbox.Selector, timeout time.Duration) (mailbox.Envelope, bool) {
	if got := c.proc.mbox.TryTake(sel, 1); len(got) == 1 {
		return got[0], true
	}
	if timeout == 0 {
		return mailbox.Envelope{}, false
	}

	for {
		sig := c.coro.yield(YieldReport{Kind: YieldReceive, Selector: sel, Timeout: timeout})
		if sig.Injected != nil {
			c.observeInjected(*sig.Injected)
		}
		if sig.ReceiveWoke {
			if sig.TimedOut {
				return mailbox.Envelope{}, false
			}
			return sig.Envelope, true
		}
		// Resumed without a recorded outcome (a driver resumed us
		// directly rather than through the scheduler's wait path):
		// re-scan, and go back to waiting if there's still no match.
		if got := c.proc.mbox.TryTake(sel, 1); len(got) == 1 {
			return got[0], true
		}
	}
}

// Link establishes a symmetric link to peer (spec §4.1).
func (c *Context) Link(peer pid.Pid) {
	peerHandle, ok := c.proc.rt.Table().Lookup(peer)
	if !ok {
		// Linking to an already-dead peer delivers the exit signal the
		// link would have carried a moment earlier: as a mailbox envelope
		// if this process traps exits, as an immediate cascade otherwise.
		if c.proc.TrapExit() {
			c.proc.mbox.Post(mailbox.Envelope{
				Sender:  peer,
				Tag:     mailbox.TagExitSignal,
				Payload: exitsig.Errorf("noproc"),
			})
			return
		}
		c.observeInjected(exitsig.WrapLinked(peer, exitsig.Errorf("noproc")))
		return
	}
	exitsig.Link(c.Self(), c.proc.links, peer, peerHandle.Links())
}

// Unlink removes a symmetric link if one exists.
func (c *Context) Unlink(peer pid.Pid) {
	peerHandle, ok := c.proc.rt.Table().Lookup(peer)
	if !ok {
		return
	}
	exitsig.Unlink(c.Self(), c.proc.links, peer, peerHandle.Links())
}

// TrapExitSet toggles whether this process receives link exits as
// ordinary mailbox envelopes instead of being killed by them.
func (c *Context) TrapExitSet(v bool) {
	c.proc.SetTrapExit(v)
}

// Monitor establishes a one-shot, directional watch on target.
func (c *Context) Monitor(target pid.Pid) exitsig.MonitorRef {
	ref := exitsig.NewMonitorRef()
	targetHandle, ok := c.proc.rt.Table().Lookup(target)
	if !ok {
		c.proc.mbox.Post(mailbox.Envelope{
			Sender: target,
			Tag:    mailbox.TagMonitorDown,
			Payload: exitsig.DownNotice{
				Ref: ref, Target: target, Reason: exitsig.Errorf("noproc"),
			},
		})
		return ref
	}
	c.proc.monitors.Monitor(ref, c.Self(), target, targetHandle.Monitors())
	return ref
}

// Demonitor cancels a monitor before it has fired.
func (c *Context) Demonitor(ref exitsig.MonitorRef, target pid.Pid) {
	targetHandle, ok := c.proc.rt.Table().Lookup(target)
	if !ok {
		return
	}
	c.proc.monitors.Demonitor(ref, targetHandle.Monitors())
}

// Register binds name to this process in the global name table (spec
// §4.1); Whereis resolves a name back to a pid.
func (c *Context) Register(name string) error {
	return c.proc.rt.Register(name, c.Self())
}

func (c *Context) Whereis(name string) (pid.Pid, bool) {
	return c.proc.rt.Whereis(name)
}

// Alloc reserves size bytes tagged tag on this process's private heap,
// running a mark-sweep pass against the process's current explicit root
// set if the heap is full (spec §4.3). The returned Ref is pushed onto
// the root set for the duration of the caller's use; callers that store
// it into another heap object (WriteRef) should PopRoot once it is
// reachable through that parent instead of the frame.
func (c *Context) Alloc(size uint32, tag gcheap.TypeTag) (gcheap.Ref, error) {
	r, err := c.proc.heap.Alloc(size, tag, c.proc.Roots(), func(h *gcheap.Heap) {
		c.proc.rt.GC(c.proc)
	})
	if err != nil {
		return gcheap.NilRef, err
	}
	c.proc.PushRoot(r)
	return r, nil
}

// PopRoot releases a previously-pushed root once the caller has either
// discarded the value or linked it into a longer-lived structure.
func (c *Context) PopRoot() {
	c.proc.PopRoot()
}
