package proc

import (
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
)

// YieldKind classifies why a coroutine handed control back to the
// scheduler (spec §4.4/§4.5 suspension points).
type YieldKind uint8

const (
	YieldReduction YieldKind = iota
	YieldReceive
	YieldExplicit
	YieldTerminate
)

// YieldReport is what a coroutine hands the scheduler on every yield.
type YieldReport struct {
	Kind     YieldKind
	Selector mailbox.Selector // set when Kind == YieldReceive
	Timeout  time.Duration    // set when Kind == YieldReceive
	Reason   exitsig.Reason   // set when Kind == YieldTerminate
}

// ResumeSignal is what the scheduler hands back on every resume.
type ResumeSignal struct {
	// Injected, if non-nil, is an exit reason the scheduler wants
	// observed immediately (Kill bypasses trap_exit; a cascaded exit
	// from a non-trapping link is delivered the same way).
	Injected *exitsig.Reason
	// ReceiveWoke indicates a receive-yield resumed because the
	// mailbox gained a candidate envelope or the wait timed out.
	ReceiveWoke bool
	TimedOut    bool
	// Envelope is the matched envelope when ReceiveWoke && !TimedOut —
	// already removed from the mailbox by the scheduler's wait
	// goroutine, so the coroutine must not re-scan for it.
	Envelope mailbox.Envelope
}

// EntryFunc is the signature of a compiled (here: Go-native) process
// entry point — the thing spawn() is handed (spec §4.4, §6).
type EntryFunc func(ctx *Context) exitsig.Reason

// Coroutine is a stackful, cooperatively-scheduled execution context
// carrying one EntryFunc invocation. It is implemented as a goroutine
// that only proceeds when handed a turn by the scheduler — Go's own
// runtime gives it an arbitrary-depth call stack and cheap parking
// for free, but it never runs autonomously: resume()/yield() is a
// strict handoff protocol layered on top, which is what makes the
// scheduler's reduction counting and work-stealing meaningful instead
// of redundant with Go's own (preemptive, not cooperative) goroutine
// scheduling.
type Coroutine struct {
	resumeCh chan ResumeSignal
	yieldCh  chan YieldReport
}

func NewCoroutine() *Coroutine {
	return &Coroutine{
		resumeCh: make(chan ResumeSignal),
		yieldCh:  make(chan YieldReport),
	}
}

// Init starts the backing goroutine. It blocks on the first resume
// before running entry, exactly matching "init() sets up the saved
// context so a subsequent resume jumps to the function prologue."
func (c *Coroutine) Init(entry EntryFunc, ctx *Context) {
	ctx.coro = c
	go func() {
		<-c.resumeCh
		reason := runEntry(entry, ctx)
		c.yieldCh <- YieldReport{Kind: YieldTerminate, Reason: reason}
	}()
}

// runEntry converts a host-language panic into an Error reason at the
// coroutine boundary (spec §7): no exception ever crosses a process
// boundary, only messages or exit signals do. A panic carrying
// injectedExit (Context.Exit, or an untrapped cascaded exit observed at
// a checkpoint) is unwrapped back to its original reason instead of
// being flattened into a generic error.
func runEntry(entry EntryFunc, ctx *Context) (reason exitsig.Reason) {
	defer func() {
		if r := recover(); r != nil {
			if ie, ok := r.(injectedExit); ok {
				reason = ie.reason
				return
			}
			reason = exitsig.Errorf("%v", r)
		}
	}()
	return entry(ctx)
}

// Resume hands the coroutine one turn and blocks until it yields.
func (c *Coroutine) Resume(sig ResumeSignal) YieldReport {
	c.resumeCh <- sig
	return <-c.yieldCh
}

// yield is called from inside the coroutine (via Context) to return
// control to the scheduler, and blocks until the next Resume.
func (c *Coroutine) yield(report YieldReport) ResumeSignal {
	c.yieldCh <- report
	return <-c.resumeCh
}
