// Package mailbox implements the per-process ordered envelope queue with
// selective, optionally-blocking receive (spec §4.2).
package mailbox

import (
	"sync"
	"time"

	"github.com/meshlang/actor/internal/pid"
)

// Tag classifies an envelope's payload.
type Tag uint8

const (
	// TagUser marks an ordinary user-to-user message.
	TagUser Tag = iota
	// TagExitSignal marks a linked-process exit notification.
	TagExitSignal
	// TagMonitorDown marks a one-shot monitor notification.
	TagMonitorDown
)

// Envelope is one entry in a mailbox. Payload is either a value already
// deep-copied into the recipient's heap (local send) or a decoded wire
// value (remote send); mailbox itself is agnostic to which.
type Envelope struct {
	Sender  pid.Pid
	Tag     Tag
	Payload any
}

// Selector decides whether an envelope should be taken out of the
// mailbox during a receive. Envelopes it rejects are left in place, in
// their original relative order, for a later receive with a different
// selector to observe.
type Selector func(Envelope) bool

// MatchAny is the trivial selector used by receives with no pattern.
func MatchAny(Envelope) bool { return true }

// Mailbox is an unbounded-growth FIFO per process. Growth is the
// sender's responsibility to throttle at higher layers (spec §4.2);
// the mailbox itself never refuses a post.
type Mailbox struct {
	mu      sync.Mutex
	queue   []Envelope
	waiters []chan struct{}
}

// New returns an empty mailbox.
func New() *Mailbox {
	return &Mailbox{}
}

// Post is an O(1) amortized enqueue. If any receiver is parked waiting
// on this mailbox, it is woken to re-scan from the start — the caller
// does not evaluate selectors itself, it defers to the waiter.
func (m *Mailbox) Post(env Envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// TryTake performs a single non-blocking scan, returning at most upToN
// envelopes whose payload satisfies sel, preserving the relative order
// of everything left behind.
func (m *Mailbox) TryTake(sel Selector, upToN int) []Envelope {
	if sel == nil {
		sel = MatchAny
	}
	if upToN <= 0 {
		upToN = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var taken []Envelope
	remaining := m.queue[:0:0]
	for _, env := range m.queue {
		if len(taken) < upToN && sel(env) {
			taken = append(taken, env)
			continue
		}
		remaining = append(remaining, env)
	}
	m.queue = remaining
	return taken
}

// TakeBlockingResult reports the outcome of a blocking receive.
type TakeBlockingResult struct {
	Envelope Envelope
	TimedOut bool
}

// TakeBlocking returns a single matching envelope, or a timeout
// indication. timeout == 0 means "scan once, then fail without
// waiting"; timeout < 0 means "wait forever." This call simply blocks
// the calling goroutine. A process's own code never calls it: its
// receive yields to the scheduler, which moves it to Waiting and runs
// the wait (TakeBlockingCancelable) on a separate goroutine (see
// internal/scheduler's worker.awaitReceive).
func (m *Mailbox) TakeBlocking(sel Selector, timeout time.Duration) TakeBlockingResult {
	return m.TakeBlockingCancelable(sel, timeout, nil)
}

// TakeBlockingCancelable is TakeBlocking with an additional escape
// hatch: closing cancel ends the wait early (reported as TimedOut),
// used by the scheduler to stop an indefinite wait when a Kill or
// cascaded exit is injected into a Waiting process (spec §4.5
// cancellation semantics).
func (m *Mailbox) TakeBlockingCancelable(sel Selector, timeout time.Duration, cancel <-chan struct{}) TakeBlockingResult {
	if sel == nil {
		sel = MatchAny
	}

	if got := m.TryTake(sel, 1); len(got) == 1 {
		return TakeBlockingResult{Envelope: got[0]}
	}
	if timeout == 0 {
		return TakeBlockingResult{TimedOut: true}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		wake := m.registerWaiter()
		// Re-scan after registering in case Post raced us between the
		// TryTake above and registerWaiter.
		if got := m.TryTake(sel, 1); len(got) == 1 {
			m.unregisterWaiter(wake)
			return TakeBlockingResult{Envelope: got[0]}
		}

		select {
		case <-wake:
			if got := m.TryTake(sel, 1); len(got) == 1 {
				return TakeBlockingResult{Envelope: got[0]}
			}
			// Woken but another receiver (or a non-matching arrival)
			// won the race; loop and wait again.
		case <-deadline:
			m.unregisterWaiter(wake)
			return TakeBlockingResult{TimedOut: true}
		case <-cancel:
			m.unregisterWaiter(wake)
			return TakeBlockingResult{TimedOut: true}
		}
	}
}

func (m *Mailbox) registerWaiter() chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()
	return ch
}

func (m *Mailbox) unregisterWaiter(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// Len reports the number of envelopes currently queued. Intended for
// the admin/introspection surface, not for control flow.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Drain removes and returns every envelope, used during exit
// finalization to reclaim undelivered messages (spec §4.2 failure
// modes: posting to an Exiting process's mailbox is allowed, but the
// envelope is reclaimed here, never delivered).
func (m *Mailbox) Drain() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}
