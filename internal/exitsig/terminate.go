package exitsig

import (
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
)

// Handle is the minimal view of a process record that the termination
// path needs. internal/proc.Process implements it.
type Handle interface {
	Pid() pid.Pid
	Links() *LinkSet
	Monitors() *MonitorSet
	TrapExit() bool
	Mailbox() *mailbox.Mailbox
	// SetPendingExit records a reason to be observed at the peer's next
	// yield, used for non-trapping cascade (spec §4.6 step 3).
	SetPendingExit(Reason)
	RunTerminateCallback(Reason)
	UnregisterName()
}

// Table resolves a pid to its live process record, or reports the
// process is already gone (in which case the caller's operation is a
// no-op, matching "send to dead pid is not an error").
type Table interface {
	Lookup(pid.Pid) (Handle, bool)
}

// Terminate runs the full exit path of spec §4.6 for self, which has
// already decided to die with reason. Its first step,
// self.RunTerminateCallback, is where internal/proc (which owns the
// state machine) moves self to Exiting; the rest is the signal fan-out.
func Terminate(table Table, self Handle, reason Reason) {
	self.RunTerminateCallback(reason)

	for _, peerPid := range self.Links().Snapshot() {
		peer, ok := table.Lookup(peerPid)
		if !ok {
			continue
		}
		env := mailbox.Envelope{Sender: self.Pid(), Tag: mailbox.TagExitSignal, Payload: reason}
		if peer.TrapExit() {
			peer.Mailbox().Post(env)
		} else {
			if reason.Cascades() {
				peer.SetPendingExit(WrapLinked(self.Pid(), reason))
			}
			// Non-cascading reasons still post nothing: a non-trapping
			// peer simply never hears about a Normal/Shutdown exit.
		}
		Unlink(self.Pid(), self.Links(), peerPid, peer.Links())
	}

	for _, w := range self.Monitors().Watchers() {
		holder, ok := table.Lookup(w.Holder())
		if !ok {
			continue
		}
		holder.Mailbox().Post(mailbox.Envelope{
			Sender:  self.Pid(),
			Tag:     mailbox.TagMonitorDown,
			Payload: DownNotice{Ref: w.Ref(), Target: w.Target(), Reason: reason},
		})
	}

	self.UnregisterName()
}

// DownNotice is the payload of a TagMonitorDown envelope.
type DownNotice struct {
	Ref    MonitorRef
	Target pid.Pid
	Reason Reason
}
