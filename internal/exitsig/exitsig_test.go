package exitsig_test

import (
	"testing"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/stretchr/testify/require"
)

func TestReasonCascades(t *testing.T) {
	require.False(t, exitsig.ReasonNormal().Cascades())
	require.False(t, exitsig.ReasonShutdown().Cascades())
	require.True(t, exitsig.ReasonKilled().Cascades())
	require.True(t, exitsig.Errorf("boom").Cascades())
}

func TestReasonEncodeDecodeRoundTrip(t *testing.T) {
	cases := []exitsig.Reason{
		exitsig.ReasonNormal(),
		exitsig.ReasonShutdown(),
		exitsig.ReasonKilled(),
		exitsig.Errorf("boom %d", 1),
		exitsig.Customf("custom-thing"),
		exitsig.WrapLinked(pid.New(0, 0, 5), exitsig.Errorf("child died")),
	}
	for _, r := range cases {
		got, n := exitsig.Decode(exitsig.Encode(r))
		require.Equal(t, n, len(exitsig.Encode(r)))
		require.Equal(t, r.String(), got.String())
	}
}

func TestLinkIsSymmetric(t *testing.T) {
	a, b := pid.New(0, 0, 1), pid.New(0, 0, 2)
	aLinks, bLinks := exitsig.NewLinkSet(), exitsig.NewLinkSet()

	exitsig.Link(a, aLinks, b, bLinks)
	require.True(t, aLinks.Has(b))
	require.True(t, bLinks.Has(a))

	exitsig.Unlink(a, aLinks, b, bLinks)
	require.False(t, aLinks.Has(b))
	require.False(t, bLinks.Has(a))
}

// fakeHandle is a minimal exitsig.Handle for exercising Terminate
// without pulling in the full proc/scheduler machinery.
type fakeHandle struct {
	pid              pid.Pid
	links            *exitsig.LinkSet
	monitors         *exitsig.MonitorSet
	trapExit         bool
	mbox             *mailbox.Mailbox
	pendingExit      *exitsig.Reason
	terminateCalled  exitsig.Reason
	unregisterCalled bool
}

func newFakeHandle(p pid.Pid, trap bool) *fakeHandle {
	return &fakeHandle{pid: p, links: exitsig.NewLinkSet(), monitors: exitsig.NewMonitorSet(), trapExit: trap, mbox: mailbox.New()}
}

func (f *fakeHandle) Pid() pid.Pid                  { return f.pid }
func (f *fakeHandle) Links() *exitsig.LinkSet        { return f.links }
func (f *fakeHandle) Monitors() *exitsig.MonitorSet  { return f.monitors }
func (f *fakeHandle) TrapExit() bool                 { return f.trapExit }
func (f *fakeHandle) Mailbox() *mailbox.Mailbox       { return f.mbox }
func (f *fakeHandle) SetPendingExit(r exitsig.Reason) { f.pendingExit = &r }
func (f *fakeHandle) RunTerminateCallback(r exitsig.Reason) { f.terminateCalled = r }
func (f *fakeHandle) UnregisterName()                 { f.unregisterCalled = true }

type fakeTable struct {
	procs map[pid.Pid]exitsig.Handle
}

func (t *fakeTable) Lookup(p pid.Pid) (exitsig.Handle, bool) {
	h, ok := t.procs[p]
	return h, ok
}

func TestTerminateCascadesToNonTrappingLinkedPeer(t *testing.T) {
	dead := newFakeHandle(pid.New(0, 0, 1), false)
	peer := newFakeHandle(pid.New(0, 0, 2), false)
	exitsig.Link(dead.Pid(), dead.Links(), peer.Pid(), peer.Links())

	table := &fakeTable{procs: map[pid.Pid]exitsig.Handle{peer.Pid(): peer}}
	exitsig.Terminate(table, dead, exitsig.Errorf("boom"))

	require.NotNil(t, peer.pendingExit)
	require.Equal(t, exitsig.Linked, peer.pendingExit.Kind)
	require.Equal(t, dead.Pid(), peer.pendingExit.LinkedFrom)
	require.True(t, dead.unregisterCalled)
}

func TestTerminateDeliversEnvelopeToTrappingPeer(t *testing.T) {
	dead := newFakeHandle(pid.New(0, 0, 1), false)
	peer := newFakeHandle(pid.New(0, 0, 2), true)
	exitsig.Link(dead.Pid(), dead.Links(), peer.Pid(), peer.Links())

	table := &fakeTable{procs: map[pid.Pid]exitsig.Handle{peer.Pid(): peer}}
	exitsig.Terminate(table, dead, exitsig.Errorf("boom"))

	got := peer.Mailbox().TryTake(mailbox.MatchAny, 1)
	require.Len(t, got, 1)
	require.Equal(t, mailbox.TagExitSignal, got[0].Tag)
	require.Nil(t, peer.pendingExit)
}

func TestTerminateDoesNotCascadeOnNormal(t *testing.T) {
	dead := newFakeHandle(pid.New(0, 0, 1), false)
	peer := newFakeHandle(pid.New(0, 0, 2), false)
	exitsig.Link(dead.Pid(), dead.Links(), peer.Pid(), peer.Links())

	table := &fakeTable{procs: map[pid.Pid]exitsig.Handle{peer.Pid(): peer}}
	exitsig.Terminate(table, dead, exitsig.ReasonNormal())

	require.Nil(t, peer.pendingExit)
}

func TestTerminateDeliversMonitorDown(t *testing.T) {
	dead := newFakeHandle(pid.New(0, 0, 1), false)
	watcher := newFakeHandle(pid.New(0, 0, 2), false)

	ref := exitsig.NewMonitorRef()
	watcher.Monitors().Monitor(ref, watcher.Pid(), dead.Pid(), dead.Monitors())

	table := &fakeTable{procs: map[pid.Pid]exitsig.Handle{watcher.Pid(): watcher}}
	exitsig.Terminate(table, dead, exitsig.Errorf("boom"))

	got := watcher.Mailbox().TryTake(mailbox.MatchAny, 1)
	require.Len(t, got, 1)
	require.Equal(t, mailbox.TagMonitorDown, got[0].Tag)
	down := got[0].Payload.(exitsig.DownNotice)
	require.Equal(t, dead.Pid(), down.Target)
	require.Equal(t, ref, down.Ref)
}
