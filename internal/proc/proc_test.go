package proc_test

import (
	"testing"
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/gcheap"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is a minimal proc.Runtime backing a small in-memory table
// of processes, enough to exercise Context without the scheduler.
type fakeRuntime struct {
	node  uint16
	table map[pid.Pid]*proc.Process
	names map[string]pid.Pid
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{table: make(map[pid.Pid]*proc.Process), names: make(map[string]pid.Pid)}
}

func (rt *fakeRuntime) Table() exitsig.Table { return rt }

func (rt *fakeRuntime) Lookup(p pid.Pid) (exitsig.Handle, bool) {
	proc, ok := rt.table[p]
	if !ok {
		return nil, false
	}
	return proc, true
}

func (rt *fakeRuntime) LocalSend(target pid.Pid, env mailbox.Envelope) {
	if p, ok := rt.table[target]; ok {
		p.Mailbox().Post(env)
	}
}

func (rt *fakeRuntime) RemoteSend(pid.Pid, any) error { return nil }

func (rt *fakeRuntime) Register(name string, p pid.Pid) error {
	rt.names[name] = p
	return nil
}

func (rt *fakeRuntime) Whereis(name string) (pid.Pid, bool) {
	p, ok := rt.names[name]
	return p, ok
}

func (rt *fakeRuntime) Unregister(p pid.Pid) {
	for n, v := range rt.names {
		if v == p {
			delete(rt.names, n)
		}
	}
}

func (rt *fakeRuntime) NodeID() uint16   { return rt.node }
func (rt *fakeRuntime) Incarnation() uint8 { return 0 }

func (rt *fakeRuntime) Spawn(entry proc.EntryFunc, opts ...proc.Option) pid.Pid {
	id := pid.New(rt.node, 0, uint64(len(rt.table)+1))
	p := proc.New(id, rt, 2000, opts...)
	rt.table[id] = p
	p.Start(entry)
	return id
}

func (rt *fakeRuntime) GC(p *proc.Process) {
	p.Heap().Collect(p.Roots())
}

func TestSpawnAndTerminateNormal(t *testing.T) {
	rt := newFakeRuntime()
	done := make(chan exitsig.Reason, 1)
	id := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		return exitsig.ReasonNormal()
	}, proc.WithTerminateCallback(func(r exitsig.Reason) { done <- r }))

	p := rt.table[id]
	report := p.Resume()
	require.Equal(t, proc.YieldTerminate, report.Kind)
	exitsig.Terminate(rt, p, report.Reason)

	select {
	case r := <-done:
		require.Equal(t, exitsig.Normal, r.Kind)
	case <-time.After(time.Second):
		t.Fatal("terminate callback never ran")
	}
}

func TestReceiveYieldsThenDelivers(t *testing.T) {
	rt := newFakeRuntime()
	received := make(chan mailbox.Envelope, 1)
	id := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		env, ok := ctx.Receive(mailbox.MatchAny, -1)
		if ok {
			received <- env
		}
		return exitsig.ReasonNormal()
	})
	p := rt.table[id]

	report := p.Resume()
	require.Equal(t, proc.YieldReceive, report.Kind)

	rt.LocalSend(id, mailbox.Envelope{Tag: mailbox.TagUser, Payload: "hi"})

	report = p.Resume()
	require.Equal(t, proc.YieldTerminate, report.Kind)

	select {
	case env := <-received:
		require.Equal(t, "hi", env.Payload)
	default:
		t.Fatal("entry never observed the delivered envelope")
	}
}

func TestCheckPointYieldsOnReductionExhaustion(t *testing.T) {
	rt := newFakeRuntime()
	id := pid.New(rt.node, 0, 1)
	iterations := 0
	p := proc.New(id, rt, 3, proc.WithTerminateCallback(func(exitsig.Reason) {}))
	rt.table[id] = p
	p.Start(func(ctx *proc.Context) exitsig.Reason {
		for i := 0; i < 10; i++ {
			iterations++
			ctx.CheckPoint()
		}
		return exitsig.ReasonNormal()
	})

	report := p.Resume()
	require.Equal(t, proc.YieldReduction, report.Kind)
	require.Equal(t, 3, iterations)

	report = p.Resume()
	require.Equal(t, proc.YieldReduction, report.Kind)
	require.Equal(t, 6, iterations)

	report = p.Resume()
	require.Equal(t, proc.YieldReduction, report.Kind)
	require.Equal(t, 9, iterations)

	report = p.Resume()
	require.Equal(t, proc.YieldTerminate, report.Kind)
	require.Equal(t, 10, iterations)
}

func TestLinkCascadesKillToNonTrappingPeer(t *testing.T) {
	rt := newFakeRuntime()
	peerDone := make(chan exitsig.Reason, 1)

	peerID := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	}, proc.WithTerminateCallback(func(r exitsig.Reason) { peerDone <- r }))

	workerID := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		ctx.Link(peerID)
		return exitsig.Errorf("boom")
	})

	peer := rt.table[peerID]
	peer.Resume() // parks in Receive

	worker := rt.table[workerID]
	report := worker.Resume()
	require.Equal(t, proc.YieldTerminate, report.Kind)
	exitsig.Terminate(rt, worker, report.Reason)

	require.NotNil(t, peer.TakePendingExit())
}

func TestAllocPushesRoot(t *testing.T) {
	rt := newFakeRuntime()
	var allocated gcheap.Ref
	id := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		r, err := ctx.Alloc(8, 1)
		if err != nil {
			return exitsig.Errorf("%v", err)
		}
		allocated = r
		return exitsig.ReasonNormal()
	})
	p := rt.table[id]
	p.Resume()

	require.False(t, allocated.IsNil())
	require.Contains(t, p.Roots(), allocated)
}

func TestSendDeepCopiesHeapPayload(t *testing.T) {
	rt := newFakeRuntime()

	received := make(chan mailbox.Envelope, 1)
	recvID := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		env, ok := ctx.Receive(mailbox.MatchAny, -1)
		if ok {
			received <- env
		}
		return exitsig.ReasonNormal()
	})
	receiver := rt.table[recvID]
	report := receiver.Resume()
	require.Equal(t, proc.YieldReceive, report.Kind)

	var srcRef gcheap.Ref
	sendID := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		r, err := ctx.Alloc(8, 1)
		if err != nil {
			return exitsig.Errorf("%v", err)
		}
		copy(rt.table[ctx.Self()].Heap().Payload(r), []byte("deepcopy"))
		srcRef = r
		if err := ctx.Send(recvID, r); err != nil {
			return exitsig.Errorf("%v", err)
		}
		return exitsig.ReasonNormal()
	})
	sender := rt.table[sendID]
	report = sender.Resume()
	require.Equal(t, proc.YieldTerminate, report.Kind)
	require.Equal(t, exitsig.Normal, report.Reason.Kind)

	receiver.Resume()

	env := <-received
	gotRef, ok := env.Payload.(gcheap.Ref)
	require.True(t, ok)
	require.Equal(t, []byte("deepcopy"), receiver.Heap().Payload(gotRef))

	// Mutating the sender's original must not show through the copy.
	copy(sender.Heap().Payload(srcRef), []byte("mutated!"))
	require.Equal(t, []byte("deepcopy"), receiver.Heap().Payload(gotRef))
}

func TestRegisterAndWhereis(t *testing.T) {
	rt := newFakeRuntime()
	id := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		require.NoError(t, ctx.Register("worker"))
		return exitsig.ReasonNormal()
	})
	p := rt.table[id]
	p.Resume()

	got, ok := rt.Whereis("worker")
	require.True(t, ok)
	require.Equal(t, id, got)
}
