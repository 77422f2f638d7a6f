package scheduler_test

import (
	"testing"
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
	"github.com/meshlang/actor/internal/scheduler"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(workers int) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{Workers: workers, ReductionBudget: 50, NodeID: 1}, nil)
}

func TestSpawnRunsToNormalCompletion(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	done := make(chan exitsig.Reason, 1)
	s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		return exitsig.ReasonNormal()
	}, proc.WithTerminateCallback(func(r exitsig.Reason) { done <- r }))

	select {
	case r := <-done:
		require.Equal(t, exitsig.Normal, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("process never terminated")
	}
}

func TestSendAndReceiveAcrossProcesses(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	replyCh := make(chan string, 1)

	var responderPid pid.Pid
	responderReady := make(chan struct{})
	responderPid = s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		close(responderReady)
		env, ok := ctx.Receive(mailbox.MatchAny, 2*time.Second)
		if !ok {
			return exitsig.Errorf("no message received")
		}
		replyCh <- env.Payload.(string)
		return exitsig.ReasonNormal()
	})
	_ = responderPid

	<-responderReady
	time.Sleep(10 * time.Millisecond) // let the responder reach Receive and park

	s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		ctx.Send(responderPid, "ping")
		return exitsig.ReasonNormal()
	})

	select {
	case msg := <-replyCh:
		require.Equal(t, "ping", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("responder never received the message")
	}
}

func TestEchoRoundTrip(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	echoReady := make(chan struct{})
	echoPid := s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		close(echoReady)
		env, ok := ctx.Receive(mailbox.MatchAny, 2*time.Second)
		if !ok {
			return exitsig.Errorf("echo received nothing")
		}
		if err := ctx.Send(env.Sender, env.Payload); err != nil {
			return exitsig.Errorf("%v", err)
		}
		return exitsig.ReasonNormal()
	})

	<-echoReady
	time.Sleep(10 * time.Millisecond)

	got := make(chan any, 1)
	s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		if err := ctx.Send(echoPid, 42); err != nil {
			return exitsig.Errorf("%v", err)
		}
		env, ok := ctx.Receive(mailbox.MatchAny, 2*time.Second)
		if !ok {
			return exitsig.Errorf("no echo came back")
		}
		got <- env.Payload
		return exitsig.ReasonNormal()
	})

	select {
	case v := <-got:
		require.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("echo round trip never completed")
	}
}

func TestTightLoopDoesNotStarveScheduler(t *testing.T) {
	s := newTestScheduler(1) // single worker thread forces interleaving
	s.Start()
	defer s.Stop()

	secondDone := make(chan struct{})
	s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		for {
			ctx.CheckPoint()
			select {
			case <-secondDone:
				return exitsig.ReasonNormal()
			default:
			}
		}
	})

	s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		close(secondDone)
		return exitsig.ReasonNormal()
	})

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second process starved by first's tight loop")
	}
}

func TestLinkedProcessCascadesOnCrash(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	peerDone := make(chan exitsig.Reason, 1)
	var peerPid pid.Pid
	peerReady := make(chan struct{})
	peerPid = s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		close(peerReady)
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	}, proc.WithTerminateCallback(func(r exitsig.Reason) { peerDone <- r }))

	<-peerReady
	time.Sleep(10 * time.Millisecond)

	s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		ctx.Link(peerPid)
		return exitsig.Errorf("boom")
	})

	select {
	case r := <-peerDone:
		require.Equal(t, exitsig.Linked, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("linked peer was never killed by the crash")
	}
}

func TestKillBypassesTrapExit(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	done := make(chan exitsig.Reason, 1)
	ready := make(chan struct{})
	id := s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		ctx.TrapExitSet(true)
		close(ready)
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	}, proc.WithTerminateCallback(func(r exitsig.Reason) { done <- r }))

	<-ready
	time.Sleep(10 * time.Millisecond)
	s.Kill(id)

	select {
	case r := <-done:
		require.Equal(t, exitsig.Killed, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Kill did not terminate a trapping process")
	}
}

func TestExitDeliversEnvelopeToTrappingProcess(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	got := make(chan exitsig.Reason, 1)
	ready := make(chan struct{})
	id := s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		ctx.TrapExitSet(true)
		close(ready)
		env, ok := ctx.Receive(mailbox.MatchAny, 2*time.Second)
		if !ok {
			return exitsig.Errorf("no envelope arrived")
		}
		if env.Tag != mailbox.TagExitSignal {
			return exitsig.Errorf("wrong tag %d", env.Tag)
		}
		got <- env.Payload.(exitsig.Reason)
		return exitsig.ReasonNormal()
	})

	<-ready
	time.Sleep(10 * time.Millisecond)
	s.Exit(pid.Nil, id, exitsig.ReasonShutdown())

	select {
	case r := <-got:
		require.Equal(t, exitsig.Shutdown, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("trapping process never received the exit envelope")
	}
}

func TestExitKillsNonTrappingProcess(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	done := make(chan exitsig.Reason, 1)
	ready := make(chan struct{})
	id := s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		close(ready)
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	}, proc.WithTerminateCallback(func(r exitsig.Reason) { done <- r }))

	<-ready
	time.Sleep(10 * time.Millisecond)
	s.Exit(pid.Nil, id, exitsig.Customf("stop-now"))

	select {
	case r := <-done:
		require.Equal(t, exitsig.Custom, r.Kind)
		require.Equal(t, "stop-now", r.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("non-trapping process survived a crashing exit signal")
	}
}

func TestLocalPidsCarryNodeZero(t *testing.T) {
	s := newTestScheduler(1)
	s.Start()
	defer s.Stop()

	id := s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	})
	require.True(t, id.IsLocal())
	require.Equal(t, uint16(0), id.Node())
}

func TestRegisterVisibleAcrossProcesses(t *testing.T) {
	s := newTestScheduler(2)
	s.Start()
	defer s.Stop()

	registered := make(chan struct{})
	found := make(chan bool, 1)

	id := s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		require.NoError(t, ctx.Register("svc"))
		close(registered)
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	})
	_ = id

	<-registered
	s.Spawn(func(ctx *proc.Context) exitsig.Reason {
		_, ok := ctx.Whereis("svc")
		found <- ok
		return exitsig.ReasonNormal()
	})

	select {
	case ok := <-found:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("name never became visible")
	}
}
