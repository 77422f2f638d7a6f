package supervisor_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
	"github.com/meshlang/actor/internal/scheduler"
	"github.com/meshlang/actor/internal/supervisor"
	"github.com/stretchr/testify/require"
)

// blockingChildSpec builds a ChildSpec whose child parks in an
// indefinite Receive until killed or sent a message, recording every
// start attempt on started and the most recently spawned pid into
// lastPid.
func blockingChildSpec(s *scheduler.Scheduler, id string, started *atomic.Int32, lastPid *atomic.Value, restart supervisor.RestartPolicy) supervisor.ChildSpec {
	return supervisor.ChildSpec{
		ID:       id,
		Restart:  restart,
		Shutdown: supervisor.Shutdown{Kind: supervisor.BrutalKill},
		Kind:     supervisor.Worker,
		Start: func(rt supervisor.SpawnerLinker) (pid.Pid, error) {
			started.Add(1)
			p := s.Spawn(func(ctx *proc.Context) exitsig.Reason {
				_, _ = ctx.Receive(nil, -1)
				return exitsig.ReasonNormal()
			})
			lastPid.Store(p)
			return p, nil
		},
	}
}

func TestChildSpecValidateChecksKind(t *testing.T) {
	start := func(rt supervisor.SpawnerLinker) (pid.Pid, error) { return pid.Nil, nil }

	require.NoError(t, supervisor.ChildSpec{ID: "w", Start: start, Kind: supervisor.Worker}.Validate())
	require.NoError(t, supervisor.ChildSpec{ID: "s", Start: start, Kind: supervisor.Supervisor}.Validate())
	require.Error(t, supervisor.ChildSpec{ID: "bad", Start: start, Kind: supervisor.ChildKind(9)}.Validate())
	require.Equal(t, "worker", supervisor.Worker.String())
	require.Equal(t, "supervisor", supervisor.Supervisor.String())
}

func TestOneForOneRestartsOnlyFailedChild(t *testing.T) {
	s := scheduler.New(scheduler.Config{Workers: 2, ReductionBudget: 100, NodeID: 1}, nil)
	s.Start()
	defer s.Stop()

	var startedA, startedB atomic.Int32
	var lastA, lastB atomic.Value

	svDone := make(chan exitsig.Reason, 1)
	svPid := s.Spawn(supervisor.Entry(supervisor.Config{
		Strategy:    supervisor.OneForOne,
		MaxRestarts: 3,
		MaxSeconds:  time.Second,
		Children: []supervisor.ChildSpec{
			blockingChildSpec(s, "a", &startedA, &lastA, supervisor.Permanent),
			blockingChildSpec(s, "b", &startedB, &lastB, supervisor.Permanent),
		},
	}, s, nil), proc.WithTerminateCallback(func(r exitsig.Reason) { svDone <- r }))

	require.Eventually(t, func() bool { return startedA.Load() == 1 && startedB.Load() == 1 }, time.Second, time.Millisecond)

	s.Kill(lastA.Load().(pid.Pid))

	require.Eventually(t, func() bool { return startedA.Load() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), startedB.Load())

	s.Kill(svPid)
	select {
	case <-svDone:
	case <-time.After(time.Second):
		t.Fatal("supervisor never exited")
	}
}

func TestSimpleOneForOneStartsDynamicChild(t *testing.T) {
	s := scheduler.New(scheduler.Config{Workers: 2, ReductionBudget: 100, NodeID: 1}, nil)
	s.Start()
	defer s.Stop()

	var started atomic.Int32
	var lastPid atomic.Value
	template := blockingChildSpec(s, "dyn", &started, &lastPid, supervisor.Temporary)

	replyCh := make(chan supervisor.StartChildResult, 1)
	svPid := s.Spawn(supervisor.Entry(supervisor.Config{
		Strategy:    supervisor.SimpleOneForOne,
		MaxRestarts: 3,
		MaxSeconds:  time.Second,
		Template:    &template,
	}, s, nil))

	s.LocalSend(svPid, mailbox.Envelope{Tag: mailbox.TagUser, Payload: supervisor.StartChildRequest{Reply: replyCh}})

	select {
	case res := <-replyCh:
		require.NoError(t, res.Err)
		require.False(t, res.Pid.IsNil())
	case <-time.After(time.Second):
		t.Fatal("start_child request never answered")
	}
	require.Equal(t, int32(1), started.Load())
}

func TestTerminateChildStopsWithoutRestart(t *testing.T) {
	s := scheduler.New(scheduler.Config{Workers: 2, ReductionBudget: 100, NodeID: 1}, nil)
	s.Start()
	defer s.Stop()

	var started atomic.Int32
	var last atomic.Value

	svPid := s.Spawn(supervisor.Entry(supervisor.Config{
		Strategy:    supervisor.OneForOne,
		MaxRestarts: 3,
		MaxSeconds:  time.Second,
		Children: []supervisor.ChildSpec{
			blockingChildSpec(s, "a", &started, &last, supervisor.Permanent),
		},
	}, s, nil))

	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

	reply := make(chan error, 1)
	s.LocalSend(svPid, mailbox.Envelope{Tag: mailbox.TagUser, Payload: supervisor.TerminateChildRequest{ID: "a", Reply: reply}})

	select {
	case err := <-reply:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminate_child request never answered")
	}

	childPid := last.Load().(pid.Pid)
	require.Eventually(t, func() bool { return !s.IsAlive(childPid) }, time.Second, time.Millisecond)
	// A terminated child stays stopped; even Permanent does not bring it back.
	require.Equal(t, int32(1), started.Load())

	reply2 := make(chan error, 1)
	s.LocalSend(svPid, mailbox.Envelope{Tag: mailbox.TagUser, Payload: supervisor.TerminateChildRequest{ID: "nope", Reply: reply2}})
	select {
	case err := <-reply2:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unknown-child terminate request never answered")
	}
}

func TestRestartBudgetExhaustionShutsDownSupervisor(t *testing.T) {
	s := scheduler.New(scheduler.Config{Workers: 2, ReductionBudget: 100, NodeID: 1}, nil)
	s.Start()
	defer s.Stop()

	var started atomic.Int32
	svDone := make(chan exitsig.Reason, 1)

	spec := supervisor.ChildSpec{
		ID:      "flappy",
		Restart: supervisor.Permanent,
		Start: func(rt supervisor.SpawnerLinker) (pid.Pid, error) {
			started.Add(1)
			return s.Spawn(func(ctx *proc.Context) exitsig.Reason {
				return exitsig.Errorf("boom")
			}), nil
		},
	}

	s.Spawn(supervisor.Entry(supervisor.Config{
		Strategy:    supervisor.OneForOne,
		MaxRestarts: 2,
		MaxSeconds:  time.Minute,
		Children:    []supervisor.ChildSpec{spec},
	}, s, nil), proc.WithTerminateCallback(func(r exitsig.Reason) { svDone <- r }))

	select {
	case r := <-svDone:
		require.Equal(t, exitsig.Shutdown, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never shut down after exhausting its restart budget")
	}
	require.GreaterOrEqual(t, started.Load(), int32(3))
}
