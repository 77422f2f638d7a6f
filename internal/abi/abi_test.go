package abi_test

import (
	"testing"
	"time"

	"github.com/meshlang/actor/internal/abi"
	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
	"github.com/meshlang/actor/internal/scheduler"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) *abi.Runtime {
	t.Helper()
	s := scheduler.New(scheduler.Config{Workers: 2, ReductionBudget: 100, NodeID: 1}, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return abi.New(s, nil)
}

func TestSpawnSendReceiveRoundTrip(t *testing.T) {
	rt := newRuntime(t)

	echoed := make(chan any, 1)
	ready := make(chan struct{})
	echo := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		close(ready)
		env, ok := ctx.Receive(mailbox.MatchAny, 2*time.Second)
		if !ok {
			return exitsig.Errorf("nothing received")
		}
		echoed <- env.Payload
		return exitsig.ReasonNormal()
	})

	<-ready
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rt.Send(echo, int64(42)))

	select {
	case v := <-echoed:
		require.Equal(t, int64(42), v)
	case <-time.After(2 * time.Second):
		t.Fatal("echo never observed the message")
	}
}

func TestExitKilledBypassesTrap(t *testing.T) {
	rt := newRuntime(t)

	done := make(chan exitsig.Reason, 1)
	ready := make(chan struct{})
	id := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		ctx.TrapExitSet(true)
		close(ready)
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	}, proc.WithTerminateCallback(func(r exitsig.Reason) { done <- r }))

	<-ready
	time.Sleep(10 * time.Millisecond)
	rt.Exit(pid.Nil, id, exitsig.ReasonKilled())

	select {
	case r := <-done:
		require.Equal(t, exitsig.Killed, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Killed did not terminate a trapping process")
	}
}

func TestRegisterAndWhereis(t *testing.T) {
	rt := newRuntime(t)

	id := rt.Spawn(func(ctx *proc.Context) exitsig.Reason {
		_, _ = ctx.Receive(mailbox.MatchAny, -1)
		return exitsig.ReasonNormal()
	})
	require.NoError(t, rt.Register(id, "echo"))

	got, ok := rt.Whereis("echo")
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestDistCallsFailClosedWithoutRouter(t *testing.T) {
	rt := newRuntime(t)

	_, ok := rt.GlobalWhereis("anything")
	require.False(t, ok)
	require.Error(t, rt.GlobalRegister(t.Context(), "name", pid.New(0, 0, 1)))
	_, err := rt.NodeSpawn(t.Context(), 2, "echo")
	require.Error(t, err)
}

func TestTimeoutDuration(t *testing.T) {
	require.Equal(t, time.Duration(-1), abi.TimeoutDuration(-1))
	require.Equal(t, time.Duration(0), abi.TimeoutDuration(0))
	require.Equal(t, 250*time.Millisecond, abi.TimeoutDuration(250))
}
