package dist_test

import (
	"context"
	"sync"
	"testing"

	"github.com/meshlang/actor/internal/dist"
	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/stretchr/testify/require"
)

type stubLocal struct {
	mu        sync.Mutex
	delivered []mailbox.Envelope
	exits     []exitsig.Reason
}

func (s *stubLocal) LocalSend(target pid.Pid, env mailbox.Envelope) {
	s.mu.Lock()
	s.delivered = append(s.delivered, env)
	s.mu.Unlock()
}

func (s *stubLocal) Exit(from, target pid.Pid, reason exitsig.Reason) {
	s.mu.Lock()
	s.exits = append(s.exits, reason)
	s.mu.Unlock()
}

func (s *stubLocal) snapshot() []mailbox.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mailbox.Envelope(nil), s.delivered...)
}

func TestGlobalRegisterAndWhereisWithNoPeers(t *testing.T) {
	local := &stubLocal{}
	r, err := dist.New(dist.Config{NodeID: 1, ClusterCookie: "test-cookie"}, local, nil)
	require.NoError(t, err)

	target := pid.New(0, 0, 42)
	require.NoError(t, r.GlobalRegister(context.Background(), "echo", target))

	got, ok := r.GlobalWhereis("echo")
	require.True(t, ok)
	require.Equal(t, target, got)

	_, ok = r.GlobalWhereis("nobody-registered-this")
	require.False(t, ok)
}

func TestOwnerOfIsStableForSameName(t *testing.T) {
	local := &stubLocal{}
	r, err := dist.New(dist.Config{NodeID: 7, ClusterCookie: "c"}, local, nil)
	require.NoError(t, err)

	first := r.OwnerOf("echo")
	second := r.OwnerOf("echo")
	require.Equal(t, first, second)
}

func TestSendFailsClosedWithoutSession(t *testing.T) {
	local := &stubLocal{}
	r, err := dist.New(dist.Config{NodeID: 1, ClusterCookie: "c"}, local, nil)
	require.NoError(t, err)

	err = r.Send(pid.New(2, 0, 1), "hello")
	require.Error(t, err)
}

func TestNodeSpawnFailsClosedWithoutSession(t *testing.T) {
	local := &stubLocal{}
	r, err := dist.New(dist.Config{NodeID: 1, ClusterCookie: "c"}, local, nil)
	require.NoError(t, err)

	_, err = r.NodeSpawn(context.Background(), 9, "echo")
	require.Error(t, err)
}
