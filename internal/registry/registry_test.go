package registry_test

import (
	"testing"

	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndWhereis(t *testing.T) {
	r := registry.New()
	p := pid.New(0, 0, 1)
	require.NoError(t, r.Register("worker", p))

	got, ok := r.Whereis("worker")
	require.True(t, ok)
	require.Equal(t, p, got)
}

func TestRegisterConflict(t *testing.T) {
	r := registry.New()
	a, b := pid.New(0, 0, 1), pid.New(0, 0, 2)
	require.NoError(t, r.Register("worker", a))
	require.Error(t, r.Register("worker", b))
}

func TestUnregisterThenReregisterSurvivesRestart(t *testing.T) {
	r := registry.New()
	oldPid, newPid := pid.New(0, 0, 1), pid.New(0, 1, 2)
	require.NoError(t, r.Register("worker", oldPid))

	r.Unregister(oldPid)
	_, ok := r.Whereis("worker")
	require.False(t, ok)

	require.NoError(t, r.Register("worker", newPid))
	got, ok := r.Whereis("worker")
	require.True(t, ok)
	require.Equal(t, newPid, got)
}

func TestNameOf(t *testing.T) {
	r := registry.New()
	p := pid.New(0, 0, 1)
	require.NoError(t, r.Register("worker", p))

	name, ok := r.NameOf(p)
	require.True(t, ok)
	require.Equal(t, "worker", name)
}
