package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshlang/actor/internal/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaultsCoverTheConfigurationSurface(t *testing.T) {
	d := config.Default()
	require.Equal(t, 2000, d.ReductionBudget)
	require.Positive(t, d.StackSizeHint)
	require.Positive(t, d.HeapInitialSize)
	require.Positive(t, d.MaxDistMessageSize)
	require.Positive(t, d.HeartbeatInterval)
	require.Positive(t, d.HeartbeatTimeout)
	require.NotEmpty(t, d.ClusterCookie)
	require.NotEmpty(t, d.ControlPlaneListen)
	require.NotEmpty(t, d.AdminListen)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"node_id: 5\nreduction_budget: 4321\nheartbeat_interval: 7s\n",
	), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.BindFlags(fs)
	require.NoError(t, fs.Set("config", path))

	loader, err := config.Load(fs)
	require.NoError(t, err)

	cfg := loader.Current()
	require.Equal(t, uint16(5), cfg.NodeID)
	require.Equal(t, 4321, cfg.ReductionBudget)
	require.Equal(t, 7*time.Second, cfg.HeartbeatInterval)
	// Untouched fields keep their compiled-in defaults.
	require.Equal(t, config.Default().ClusterCookie, cfg.ClusterCookie)
	require.Positive(t, cfg.Workers)
}

func TestLoadResolvesWorkerCountWithoutFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.BindFlags(fs)

	loader, err := config.Load(fs)
	require.NoError(t, err)
	require.Positive(t, loader.Current().Workers)
}
