// Package config loads node configuration the way the teacher loads
// its own: viper layered over pflag-bound command-line flags, with a
// fsnotify watch so a subset of tunables can be changed live, and
// mergo filling anything the loaded document leaves zero-valued from
// compiled-in defaults.
package config

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
)

// Config is the full configuration surface a node reads at startup and,
// for the fields marked "live," on every config file change.
type Config struct {
	NodeID        uint16 `mapstructure:"node_id"`
	ClusterCookie string `mapstructure:"cluster_cookie"`

	// Scheduler.
	Workers         int `mapstructure:"scheduler_workers"`
	ReductionBudget int `mapstructure:"reduction_budget"` // live
	StackSizeHint   int `mapstructure:"stack_size_hint_bytes"`

	// Heap / GC.
	HeapInitialSize  int     `mapstructure:"heap_initial_size_bytes"`
	HeapGrowThreshold float64 `mapstructure:"heap_grow_threshold"` // live, 0..1 live-to-capacity ratio

	// Distribution. The TLS files are optional: leaving them empty makes
	// the control plane serve an ephemeral self-signed certificate, with
	// peer authenticity carried by the cluster cookie alone.
	AMQPURI              string        `mapstructure:"amqp_uri"`
	ControlPlaneListen   string        `mapstructure:"control_plane_listen"`
	TLSCertFile          string        `mapstructure:"tls_cert_file"`
	TLSKeyFile           string        `mapstructure:"tls_key_file"`
	TLSCAFile            string        `mapstructure:"tls_ca_file"`
	MaxDistMessageSize   int           `mapstructure:"max_dist_message_size_bytes"` // live
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`          // live
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`           // live
	RegistryCacheSize    int           `mapstructure:"registry_cache_size"`

	// Admin surface.
	AdminListen string `mapstructure:"admin_listen"`
}

// Default returns the compiled-in baseline every loaded document is
// merged on top of.
func Default() Config {
	return Config{
		NodeID:             1,
		ClusterCookie:      "meshlang-dev-cookie",
		Workers:            0, // 0 means GOMAXPROCS, resolved in Load
		ReductionBudget:    2000,
		StackSizeHint:      8 * 1024,
		HeapInitialSize:    64 * 1024,
		HeapGrowThreshold:  0.75,
		ControlPlaneListen: "127.0.0.1:7946",
		MaxDistMessageSize: 1 << 20,
		HeartbeatInterval:  2 * time.Second,
		HeartbeatTimeout:   10 * time.Second,
		RegistryCacheSize:  4096,
		AdminListen:        "127.0.0.1:7947",
	}
}

// BindFlags registers the subset of Config exposed on the command line,
// mirroring the teacher's cli/v2 + pflag split: flags win over file
// values, file values win over defaults.
func BindFlags(fs *pflag.FlagSet) {
	fs.Uint16("node_id", 0, "this node's cluster id")
	fs.String("cluster_cookie", "", "shared secret authenticating peer nodes")
	fs.Int("scheduler_workers", 0, "scheduler worker goroutines (0 = GOMAXPROCS)")
	fs.String("amqp_uri", "", "AMQP broker URI for the distribution data plane")
	fs.String("control_plane_listen", "", "gRPC control-plane listen address")
	fs.String("tls_cert_file", "", "control-plane TLS certificate (empty = ephemeral self-signed)")
	fs.String("tls_key_file", "", "control-plane TLS private key")
	fs.String("tls_ca_file", "", "CA bundle for verifying peer control planes")
	fs.String("admin_listen", "", "admin HTTP listen address")
	fs.String("config", "", "path to a config file (yaml/toml/json)")
}

// Loader owns the viper instance and the live-reload watch, and holds
// the current Config behind a mutex so long-lived callers (the
// scheduler, the dist.Router) can poll current live values.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cur Config

	onChange []func(Config)
}

// Load reads defaults, then an optional config file, then flag
// overrides, merging each layer with mergo over the one before. It
// also invokes automaxprocs once, matching the teacher's main.go.
func Load(fs *pflag.FlagSet) (*Loader, error) {
	if _, err := maxprocs.Set(); err != nil {
		return nil, fmt.Errorf("config: automaxprocs: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("MESH")
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Default()
	var fromFile Config
	if err := v.Unmarshal(&fromFile); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merge: %w", err)
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers()
	}

	l := &Loader{v: v, cur: cfg}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(l.handleConfigChange)
		v.WatchConfig()
	}

	return l, nil
}

// handleConfigChange re-merges the live-tunable fields on a fsnotify
// write event; fields not marked "live" in Config's doc comment keep
// their startup value for the process's lifetime (workers, heap
// geometry, and listen addresses all require a restart to change).
func (l *Loader) handleConfigChange(fsnotify.Event) {
	var reloaded Config
	if err := l.v.Unmarshal(&reloaded); err != nil {
		return
	}

	l.mu.Lock()
	next := l.cur
	if reloaded.ReductionBudget > 0 {
		next.ReductionBudget = reloaded.ReductionBudget
	}
	if reloaded.HeapGrowThreshold > 0 {
		next.HeapGrowThreshold = reloaded.HeapGrowThreshold
	}
	if reloaded.MaxDistMessageSize > 0 {
		next.MaxDistMessageSize = reloaded.MaxDistMessageSize
	}
	if reloaded.HeartbeatInterval > 0 {
		next.HeartbeatInterval = reloaded.HeartbeatInterval
	}
	if reloaded.HeartbeatTimeout > 0 {
		next.HeartbeatTimeout = reloaded.HeartbeatTimeout
	}
	l.cur = next
	callbacks := append([]func(Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(next)
	}
}

// Current returns a copy of the live configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// OnChange registers a callback invoked with the merged Config every
// time the watched config file changes.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

func defaultWorkers() int {
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}
