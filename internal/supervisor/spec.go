// Package supervisor implements OTP-style supervision trees (spec
// §4.8): a supervisor is itself a process, trapping exits, running a
// fixed entry function driven by a declared child list, a restart
// strategy and a sliding-window restart budget.
package supervisor

import (
	"fmt"
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
)

// RestartPolicy decides whether a child is restarted after it exits.
type RestartPolicy int

const (
	Permanent RestartPolicy = iota // restart on any reason
	Transient                      // restart unless Normal or Shutdown
	Temporary                      // never restart
)

func (p RestartPolicy) shouldRestart(r exitsig.Reason) bool {
	switch p {
	case Permanent:
		return true
	case Transient:
		return r.Kind != exitsig.Normal && r.Kind != exitsig.Shutdown
	default:
		return false
	}
}

// Strategy is one of the four supervision strategies spec §4.8 names.
type Strategy int

const (
	OneForOne Strategy = iota
	OneForAll
	RestForOne
	SimpleOneForOne
)

// ChildKind records what a child is: a plain worker, or a nested
// supervisor forming a supervision tree (spec §3 "Child Specification").
// The runtime treats both the same — kind is declarative, consumed by
// introspection surfaces and by shutdown-ordering conventions.
type ChildKind int

const (
	Worker ChildKind = iota
	Supervisor
)

func (k ChildKind) String() string {
	switch k {
	case Worker:
		return "worker"
	case Supervisor:
		return "supervisor"
	default:
		return "unknown"
	}
}

// ShutdownKind picks how a child is asked to stop.
type ShutdownKind int

const (
	BrutalKill ShutdownKind = iota
	ShutdownTimeout
)

// Shutdown bundles the directive with its timeout, meaningful only
// when Kind == ShutdownTimeout.
type Shutdown struct {
	Kind    ShutdownKind
	Timeout time.Duration
}

// StartFunc spawns one child and returns its pid. Checked to be non-nil
// once at supervisor startup (see ChildSpec.Validate), matching
// the compile-time-validation role a real compiler would otherwise
// play ahead of this runtime.
type StartFunc func(rt SpawnerLinker) (pid.Pid, error)

// SpawnerLinker is the slice of the runtime a child's StartFunc needs:
// enough to spawn itself and link to the calling supervisor.
type SpawnerLinker interface {
	SpawnLink(parent pid.Pid, entry proc.EntryFunc, opts ...proc.Option) (pid.Pid, error)
}

// ChildSpec declares one statically-configured child (spec §3 "Child
// Specification"). Kind defaults to Worker.
type ChildSpec struct {
	ID       string
	Start    StartFunc
	Restart  RestartPolicy
	Shutdown Shutdown
	Kind     ChildKind
}

// Validate reports a configuration error a compiler would otherwise
// have caught ahead of time — this runtime has no separate front end,
// so child specs are checked once at supervisor startup instead.
func (c ChildSpec) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("supervisor: child spec missing ID")
	}
	if c.Start == nil {
		return fmt.Errorf("supervisor: child spec %q missing Start function", c.ID)
	}
	if c.Kind != Worker && c.Kind != Supervisor {
		return fmt.Errorf("supervisor: child spec %q has invalid kind %d", c.ID, c.Kind)
	}
	return nil
}

// Config is the serialized supervisor configuration spec §4.8 hands to
// the fixed supervisor entry function.
type Config struct {
	Strategy     Strategy
	MaxRestarts  int
	MaxSeconds   time.Duration
	Children     []ChildSpec
	// Template is the dynamic child spec for SimpleOneForOne; Children
	// must be empty when Strategy == SimpleOneForOne.
	Template *ChildSpec
}

func (c Config) Validate() error {
	if c.Strategy == SimpleOneForOne {
		if c.Template == nil {
			return fmt.Errorf("supervisor: SimpleOneForOne strategy requires a Template")
		}
		return c.Template.Validate()
	}
	seen := make(map[string]bool, len(c.Children))
	for _, ch := range c.Children {
		if err := ch.Validate(); err != nil {
			return err
		}
		if seen[ch.ID] {
			return fmt.Errorf("supervisor: duplicate child id %q", ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}
