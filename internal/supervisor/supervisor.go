package supervisor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
)

// runningChild tracks one live, statically-declared child.
type runningChild struct {
	spec ChildSpec
	pid  pid.Pid
}

// dynamicChild tracks one SimpleOneForOne child, spawned at runtime.
type dynamicChild struct {
	pid pid.Pid
}

// StartChildRequest is the payload of the mailbox message that drives
// SimpleOneForOne's dynamic start_child (spec §4.8 strategy 4).
type StartChildRequest struct {
	Reply chan<- StartChildResult
}

type StartChildResult struct {
	Pid pid.Pid
	Err error
}

// TerminateChildRequest asks a supervisor to shut down the child with
// the given spec ID and leave it stopped — the
// `supervisor_terminate_child(sup_pid, child_name)` primitive (spec §6).
type TerminateChildRequest struct {
	ID    string
	Reply chan<- error
}

// supervisorRuntime is the slice of the scheduler a supervisor entry
// function needs: spawn+link children, deliver exit signals, and check
// child liveness during shutdown.
type supervisorRuntime interface {
	SpawnerLinker
	Kill(pid.Pid)
	Exit(from, target pid.Pid, reason exitsig.Reason)
	IsAlive(pid.Pid) bool
}

// Entry returns the fixed entry function spec §4.8 describes: it
// validates cfg once, starts every declared child in order, then loops
// on exit-signal envelopes for the rest of its life. rt must also
// satisfy supervisorRuntime; passing the scheduler itself is typical.
func Entry(cfg Config, rt supervisorRuntime, log *slog.Logger) proc.EntryFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx *proc.Context) exitsig.Reason {
		if err := cfg.Validate(); err != nil {
			return exitsig.Errorf("invalid supervisor config: %v", err)
		}
		ctx.TrapExitSet(true)

		sv := &runner{cfg: cfg, ctx: ctx, rt: rt, log: log, self: ctx.Self()}

		if cfg.Strategy != SimpleOneForOne {
			if err := sv.startAll(cfg.Children); err != nil {
				return exitsig.Errorf("supervisor startup failed: %v", err)
			}
		}

		return sv.loop()
	}
}

// runner holds one supervisor instance's live state across its loop.
type runner struct {
	cfg      Config
	ctx      *proc.Context
	rt       supervisorRuntime
	log      *slog.Logger
	self     pid.Pid
	children []runningChild   // declared order, for OneForOne/OneForAll/RestForOne
	dynamic  []dynamicChild   // SimpleOneForOne instances, oldest first
	restarts []time.Time      // sliding window of restart timestamps
}

// startAll starts every spec in declared order, linking each started
// child to the supervisor, rolling back (in reverse) and failing the
// supervisor if any start fails (spec §4.8 Startup).
func (sv *runner) startAll(specs []ChildSpec) error {
	for _, spec := range specs {
		childPid, err := spec.Start(sv.rt)
		if err != nil {
			sv.rollback()
			return err
		}
		sv.ctx.Link(childPid)
		sv.children = append(sv.children, runningChild{spec: spec, pid: childPid})
	}
	return nil
}

func (sv *runner) rollback() {
	for i := len(sv.children) - 1; i >= 0; i-- {
		sv.shutdownChild(sv.children[i].pid, sv.children[i].spec.Shutdown)
	}
	sv.children = nil
}

// shutdownChild delivers the configured shutdown directive and waits
// for the child's exit signal; a Timeout directive escalates to Kill if
// the child hasn't exited in time (spec §4.8 Shutdown directive). The
// supervisor is linked to every child it started and traps exits, so a
// live child's death always produces exactly one exit envelope here.
func (sv *runner) shutdownChild(target pid.Pid, sd Shutdown) {
	fromTarget := mailbox.Selector(func(env mailbox.Envelope) bool {
		return env.Tag == mailbox.TagExitSignal && env.Sender == target
	})
	if target.IsNil() || !sv.rt.IsAlive(target) {
		// Already gone; reap any queued exit envelope so a later receive
		// doesn't mistake it for a fresh failure.
		_, _ = sv.ctx.Receive(fromTarget, 0)
		return
	}
	switch sd.Kind {
	case BrutalKill:
		sv.rt.Kill(target)
	case ShutdownTimeout:
		sv.rt.Exit(sv.self, target, exitsig.ReasonShutdown())
		if _, ok := sv.ctx.Receive(fromTarget, sd.Timeout); ok {
			return
		}
		sv.rt.Kill(target)
	}
	_, _ = sv.ctx.Receive(fromTarget, -1)
}

// loop is the supervisor's steady-state receive loop (spec §4.8 "On
// child exit").
func (sv *runner) loop() exitsig.Reason {
	for {
		env, ok := sv.ctx.Receive(mailbox.MatchAny, -1)
		if !ok {
			continue
		}
		switch env.Tag {
		case mailbox.TagExitSignal:
			reason, _ := env.Payload.(exitsig.Reason)
			if r := sv.handleChildExit(env.Sender, reason); r != nil {
				return *r
			}
		case mailbox.TagUser:
			switch req := env.Payload.(type) {
			case StartChildRequest:
				sv.handleStartChild(req)
			case TerminateChildRequest:
				sv.handleTerminateChild(req)
			}
		}
	}
}

// handleChildExit implements spec §4.8 "On child exit" steps 1-5,
// returning non-nil only when the supervisor itself must exit (restart
// budget exhausted).
func (sv *runner) handleChildExit(who pid.Pid, reason exitsig.Reason) *exitsig.Reason {
	if sv.cfg.Strategy == SimpleOneForOne {
		return sv.handleDynamicExit(who, reason)
	}

	idx := sv.indexOf(who)
	if idx < 0 {
		return nil // unknown pid: ignore
	}
	spec := sv.children[idx].spec

	if !spec.Restart.shouldRestart(reason) {
		sv.children = append(sv.children[:idx], sv.children[idx+1:]...)
		sv.log.Info("supervisor child exited, not restarted", "child", spec.ID, "reason", reason.String())
		return nil
	}

	if !sv.recordRestart() {
		sv.log.Warn("supervisor restart budget exhausted, shutting down", "child", spec.ID)
		sv.rollback()
		shutdown := exitsig.ReasonShutdown()
		return &shutdown
	}

	switch sv.cfg.Strategy {
	case OneForOne:
		sv.restartOne(idx)
	case OneForAll:
		sv.restartAll()
	case RestForOne:
		sv.restartFrom(idx)
	}
	sv.log.Info("supervisor restarted child", "child", spec.ID, "reason", reason.String())
	return nil
}

func (sv *runner) indexOf(who pid.Pid) int {
	for i, c := range sv.children {
		if c.pid == who {
			return i
		}
	}
	return -1
}

// recordRestart discards timestamps older than MaxSeconds and reports
// whether a new restart is still within budget (spec §4.8 step 3).
func (sv *runner) recordRestart() bool {
	now := restartClock()
	cutoff := now.Add(-sv.cfg.MaxSeconds)
	kept := sv.restarts[:0]
	for _, t := range sv.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sv.restarts = kept
	if len(sv.restarts) >= sv.cfg.MaxRestarts {
		return false
	}
	sv.restarts = append(sv.restarts, now)
	return true
}

func (sv *runner) restartOne(idx int) {
	old := sv.children[idx]
	newPid, err := old.spec.Start(sv.rt)
	if err != nil {
		sv.log.Error("supervisor failed to restart child", "child", old.spec.ID, "error", err)
		return
	}
	sv.ctx.Link(newPid)
	sv.children[idx] = runningChild{spec: old.spec, pid: newPid}
}

func (sv *runner) restartAll() {
	for i := len(sv.children) - 1; i >= 0; i-- {
		sv.shutdownChild(sv.children[i].pid, sv.children[i].spec.Shutdown)
	}
	specs := make([]ChildSpec, len(sv.children))
	for i, c := range sv.children {
		specs[i] = c.spec
	}
	sv.children = nil
	if err := sv.startAll(specs); err != nil {
		sv.log.Error("supervisor failed OneForAll restart", "error", err)
	}
}

func (sv *runner) restartFrom(idx int) {
	tail := append([]runningChild(nil), sv.children[idx:]...)
	for i := len(tail) - 1; i >= 0; i-- {
		sv.shutdownChild(tail[i].pid, tail[i].spec.Shutdown)
	}
	specs := make([]ChildSpec, len(tail))
	for i, c := range tail {
		specs[i] = c.spec
	}
	sv.children = sv.children[:idx]
	if err := sv.startAll(specs); err != nil {
		sv.log.Error("supervisor failed RestForOne restart", "error", err)
	}
}

// handleDynamicExit is SimpleOneForOne's child-exit handling: the
// template spec decides restart eligibility, and only the failed
// instance is ever touched (spec §4.8 strategy 4).
func (sv *runner) handleDynamicExit(who pid.Pid, reason exitsig.Reason) *exitsig.Reason {
	idx := -1
	for i, c := range sv.dynamic {
		if c.pid == who {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if !sv.cfg.Template.Restart.shouldRestart(reason) {
		sv.dynamic = append(sv.dynamic[:idx], sv.dynamic[idx+1:]...)
		return nil
	}
	if !sv.recordRestart() {
		sv.dynamic = append(sv.dynamic[:idx], sv.dynamic[idx+1:]...)
		for i := len(sv.dynamic) - 1; i >= 0; i-- {
			sv.shutdownChild(sv.dynamic[i].pid, sv.cfg.Template.Shutdown)
		}
		sv.dynamic = nil
		shutdown := exitsig.ReasonShutdown()
		return &shutdown
	}
	newPid, err := sv.cfg.Template.Start(sv.rt)
	if err != nil {
		sv.dynamic = append(sv.dynamic[:idx], sv.dynamic[idx+1:]...)
		sv.log.Error("supervisor failed dynamic restart", "error", err)
		return nil
	}
	sv.ctx.Link(newPid)
	sv.dynamic[idx] = dynamicChild{pid: newPid}
	return nil
}

func (sv *runner) handleStartChild(req StartChildRequest) {
	if sv.cfg.Strategy != SimpleOneForOne {
		if req.Reply != nil {
			req.Reply <- StartChildResult{Err: fmt.Errorf("supervisor: start_child requires the SimpleOneForOne strategy")}
		}
		return
	}
	newPid, err := sv.cfg.Template.Start(sv.rt)
	if err == nil {
		sv.ctx.Link(newPid)
		sv.dynamic = append(sv.dynamic, dynamicChild{pid: newPid})
	}
	if req.Reply != nil {
		req.Reply <- StartChildResult{Pid: newPid, Err: err}
	}
}

// handleTerminateChild shuts down the named child and records it as
// stopped; the slot stays in the declared list so a later whole-tree
// restart brings it back with the rest.
func (sv *runner) handleTerminateChild(req TerminateChildRequest) {
	var err error
	idx := -1
	for i, c := range sv.children {
		if c.spec.ID == req.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		err = fmt.Errorf("supervisor: no child with id %q", req.ID)
	} else {
		sv.shutdownChild(sv.children[idx].pid, sv.children[idx].spec.Shutdown)
		sv.children[idx].pid = pid.Nil
	}
	if req.Reply != nil {
		req.Reply <- err
	}
}

// restartClock is the only timestamp source this package uses,
// isolated to one function so tests can deterministically control the
// sliding restart window.
var restartClock = time.Now
