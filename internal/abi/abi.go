// Package abi is the Go-native rendering of the C ABI spec §6 says the
// compiler's codegen emits calls to. There is no compiler front end in
// this repository, so these are plain exported functions with the
// documented names and argument shapes — pointer/blob framing replaced
// by ordinary Go types, since nothing downstream of this package needs
// to cross a real FFI boundary.
package abi

import (
	"context"
	"fmt"
	"time"

	"github.com/meshlang/actor/internal/dist"
	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/gcheap"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
	"github.com/meshlang/actor/internal/scheduler"
	"github.com/meshlang/actor/internal/supervisor"
)

// Runtime bundles the node-wide services the ABI surface dispatches to:
// one Scheduler per node, reached by every spawn/send/link call, plus
// the optional distribution router for the node_* and global_* calls.
//
// The process-scoped primitives — receive, link/unlink,
// monitor/demonitor, trap_exit_set, self-exit — live on *proc.Context,
// since real codegen threads the current process implicitly and this
// rendering threads it as the ctx argument every EntryFunc receives.
type Runtime struct {
	Sched *scheduler.Scheduler
	Dist  *dist.Router
}

// New wraps an already-constructed scheduler as the ABI entry point;
// router may be nil on a node that never joins a mesh.
func New(sched *scheduler.Scheduler, router *dist.Router) *Runtime {
	return &Runtime{Sched: sched, Dist: router}
}

// Spawn is the `spawn(entry_fn_ptr, init_args_blob) -> pid` primitive.
// There is no separate init_args_blob parameter: the compiler's real
// codegen would unmarshal a blob into the entry function's closure,
// which this rendering skips since entry is already a first-class Go
// closure carrying its own arguments.
func (r *Runtime) Spawn(entry proc.EntryFunc, opts ...proc.Option) pid.Pid {
	return r.Sched.Spawn(entry, opts...)
}

// SpawnLink is `spawn_link(entry_fn_ptr, init_args_blob) -> pid`.
func (r *Runtime) SpawnLink(parent pid.Pid, entry proc.EntryFunc, opts ...proc.Option) (pid.Pid, error) {
	return r.Sched.SpawnLink(parent, entry, opts...)
}

// Send is `send(pid, payload_ptr)`. Sends issued from outside any
// process's own coroutine (e.g. the admin surface injecting a test
// message) skip the reduction checkpoint a compiled Send would take,
// since there is no running process's budget to decrement.
func (r *Runtime) Send(target pid.Pid, payload any) error {
	if target.IsLocal() {
		r.Sched.LocalSend(target, mailbox.Envelope{Tag: mailbox.TagUser, Payload: payload})
		return nil
	}
	return r.Sched.RemoteSend(target, payload)
}

// ExitReason re-exports exitsig.Reason under the ABI's naming so callers
// of this package don't need to import internal/exitsig directly.
type ExitReason = exitsig.Reason

// Exit is `exit(pid, reason_tag, reason_payload_ptr)`: Killed bypasses
// trap_exit, any other reason is trappable (spec §4.6).
func (r *Runtime) Exit(from, target pid.Pid, reason ExitReason) {
	r.Sched.Exit(from, target, reason)
}

// Register is `register(pid, name_ptr)`.
func (r *Runtime) Register(target pid.Pid, name string) error {
	return r.Sched.Register(name, target)
}

// Whereis is `whereis(name_ptr) -> pid_or_none`.
func (r *Runtime) Whereis(name string) (pid.Pid, bool) {
	return r.Sched.Whereis(name)
}

// TimeoutDuration converts a millisecond timeout as the ABI's
// `receive(selector_descriptor, timeout_ms)` signature specifies into
// the time.Duration internal/proc.Context.Receive expects. Negative
// ms means "wait forever," matching spec §4.2's timeout semantics.
func TimeoutDuration(timeoutMs int64) time.Duration {
	if timeoutMs < 0 {
		return -1
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

// SupervisorStart is `supervisor_start(config_blob) -> pid`: spawns the
// fixed supervisor entry function spec §4.8 describes.
func (r *Runtime) SupervisorStart(cfg supervisor.Config) pid.Pid {
	return r.Sched.Spawn(supervisor.Entry(cfg, r.Sched, nil), proc.WithTrapExit(true))
}

// SupervisorStartChild is `supervisor_start_child(sup_pid, args_blob) ->
// pid`, SimpleOneForOne's dynamic start_child primitive.
func (r *Runtime) SupervisorStartChild(supPid pid.Pid, timeout time.Duration) (pid.Pid, error) {
	reply := make(chan supervisor.StartChildResult, 1)
	r.Sched.LocalSend(supPid, mailbox.Envelope{Tag: mailbox.TagUser, Payload: supervisor.StartChildRequest{Reply: reply}})
	select {
	case res := <-reply:
		return res.Pid, res.Err
	case <-time.After(timeout):
		return pid.Nil, errTimeout
	}
}

// SupervisorTerminateChild is `supervisor_terminate_child(sup_pid,
// child_name_ptr)`: the child is shut down per its spec's directive and
// left stopped.
func (r *Runtime) SupervisorTerminateChild(supPid pid.Pid, childID string, timeout time.Duration) error {
	reply := make(chan error, 1)
	r.Sched.LocalSend(supPid, mailbox.Envelope{Tag: mailbox.TagUser, Payload: supervisor.TerminateChildRequest{ID: childID, Reply: reply}})
	select {
	case err := <-reply:
		return err
	case <-time.After(timeout):
		return errTimeout
	}
}

// NodeConnect is `node_connect(host, port, cookie)`: the cookie is
// carried in the router's configuration, so only the peer's identity
// and control address are needed here.
func (r *Runtime) NodeConnect(ctx context.Context, peerNodeID uint16, controlAddr string) error {
	if r.Dist == nil {
		return errNoDist
	}
	return r.Dist.Connect(ctx, peerNodeID, controlAddr)
}

// NodeSpawn is `node_spawn(node_id, entry_name_ptr, args_blob) -> pid`.
func (r *Runtime) NodeSpawn(ctx context.Context, nodeID uint16, entryName string) (pid.Pid, error) {
	if r.Dist == nil {
		return pid.Nil, errNoDist
	}
	return r.Dist.NodeSpawn(ctx, nodeID, entryName)
}

// GlobalRegister is `global_register(pid, name_ptr)`.
func (r *Runtime) GlobalRegister(ctx context.Context, name string, target pid.Pid) error {
	if r.Dist == nil {
		return errNoDist
	}
	return r.Dist.GlobalRegister(ctx, name, target)
}

// GlobalWhereis is `global_whereis(name_ptr) -> pid_or_none`.
func (r *Runtime) GlobalWhereis(name string) (pid.Pid, bool) {
	if r.Dist == nil {
		return pid.Nil, false
	}
	return r.Dist.GlobalWhereis(name)
}

var (
	errTimeout = &timeoutError{}
	errNoDist  = fmt.Errorf("abi: this node has no distribution layer configured")
)

type timeoutError struct{}

func (*timeoutError) Error() string { return "abi: supervisor request timed out" }

// GCAlloc is `gc_alloc(size, tag) -> ptr`, resolved against whichever
// process is "current" from the caller's point of view — real codegen
// would thread the caller's *proc.Context implicitly; this rendering
// takes it explicitly since Go has no such implicit thread-local.
func GCAlloc(ctx *proc.Context, size uint32, tag gcheap.TypeTag) (gcheap.Ref, error) {
	return ctx.Alloc(size, tag)
}

// ReductionCheckpoint is `reduction_checkpoint()`.
func ReductionCheckpoint(ctx *proc.Context) { ctx.CheckPoint() }
