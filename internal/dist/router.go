// Package dist implements the distribution router (spec §4.9): the
// locality branch on send, the wire transport between nodes, node
// sessions, and the cluster-wide global name registry.
package dist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meshlang/actor/internal/dist/wire"
	"github.com/meshlang/actor/internal/exitsig"
	"github.com/meshlang/actor/internal/mailbox"
	"github.com/meshlang/actor/internal/pid"
	"github.com/meshlang/actor/internal/proc"
	"golang.org/x/sync/errgroup"
)

// LocalDeliverer is the slice of the scheduler the router needs to
// hand a decoded remote message to a local mailbox (spec §4.9 "dispatch
// to the recipient's local mailbox") and to synthesize exit signals for
// severed cross-node links.
type LocalDeliverer interface {
	LocalSend(target pid.Pid, env mailbox.Envelope)
	Exit(from, target pid.Pid, reason exitsig.Reason)
}

// Spawner is the optional extra capability a LocalDeliverer may carry;
// the scheduler has it, and node_spawn requires it on the target node.
type Spawner interface {
	Spawn(entry proc.EntryFunc, opts ...proc.Option) pid.Pid
}

// Config tunes the distribution layer (spec §6 configuration surface).
// The TLS fields select the control plane's certificate mode (see
// tls.go): cert/key files for a provisioned deployment, empty for an
// ephemeral self-signed certificate.
type Config struct {
	NodeID            uint16
	ClusterCookie     string
	MaxMessageBytes   int
	HeartbeatInterval time.Duration
	DeadPeerTimeout   time.Duration
	AMQPURI           string
	TLSCertFile       string
	TLSKeyFile        string
	TLSCAFile         string
}

// DefaultConfig matches spec §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:   16 * 1024 * 1024,
		HeartbeatInterval: 30 * time.Second,
		DeadPeerTimeout:   10 * time.Second,
	}
}

// hashMember adapts a uint16 node id to consistent.Member.
type hashMember uint16

func (m hashMember) String() string { return fmt.Sprintf("node-%d", uint16(m)) }

// hasher satisfies consistent.Hasher with xxhash, the teacher's own
// hash of choice elsewhere in its dependency graph.
type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// remoteLink mirrors one half of a cross-node link: localPid holds a
// link on remotePid living on another node. If that node disconnects,
// the router synthesizes the exit signal the remote end can no longer
// send (spec §4.9, §7 "Peer transport error").
type remoteLink struct {
	localPid  pid.Pid
	remotePid pid.Pid
}

// remoteMonitor mirrors a one-shot cross-node monitor the same way.
type remoteMonitor struct {
	ref       exitsig.MonitorRef
	holderPid pid.Pid
	remotePid pid.Pid
}

// Router implements scheduler.Dist: it is the node-wide distribution
// layer owning every peer session, the global name registry cache, and
// the consistent-hashing ring used to pick a name's canonical owner.
type Router struct {
	cfg   Config
	local LocalDeliverer
	log   *slog.Logger

	mu    sync.RWMutex
	peers map[uint16]*PeerSession
	ring  *consistent.Consistent

	globalMu sync.RWMutex
	global   map[string]pid.Pid // local entries keyed node 0; remote entries carry the owner's node id
	cache    *lru.Cache[string, pid.Pid]

	watchMu        sync.Mutex
	remoteLinks    map[uint16][]remoteLink
	remoteMonitors map[uint16][]remoteMonitor

	entryMu sync.RWMutex
	entries map[string]proc.EntryFunc

	spawnMu      sync.Mutex
	spawnCorr    atomic.Int64
	spawnWaiters map[int64]chan pid.Pid

	ctrl *ControlPlane

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Router for this node; serve its ControlPlane() on a
// listener to accept peers and call StartSweeper to begin the liveness
// sweep.
func New(cfg Config, local LocalDeliverer, log *slog.Logger) (*Router, error) {
	if cfg.MaxMessageBytes <= 0 || cfg.HeartbeatInterval <= 0 || cfg.DeadPeerTimeout <= 0 {
		d := DefaultConfig()
		if cfg.MaxMessageBytes <= 0 {
			cfg.MaxMessageBytes = d.MaxMessageBytes
		}
		if cfg.HeartbeatInterval <= 0 {
			cfg.HeartbeatInterval = d.HeartbeatInterval
		}
		if cfg.DeadPeerTimeout <= 0 {
			cfg.DeadPeerTimeout = d.DeadPeerTimeout
		}
	}
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, pid.Pid](4096)
	if err != nil {
		return nil, fmt.Errorf("dist: building registry cache: %w", err)
	}
	ctrl, err := NewControlPlane(cfg)
	if err != nil {
		return nil, err
	}
	r := &Router{
		cfg:            cfg,
		local:          local,
		log:            log,
		peers:          make(map[uint16]*PeerSession),
		global:         make(map[string]pid.Pid),
		cache:          cache,
		remoteLinks:    make(map[uint16][]remoteLink),
		remoteMonitors: make(map[uint16][]remoteMonitor),
		entries:        make(map[string]proc.EntryFunc),
		spawnWaiters:   make(map[int64]chan pid.Pid),
		ctrl:           ctrl,
		stopCh:         make(chan struct{}),
	}
	r.ring = consistent.New(nil, consistent.Config{
		PartitionCount:    71,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	})
	r.ring.Add(hashMember(cfg.NodeID))
	return r, nil
}

// ControlPlane exposes the node's control-plane gRPC server for
// cmd/meshd to bind to a listener.
func (r *Router) ControlPlane() *ControlPlane { return r.ctrl }

// RegisterEntry names an entry function so peers can node_spawn it here
// by name; the compiler's codegen would register every exported entry
// point this way at program start.
func (r *Router) RegisterEntry(name string, entry proc.EntryFunc) {
	r.entryMu.Lock()
	r.entries[name] = entry
	r.entryMu.Unlock()
}

// --- pid localization ---

// Pids carry node id zero while local (spec §3). Crossing the wire,
// zero is rewritten to this node's cluster id so the receiver can route
// back; arriving, a pid naming the receiving node itself is rewritten
// back to zero. This pair of walks is what keeps the locality branch
// bit-exact end to end.
func (r *Router) outboundPid(p pid.Pid) pid.Pid {
	if p.Node() == 0 {
		return pid.New(r.cfg.NodeID, p.Incarnation(), p.Local())
	}
	return p
}

func (r *Router) inboundPid(p pid.Pid) pid.Pid {
	if p.Node() == r.cfg.NodeID {
		return pid.New(0, p.Incarnation(), p.Local())
	}
	return p
}

func (r *Router) rewritePids(v any, f func(pid.Pid) pid.Pid) any {
	switch x := v.(type) {
	case pid.Pid:
		return f(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = r.rewritePids(item, f)
		}
		return out
	case wire.Tuple:
		out := make(wire.Tuple, len(x))
		for i, item := range x {
			out[i] = r.rewritePids(item, f)
		}
		return out
	case wire.Set:
		out := make(wire.Set, len(x))
		for i, item := range x {
			out[i] = r.rewritePids(item, f)
		}
		return out
	case wire.Map:
		out := make(wire.Map, len(x))
		for i, e := range x {
			out[i] = wire.MapEntry{Key: r.rewritePids(e.Key, f), Value: r.rewritePids(e.Value, f)}
		}
		return out
	case wire.Struct:
		return wire.Struct{Name: x.Name, Fields: r.rewriteFields(x.Fields, f)}
	case wire.Union:
		return wire.Union{Name: x.Name, Fields: r.rewriteFields(x.Fields, f)}
	case wire.Option:
		if !x.Some {
			return x
		}
		return wire.Option{Some: true, Value: r.rewritePids(x.Value, f)}
	case wire.Result:
		return wire.Result{Ok: x.Ok, Value: r.rewritePids(x.Value, f)}
	default:
		return v
	}
}

func (r *Router) rewriteFields(fields []wire.Field, f func(pid.Pid) pid.Pid) []wire.Field {
	out := make([]wire.Field, len(fields))
	for i, fd := range fields {
		out[i] = wire.Field{Name: fd.Name, Value: r.rewritePids(fd.Value, f)}
	}
	return out
}

// --- connect / frames ---

// Connect establishes a peer session with a remote node: dials the
// control plane (verifying the cluster cookie round-trip), stands up
// the AMQP data-plane pub/sub pair, starts the frame-consuming
// goroutine, and pushes this node's global registry snapshot to the
// peer (spec §4.9 "On peer connect, the full map is synced").
func (r *Router) Connect(ctx context.Context, peerNodeID uint16, controlAddr string) error {
	conn, err := DialPeer(ctx, controlAddr, r.cfg)
	if err != nil {
		return fmt.Errorf("dist: dial peer %d control plane: %w", peerNodeID, err)
	}
	if err := CheckHealth(ctx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("dist: peer %d failed initial health check: %w", peerNodeID, err)
	}

	pub, sub, err := dialAMQPPeer(AMQPPeerConfig{AMQPURI: r.cfg.AMQPURI})
	if err != nil {
		_ = conn.Close()
		return err
	}
	ps := newPeerSession(peerNodeID, conn, pub, sub, r.cfg.DeadPeerTimeout)

	r.mu.Lock()
	r.peers[peerNodeID] = ps
	r.ring.Add(hashMember(peerNodeID))
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := consumeFrames(ctx, ps, r.cfg.NodeID, r.cfg.MaxMessageBytes, r.dispatch); err != nil {
			r.log.Warn("dist: peer frame consumer exited", "peer", peerNodeID, "error", err)
		}
	}()

	if err := r.syncRegistryTo(ps); err != nil {
		r.log.Warn("dist: registry sync failed", "peer", peerNodeID, "error", err)
	}
	return nil
}

// syncRegistryTo pushes every global-registry entry this node knows to
// a freshly connected peer in one system frame.
func (r *Router) syncRegistryTo(ps *PeerSession) error {
	r.globalMu.RLock()
	entries := make(wire.Map, 0, len(r.global))
	for name, p := range r.global {
		entries = append(entries, wire.MapEntry{Key: name, Value: p})
	}
	r.globalMu.RUnlock()

	return r.publishSystem(ps, wire.Struct{Name: "GlobalSync", Fields: []wire.Field{
		{Name: "entries", Value: entries},
	}})
}

// publishSystem encodes msg (after outbound pid rewriting) and sends it
// as a frame addressed to the peer's node process (local id 0).
func (r *Router) publishSystem(ps *PeerSession, msg any) error {
	encoded, err := wire.Encode(r.rewritePids(msg, r.outboundPid), r.cfg.MaxMessageBytes)
	if err != nil {
		return err
	}
	return ps.publish(r.cfg.NodeID, frame{
		Sender:  pid.New(r.cfg.NodeID, 0, 0),
		Target:  pid.New(ps.NodeID, 0, 0),
		Tag:     byte(mailbox.TagUser),
		Payload: encoded[1:],
	})
}

// dispatch decodes a frame's wire payload and hands it to the local
// mailbox — or to the router's own system handler when addressed to the
// node process (local id 0). An undecodable frame is dropped, matching
// spec §4.2's "silently dropped" failure mode rather than panicking on
// an untrusted peer.
func (r *Router) dispatch(f frame) {
	val, err := wire.Decode(append([]byte{wire.Version}, f.Payload...), r.cfg.MaxMessageBytes)
	if err != nil {
		r.log.Warn("dist: dropping undecodable frame", "from", f.Sender, "error", err)
		return
	}
	val = r.rewritePids(val, r.inboundPid)

	if f.Target.Local() == 0 {
		r.handleSystem(f.Sender, val)
		return
	}
	r.local.LocalSend(r.inboundPid(f.Target), mailbox.Envelope{
		Sender:  f.Sender,
		Tag:     mailbox.Tag(f.Tag),
		Payload: val,
	})
}

// handleSystem reacts to node-addressed frames: registry replication
// and remote spawn.
func (r *Router) handleSystem(from pid.Pid, val any) {
	msg, ok := val.(wire.Struct)
	if !ok {
		return
	}
	fields := make(map[string]any, len(msg.Fields))
	for _, f := range msg.Fields {
		fields[f.Name] = f.Value
	}

	switch msg.Name {
	case "GlobalRegister":
		name, _ := fields["name"].(string)
		p, okPid := fields["pid"].(pid.Pid)
		if name == "" || !okPid {
			return
		}
		r.globalMu.Lock()
		r.global[name] = p
		r.globalMu.Unlock()
		r.cache.Add(name, p)

	case "GlobalSync":
		entries, okMap := fields["entries"].(wire.Map)
		if !okMap {
			return
		}
		r.globalMu.Lock()
		for _, e := range entries {
			if name, okName := e.Key.(string); okName {
				if p, okPid := e.Value.(pid.Pid); okPid {
					r.global[name] = p
				}
			}
		}
		r.globalMu.Unlock()

	case "Spawn":
		corr, _ := fields["corr"].(int64)
		entryName, _ := fields["entry"].(string)
		r.handleRemoteSpawn(from.Node(), corr, entryName)

	case "SpawnReply":
		corr, _ := fields["corr"].(int64)
		p, okPid := fields["pid"].(pid.Pid)
		if !okPid {
			return
		}
		r.spawnMu.Lock()
		waiter := r.spawnWaiters[corr]
		delete(r.spawnWaiters, corr)
		r.spawnMu.Unlock()
		if waiter != nil {
			waiter <- p
		}
	}
}

// handleRemoteSpawn starts a registered entry function on behalf of a
// peer and replies with the new pid (spec §6 node_spawn).
func (r *Router) handleRemoteSpawn(fromNode uint16, corr int64, entryName string) {
	spawner, ok := r.local.(Spawner)
	if !ok {
		return
	}
	r.entryMu.RLock()
	entry, found := r.entries[entryName]
	r.entryMu.RUnlock()
	if !found {
		r.log.Warn("dist: remote spawn of unknown entry", "entry", entryName, "from", fromNode)
		return
	}
	newPid := spawner.Spawn(entry)

	r.mu.RLock()
	ps := r.peers[fromNode]
	r.mu.RUnlock()
	if ps == nil {
		return
	}
	_ = r.publishSystem(ps, wire.Struct{Name: "SpawnReply", Fields: []wire.Field{
		{Name: "corr", Value: corr},
		{Name: "pid", Value: newPid},
	}})
}

// NodeSpawn asks nodeID to start its registered entry entryName and
// returns the remote pid (spec §6 `node_spawn(node_id, entry_name,
// args) -> pid`).
func (r *Router) NodeSpawn(ctx context.Context, nodeID uint16, entryName string) (pid.Pid, error) {
	r.mu.RLock()
	ps, ok := r.peers[nodeID]
	r.mu.RUnlock()
	if !ok {
		return pid.Nil, fmt.Errorf("dist: no session to node %d", nodeID)
	}

	corr := r.spawnCorr.Add(1)
	waiter := make(chan pid.Pid, 1)
	r.spawnMu.Lock()
	r.spawnWaiters[corr] = waiter
	r.spawnMu.Unlock()

	err := r.publishSystem(ps, wire.Struct{Name: "Spawn", Fields: []wire.Field{
		{Name: "corr", Value: corr},
		{Name: "entry", Value: entryName},
	}})
	if err != nil {
		r.spawnMu.Lock()
		delete(r.spawnWaiters, corr)
		r.spawnMu.Unlock()
		return pid.Nil, err
	}

	select {
	case p := <-waiter:
		return p, nil
	case <-ctx.Done():
		r.spawnMu.Lock()
		delete(r.spawnWaiters, corr)
		r.spawnMu.Unlock()
		return pid.Nil, ctx.Err()
	}
}

// Send implements scheduler.Dist: spec §4.9's locality branch has
// already been taken by the caller (internal/proc.Context.Send checks
// target.IsLocal() first) by the time a call reaches here, so Send only
// ever needs to handle the remote case.
func (r *Router) Send(target pid.Pid, payload any) error {
	r.mu.RLock()
	ps, ok := r.peers[target.Node()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dist: no session to node %d", target.Node())
	}

	encoded, err := wire.Encode(r.rewritePids(payload, r.outboundPid), r.cfg.MaxMessageBytes)
	if err != nil {
		return fmt.Errorf("dist: encode payload for %s: %w", target, err)
	}
	// Encode already wrote the version byte; frames carry only the
	// tag-and-body portion since the version is implied per-cluster.
	f := frame{Sender: pid.New(r.cfg.NodeID, 0, 0), Target: target, Tag: byte(mailbox.TagUser), Payload: encoded[1:]}
	return ps.publish(r.cfg.NodeID, f)
}

// --- global registry ---

// GlobalRegister binds name to p cluster-wide: recorded as locally
// owned, broadcast to every connected peer, and warmed into the local
// read cache (spec §4.9 "On local registration, a broadcast is sent").
func (r *Router) GlobalRegister(ctx context.Context, name string, p pid.Pid) error {
	r.globalMu.Lock()
	r.global[name] = p
	r.globalMu.Unlock()
	r.cache.Add(name, p)

	r.mu.RLock()
	peers := make([]*PeerSession, 0, len(r.peers))
	for _, ps := range r.peers {
		peers = append(peers, ps)
	}
	r.mu.RUnlock()

	// Broadcasting is unordered fan-out across peers — no ordering
	// guarantee spec makes is broken by running it concurrently
	// (spec §5 "Concurrency & Resource Model" allows unordered
	// parallelism here).
	g, _ := errgroup.WithContext(ctx)
	for _, ps := range peers {
		ps := ps
		g.Go(func() error {
			return r.publishSystem(ps, wire.Struct{Name: "GlobalRegister", Fields: []wire.Field{
				{Name: "name", Value: name},
				{Name: "pid", Value: p},
			}})
		})
	}
	return g.Wait()
}

// GlobalWhereis resolves name cluster-wide, consulting the local read
// cache before the authoritative map — the cache exists because a
// cluster-wide name map is read far more than it is written.
func (r *Router) GlobalWhereis(name string) (pid.Pid, bool) {
	if p, ok := r.cache.Get(name); ok {
		return p, true
	}
	r.globalMu.RLock()
	p, ok := r.global[name]
	r.globalMu.RUnlock()
	if ok {
		r.cache.Add(name, p)
	}
	return p, ok
}

// OwnerOf picks the canonical owning node for name via consistent
// hashing — used when more than one node could plausibly own a
// freshly-registered global name before any owner is known yet (spec
// §4.9 "Peer selection for registry sharding").
func (r *Router) OwnerOf(name string) uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	member := r.ring.LocateKey([]byte(name))
	if member == nil {
		return r.cfg.NodeID
	}
	return uint16(member.(hashMember))
}

// --- cross-node links and monitors ---

// LinkRemote records the local half of a cross-node link so a peer
// disconnect can synthesize the exit signal the remote end can no
// longer deliver. The remote half is the peer node's responsibility.
func (r *Router) LinkRemote(localPid, remotePid pid.Pid) {
	r.watchMu.Lock()
	node := remotePid.Node()
	r.remoteLinks[node] = append(r.remoteLinks[node], remoteLink{localPid: localPid, remotePid: remotePid})
	r.watchMu.Unlock()
}

// MonitorRemote records a one-shot cross-node monitor the same way and
// returns its reference.
func (r *Router) MonitorRemote(holderPid, remotePid pid.Pid) exitsig.MonitorRef {
	ref := exitsig.NewMonitorRef()
	r.watchMu.Lock()
	node := remotePid.Node()
	r.remoteMonitors[node] = append(r.remoteMonitors[node], remoteMonitor{ref: ref, holderPid: holderPid, remotePid: remotePid})
	r.watchMu.Unlock()
	return ref
}

// --- liveness ---

// Sweep health-checks every connected peer concurrently over its
// control-plane connection, refreshing liveness on success and tearing
// down any peer that has stayed silent past its dead-peer deadline
// (spec §4.9; spec §5 explicitly allows this one sweep to run
// unordered).
func (r *Router) Sweep(ctx context.Context) {
	r.mu.RLock()
	peers := make([]*PeerSession, 0, len(r.peers))
	for _, ps := range r.peers {
		peers = append(peers, ps)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, ps := range peers {
		ps := ps
		g.Go(func() error {
			if err := CheckHealth(ctx, ps.conn); err == nil {
				ps.touch()
			} else if ps.dead() {
				r.disconnectPeer(ps.NodeID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// disconnectPeer tears down a dead peer's session, purges its
// global-registry entries, and fires the noconnection half of every
// cross-node link and monitor pointing at it (spec §4.9 "On peer
// disconnect, entries owned by that peer are purged locally").
func (r *Router) disconnectPeer(nodeID uint16) {
	r.mu.Lock()
	ps, ok := r.peers[nodeID]
	delete(r.peers, nodeID)
	r.ring.Remove(hashMember(nodeID).String())
	r.mu.Unlock()
	if !ok {
		return
	}
	ps.close()

	r.globalMu.Lock()
	for name, p := range r.global {
		if p.Node() == nodeID {
			delete(r.global, name)
		}
	}
	r.globalMu.Unlock()
	r.cache.Purge()

	r.watchMu.Lock()
	links := r.remoteLinks[nodeID]
	monitors := r.remoteMonitors[nodeID]
	delete(r.remoteLinks, nodeID)
	delete(r.remoteMonitors, nodeID)
	r.watchMu.Unlock()

	reason := NoConnectionReason()
	for _, l := range links {
		r.local.Exit(l.remotePid, l.localPid, reason)
	}
	for _, m := range monitors {
		r.local.LocalSend(m.holderPid, mailbox.Envelope{
			Sender:  m.remotePid,
			Tag:     mailbox.TagMonitorDown,
			Payload: exitsig.DownNotice{Ref: m.ref, Target: m.remotePid, Reason: reason},
		})
	}

	r.log.Warn("dist: peer disconnected", "node", nodeID)
}

// StartSweeper runs Sweep on the configured heartbeat interval until
// Stop is called.
func (r *Router) StartSweeper() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatInterval/2)
				r.Sweep(ctx)
				cancel()
			}
		}
	}()
}

// Stop tears down every peer session and the sweeper goroutine.
func (r *Router) Stop() {
	close(r.stopCh)
	r.mu.Lock()
	for id, ps := range r.peers {
		ps.close()
		delete(r.peers, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
	r.ctrl.Stop()
}
