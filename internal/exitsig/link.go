package exitsig

import (
	"sync"

	"github.com/google/uuid"
	"github.com/meshlang/actor/internal/pid"
)

// LinkSet is the symmetric edge set held by one process. Mutating a
// link always touches both endpoints' sets; Link locks both sets in
// pid order to avoid deadlock (spec §5).
type LinkSet struct {
	mu    sync.Mutex
	links map[pid.Pid]struct{}
}

func NewLinkSet() *LinkSet {
	return &LinkSet{links: make(map[pid.Pid]struct{})}
}

func (s *LinkSet) add(p pid.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[p] = struct{}{}
}

func (s *LinkSet) remove(p pid.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, p)
}

// Has reports whether p is linked.
func (s *LinkSet) Has(p pid.Pid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.links[p]
	return ok
}

// Snapshot returns a copy of the current peer set, safe to range over
// without holding the lock (used when delivering exit signals to every
// linked peer).
func (s *LinkSet) Snapshot() []pid.Pid {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pid.Pid, 0, len(s.links))
	for p := range s.links {
		out = append(out, p)
	}
	return out
}

// Link establishes a symmetric edge between a (owning ls) and b (owning
// peerLs), taking both locks in a deterministic order keyed by pid to
// avoid deadlock against a concurrent Link(b, a) elsewhere (spec §5).
func Link(aPid pid.Pid, aLs *LinkSet, bPid pid.Pid, bLs *LinkSet) {
	first, second := aLs, bLs
	if bPid < aPid {
		first, second = bLs, aLs
	}
	if first == second {
		// linking a process to itself: one lock, one edge to itself.
		first.mu.Lock()
		first.links[aPid] = struct{}{}
		first.mu.Unlock()
		return
	}
	first.mu.Lock()
	second.mu.Lock()
	aLs.links[bPid] = struct{}{}
	bLs.links[aPid] = struct{}{}
	second.mu.Unlock()
	first.mu.Unlock()
}

// Unlink is the symmetric inverse of Link.
func Unlink(aPid pid.Pid, aLs *LinkSet, bPid pid.Pid, bLs *LinkSet) {
	aLs.remove(bPid)
	bLs.remove(aPid)
}

// MonitorRef is the opaque one-shot monitor handle returned by monitor().
type MonitorRef uuid.UUID

func NewMonitorRef() MonitorRef { return MonitorRef(uuid.New()) }

// monitorEdge records who is watching whom under which ref.
type monitorEdge struct {
	ref    MonitorRef
	target pid.Pid
	holder pid.Pid
}

// MonitorSet tracks, for one process, the monitors it holds on others
// and the monitors others hold on it — both directions live in the
// same set since each edge is one-shot and needs to be found from
// either end (by the holder to demonitor, by the target at exit time).
type MonitorSet struct {
	mu       sync.Mutex
	held     map[MonitorRef]monitorEdge // monitors this process holds on others
	watchers map[MonitorRef]monitorEdge // monitors others hold on this process
}

func NewMonitorSet() *MonitorSet {
	return &MonitorSet{held: make(map[MonitorRef]monitorEdge), watchers: make(map[MonitorRef]monitorEdge)}
}

// Monitor records that holder now monitors target under ref.
func (m *MonitorSet) Monitor(ref MonitorRef, holder, target pid.Pid, targetSet *MonitorSet) {
	edge := monitorEdge{ref: ref, target: target, holder: holder}
	m.mu.Lock()
	m.held[ref] = edge
	m.mu.Unlock()

	targetSet.mu.Lock()
	targetSet.watchers[ref] = edge
	targetSet.mu.Unlock()
}

// Demonitor removes a held monitor before it has fired.
func (m *MonitorSet) Demonitor(ref MonitorRef, targetSet *MonitorSet) {
	m.mu.Lock()
	delete(m.held, ref)
	m.mu.Unlock()

	targetSet.mu.Lock()
	delete(targetSet.watchers, ref)
	targetSet.mu.Unlock()
}

// Watchers returns every (ref, holder) pair watching this process,
// consumed exactly once at exit time to deliver down envelopes.
func (m *MonitorSet) Watchers() []monitorEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]monitorEdge, 0, len(m.watchers))
	for _, e := range m.watchers {
		out = append(out, e)
	}
	return out
}

// Holder and Target expose edge fields for callers building down envelopes.
func (e monitorEdge) Holder() pid.Pid     { return e.holder }
func (e monitorEdge) Target() pid.Pid     { return e.target }
func (e monitorEdge) Ref() MonitorRef     { return e.ref }
