// Package admin exposes the node's introspection surface: a go-chi
// router serving JSON process/supervisor/scheduler snapshots and a
// gorilla/websocket stream of live events, grounded on the teacher's
// own ws.WSHandler upgrade-and-pump shape.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// ProcessSnapshot is one row of GET /processes.
type ProcessSnapshot struct {
	Pid    string `json:"pid"`
	State  string `json:"state"`
	Links  int    `json:"links"`
	HeapB  int    `json:"heap_bytes"`
}

// ChildSnapshot is one supervised child within a SupervisorSnapshot:
// its spec id and kind, so the surface can tell a worker from a nested
// supervisor.
type ChildSnapshot struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "worker" or "supervisor"
}

// SupervisorSnapshot is one row of GET /supervisors.
type SupervisorSnapshot struct {
	Pid      string          `json:"pid"`
	Strategy string          `json:"strategy"`
	Children []ChildSnapshot `json:"children"`
}

// Stats is the payload of GET /stats: scheduler and heap aggregate
// counters, the node-wide equivalent of the teacher's health checks.
type Stats struct {
	Workers       int   `json:"workers"`
	RunQueueDepth int   `json:"run_queue_depth"`
	ProcessCount  int   `json:"process_count"`
	HeapBytesUsed int64 `json:"heap_bytes_used"`
	GCCycles      int64 `json:"gc_cycles"`
}

// Source is the read-only view the admin surface polls; cmd/meshd
// supplies an adapter over the live scheduler, registry, and heap
// stats rather than admin depending on those packages directly.
type Source interface {
	Processes() []ProcessSnapshot
	Supervisors() []SupervisorSnapshot
	Stats() Stats
}

// Event is one message pushed down GET /stream's websocket.
type Event struct {
	Kind string `json:"kind"` // only "tick" (from Ticker) is published
	Pid  string `json:"pid,omitempty"`
	Data string `json:"data,omitempty"`
}

// Server is the admin HTTP surface: a chi.Router plus a broadcast hub
// for websocket subscribers, mirroring the teacher's
// subscribe/unsubscribe-on-disconnect websocket handler shape.
type Server struct {
	log    *slog.Logger
	src    Source
	router chi.Router

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// New builds the admin router. log defaults to slog.Default() like the
// rest of the node's components.
func New(src Source, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:  log,
		src:  src,
		subs: make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/processes", s.handleProcesses)
	r.Get("/supervisors", s.handleSupervisors)
	r.Get("/stats", s.handleStats)
	r.Get("/stream", s.handleStream)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Processes())
}

func (s *Server) handleSupervisors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Supervisors())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Stats())
}

// handleStream upgrades to a websocket and pumps Publish'd Events to
// this one subscriber until the client disconnects, the same
// subscribe/defer-unsubscribe/pump-loop shape the teacher's ws handler
// uses for delivery events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("admin: ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Warn("admin: ws send failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) subscribe() chan Event {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// Publish fans ev out to every connected /stream subscriber, dropping
// it for any subscriber whose buffer is full rather than blocking the
// scheduler event that triggered it.
func (s *Server) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Ticker periodically publishes a "tick" event carrying the current
// Stats snapshot, giving meshtop a heartbeat even when nothing else is
// happening in the cluster.
func (s *Server) Ticker(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			stats := s.src.Stats()
			b, _ := json.Marshal(stats)
			s.Publish(Event{Kind: "tick", Data: string(b)})
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
