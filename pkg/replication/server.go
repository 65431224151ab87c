package replication

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/metrics"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Config holds master-side replication configuration.
type Config struct {
	// MaxClients limits concurrent client connections. 0 means unlimited.
	MaxClients int

	// HeartbeatTimeout is how long a connection may go without a ping
	// before the reaper closes it.
	HeartbeatTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// SendBuffer is the per-connection outbound queue depth. A client that
	// falls this far behind is disconnected rather than reordered.
	SendBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxClients:       64,
		HeartbeatTimeout: 90 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBuffer:       256,
	}
}

// SyncClientInfo is the per-connection record. Created on connect, mutated
// by handshake and heartbeat, destroyed on disconnect.
type SyncClientInfo struct {
	ID          string    `json:"id"`
	DeviceName  string    `json:"deviceName,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastPing    time.Time `json:"lastPing"`
	EmployeeID  string    `json:"employeeId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
}

// Server is the master side of replication: it upgrades incoming websocket
// connections, fans committed events out to every client in commit order,
// accepts client-submitted events through the same path as local emission,
// proxies storage operations, and dispatches named RPC methods.
//
// Shutdown uses sync.Once so repeated Stop calls are idempotent. The server
// itself does not listen; mount Handler on an HTTP server.
type Server struct {
	cfg     Config
	log     events.Log
	store   *store.TieredStore
	rpc     *Dispatcher
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn

	wg          sync.WaitGroup
	shutdown    chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
	sem         chan struct{}
}

// NewServer creates a replication server; metrics may be nil.
func NewServer(log events.Log, st *store.TieredStore, rpc *Dispatcher, cfg Config, m *metrics.Metrics) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	var sem chan struct{}
	if cfg.MaxClients > 0 {
		sem = make(chan struct{}, cfg.MaxClients)
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		rpc:      rpc,
		metrics:  m,
		upgrader: websocket.Upgrader{},
		conns:    make(map[string]*conn),
		shutdown: make(chan struct{}),
		sem:      sem,
	}
}

// Start subscribes the server to the event log so every committed event is
// broadcast. Must be called before serving connections.
func (s *Server) Start() {
	s.unsubscribe = s.log.Subscribe(s.broadcast)
	logger.Info("replication server started", "max_clients", s.cfg.MaxClients)
}

// Handler returns the websocket upgrade endpoint. Mount it at the sync path
// of the status server.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.shutdown:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				http.Error(w, "too many clients", http.StatusServiceUnavailable)
				return
			}
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			s.release()
			return
		}

		c := newConn(s, ws)
		s.register(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			c.serve()
			s.unregister(c)
		}()
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	total := len(s.conns)
	s.mu.Unlock()

	s.metrics.ClientConnected(1)
	logger.Info("client connected", "conn_id", c.id, "remote", c.remoteAddr(), "total", total)
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	total := len(s.conns)
	s.mu.Unlock()
	if !present {
		return
	}

	s.metrics.ClientConnected(-1)
	logger.Info("client disconnected", "conn_id", c.id, "remote", c.remoteAddr(), "total", total)
}

// broadcast fans one committed event out to every connected client.
//
// The event log dispatches subscribers while holding its commit lock, and
// each connection's send queue is FIFO, so every client observes events in
// the master's commit order. A client whose queue is full is disconnected
// instead of skipped: dropping a single frame would silently break ordering
// for that client.
func (s *Server) broadcast(e events.Event) {
	msg, err := NewMessage(MsgEventBroadcast, "", e)
	if err != nil {
		logger.Error("encode broadcast failed", "event_id", e.ID, "error", err)
		return
	}

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.trySend(msg) {
			sent++
		} else {
			logger.Warn("client queue full, disconnecting slow client",
				"conn_id", c.id, "device", c.info().DeviceName)
			c.close()
		}
	}
	s.metrics.RecordBroadcast(sent)
}

// Clients returns a stable-ordered copy of all connection records.
func (s *Server) Clients() []SyncClientInfo {
	s.mu.RLock()
	infos := make([]SyncClientInfo, 0, len(s.conns))
	for _, c := range s.conns {
		infos = append(infos, c.info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ReapStale closes connections whose last ping is older than the configured
// heartbeat timeout. Returns the number of connections reaped. Wired as a
// scheduler task.
func (s *Server) ReapStale() int {
	if s.cfg.HeartbeatTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.cfg.HeartbeatTimeout)

	s.mu.RLock()
	stale := make([]*conn, 0)
	for _, c := range s.conns {
		if c.info().LastPing.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		logger.Warn("reaping stale client", "conn_id", c.id, "device", c.info().DeviceName,
			"last_ping", c.info().LastPing)
		c.close()
	}
	return len(stale)
}

// Stop unsubscribes from the event log, closes every connection and waits
// for their goroutines, bounded by ctx. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		logger.Info("replication server stopping", "clients", s.ClientCount())
		close(s.shutdown)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}

		s.mu.RLock()
		for _, c := range s.conns {
			c.close()
		}
		s.mu.RUnlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("replication server stopped")
		case <-ctx.Done():
			err = fmt.Errorf("replication shutdown timed out: %w", ctx.Err())
		}
	})
	return err
}

func newConnID() string { return uuid.NewString() }
