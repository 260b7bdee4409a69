// Package branchnet owns the TCP side of the branch-synchronization
// protocol: it accepts branch connections, runs the handshake, frames and
// decodes the ciphered record stream, and serializes outbound delivery so
// that each branch ever has at most one request in flight.
package branchnet

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"branchsync/observability/logging"
	"branchsync/wire"
)

const (
	defaultAuthTimeout     = 30 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultKeepAlivePeriod = 5 * time.Minute
	defaultRecordsPerSec   = 32.0
	defaultRecordBurst     = 64
)

// CredentialStore verifies branch id/password pairs during the handshake.
type CredentialStore interface {
	Check(ctx context.Context, branchID int64, password string) (bool, error)
}

// RenewalStore hands out persisted not-yet-sent renewal requests used to seed
// a branch's outbound queue after authentication, and records deliveries
// acknowledged by the branch.
type RenewalStore interface {
	PendingForBranch(ctx context.Context, branchID int64) ([]wire.Record, error)
	MarkDelivered(ctx context.Context, eventID string) error
}

// AuditLog appends a protocol audit entry. Implementations must never block
// protocol progress.
type AuditLog interface {
	Append(contractID, contractCS, branchID int64, requestType string, body any, outbound bool)
}

// Tracker receives branch online/offline transitions. Implemented by the
// contract liveness tracker.
type Tracker interface {
	SetBranchOnline(branchID int64)
	SetBranchOffline(branchID int64)
}

// Resolver stores inbound branch answers. Implemented by the correlation
// queue.
type Resolver interface {
	Resolve(rec wire.Record)
}

// Directory records branch connect/disconnect metadata for operators.
// Optional; a nil directory disables the bookkeeping.
type Directory interface {
	RecordOnline(branchID int64, addr string, at time.Time)
	RecordOffline(branchID int64, at time.Time)
}

// ServerConfig encapsulates runtime settings for the protocol server.
type ServerConfig struct {
	ListenAddress   string
	DefaultKey      string
	AuthTimeout     time.Duration
	WriteTimeout    time.Duration
	KeepAlivePeriod time.Duration
	RecordsPerSec   float64
	RecordBurst     int
}

// Deps collects the collaborators the server consumes. Codec, Credentials and
// Renewals are required; the rest degrade to no-ops when nil.
type Deps struct {
	Codec       wire.Codec
	Credentials CredentialStore
	Renewals    RenewalStore
	Audit       AuditLog
	Tracker     Tracker
	Resolver    Resolver
	Directory   Directory
	Logger      *slog.Logger
}

// Server coordinates branch connections and request delivery.
type Server struct {
	cfg   ServerConfig
	codec wire.Codec

	creds     CredentialStore
	renewals  RenewalStore
	audit     AuditLog
	tracker   Tracker
	resolver  Resolver
	directory Directory

	logger  *slog.Logger
	metrics *netMetrics
	now     func() time.Time

	mu         sync.Mutex
	ln         net.Listener
	conns      map[int64]*Conn
	listenAddr string
	closed     bool
}

// NewServer applies config defaults and builds an idle server; call Start to
// bind the listener.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.KeepAlivePeriod <= 0 {
		cfg.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if cfg.RecordsPerSec <= 0 {
		cfg.RecordsPerSec = defaultRecordsPerSec
	}
	if cfg.RecordBurst <= 0 {
		cfg.RecordBurst = defaultRecordBurst
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		codec:     deps.Codec,
		creds:     deps.Credentials,
		renewals:  deps.Renewals,
		audit:     deps.Audit,
		tracker:   deps.Tracker,
		resolver:  deps.Resolver,
		directory: deps.Directory,
		logger:    logger.With(slog.String("component", "branchnet_server")),
		metrics:   newNetMetrics(),
		now:       time.Now,
		conns:     make(map[int64]*Conn),
	}
}

// SetClock overrides the server clock. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Start binds the TCP listener and serves accepted connections until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("Branch protocol server listening",
		logging.MaskField("listen_address", ln.Addr().String()))

	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		sock, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("Accept failed", slog.Any("error", err))
			}
			return
		}
		s.handleConn(sock)
	}
}

// handleConn prepares per-connection state and starts the read loop.
func (s *Server) handleConn(sock net.Conn) {
	if tcp, ok := sock.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(s.cfg.KeepAlivePeriod)
	}
	conn := newConn(s, sock)
	conn.armAuthDeadline(s.cfg.AuthTimeout)
	go conn.readLoop()
}

// ListenAddress returns the bound address, useful with a ":0" config.
func (s *Server) ListenAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Close stops the listener and tears down every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.kill("", "server shutdown")
	}
	return err
}

// register installs an authenticated connection under its branch id,
// enforcing the one-connection-per-branch invariant.
func (s *Server) register(conn *Conn, branchID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, exists := s.conns[branchID]; exists {
		return false
	}
	s.conns[branchID] = conn
	s.metrics.setConnections(len(s.conns))
	return true
}

// unregister removes the connection if it is still the registered one for the
// branch; a replacement that won the race is left untouched.
func (s *Server) unregister(conn *Conn, branchID int64) {
	s.mu.Lock()
	if current, ok := s.conns[branchID]; ok && current == conn {
		delete(s.conns, branchID)
		s.metrics.setConnections(len(s.conns))
	}
	s.mu.Unlock()
}

func (s *Server) lookup(branchID int64) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[branchID]
}

// Online reports whether a connection is registered for the branch.
func (s *Server) Online(branchID int64) bool {
	return s.lookup(branchID) != nil
}

// Send enqueues a request for the branch. When the queue was empty the head
// is delivered immediately; otherwise delivery waits for the connection's
// next inbound activity (stop-and-wait, one in-flight request per branch).
// Reports false when the branch has no registered connection.
func (s *Server) Send(branchID int64, rec wire.Record) bool {
	conn := s.lookup(branchID)
	if conn == nil {
		return false
	}
	return conn.enqueue(rec)
}

// auditAppend forwards to the audit sink when one is configured.
func (s *Server) auditAppend(contractID, contractCS, branchID int64, requestType string, body any, outbound bool) {
	if s.audit == nil {
		return
	}
	s.audit.Append(contractID, contractCS, branchID, requestType, body, outbound)
}

// BranchInfo is the ops view of one live connection.
type BranchInfo struct {
	BranchID    int64     `json:"branchId"`
	RemoteAddr  string    `json:"remoteAddr"`
	QueueLen    int       `json:"queueLen"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Snapshot lists registered connections sorted by branch id.
func (s *Server) Snapshot() []BranchInfo {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	out := make([]BranchInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out
}
