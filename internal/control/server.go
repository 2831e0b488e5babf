// Package control provides a Unix socket control interface for Umbra.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/umbralabs/umbra/internal/identity"
)

// TunnelInfo provides tunnel state for the control interface.
type TunnelInfo interface {
	// ID returns the node's identity.
	ID() identity.RelayID

	// IsRunning returns true if the tunnel is up.
	IsRunning() bool

	// StartedAt returns when the tunnel came up.
	StartedAt() time.Time

	// GetLegInfo returns per-leg information.
	GetLegInfo() []LegInfo

	// RetireLeg excludes a leg from sending. Unknown leg IDs are an error.
	RetireLeg(id int) error

	// Shutdown closes the tunnel.
	Shutdown() error
}

// LegInfo contains leg information for display.
type LegInfo struct {
	ID      int    `json:"id"`
	State   string `json:"state"`
	Hops    int    `json:"hops"`
	RTTMs   int64  `json:"rtt_ms"`
	Streams int    `json:"streams"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	NodeID    string    `json:"node_id"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	LegCount  int       `json:"leg_count"`
}

// LegsResponse is the response for the legs endpoint.
type LegsResponse struct {
	Legs []LegInfo `json:"legs"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	tunnel   TunnelInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, tunnel TunnelInfo) *Server {
	s := &Server{
		cfg:    cfg,
		tunnel: tunnel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/legs", s.handleLegs)
	mux.HandleFunc("/retire", s.handleRetire)
	mux.HandleFunc("/shutdown", s.handleShutdown)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shutdown server
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	// Remove socket file
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		NodeID:    s.tunnel.ID().ShortString(),
		Running:   s.tunnel.IsRunning(),
		StartedAt: s.tunnel.StartedAt(),
		LegCount:  len(s.tunnel.GetLegInfo()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleLegs handles the legs endpoint.
func (s *Server) handleLegs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := LegsResponse{
		Legs: s.tunnel.GetLegInfo(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRetire handles the retire endpoint: POST /retire?leg=N.
func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.Atoi(r.URL.Query().Get("leg"))
	if err != nil {
		http.Error(w, "invalid leg id", http.StatusBadRequest)
		return
	}

	if err := s.tunnel.RetireLeg(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleShutdown handles the shutdown endpoint.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.tunnel.Shutdown(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
