// Package node assembles a runnable Umbra client from its parts:
// identity, transports, the tunnel, and the operator surfaces (control
// socket and metrics endpoint).
package node

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umbralabs/umbra/internal/cell"
	"github.com/umbralabs/umbra/internal/certutil"
	"github.com/umbralabs/umbra/internal/channel"
	"github.com/umbralabs/umbra/internal/circuit"
	"github.com/umbralabs/umbra/internal/config"
	"github.com/umbralabs/umbra/internal/control"
	"github.com/umbralabs/umbra/internal/flowctl"
	"github.com/umbralabs/umbra/internal/identity"
	"github.com/umbralabs/umbra/internal/logging"
	"github.com/umbralabs/umbra/internal/metrics"
	"github.com/umbralabs/umbra/internal/transport"
	"github.com/umbralabs/umbra/internal/tunnel"
)

// Node is one Umbra client instance.
type Node struct {
	cfg *config.Config
	log *slog.Logger
	met *metrics.Metrics
	id  identity.RelayID

	tun        *tunnel.Tunnel
	transports map[transport.TransportType]transport.Transport

	ctrl       *control.Server
	metricsSrv *http.Server

	mu      sync.Mutex
	conns   []transport.PeerConn
	running bool
	started time.Time

	stopOnce sync.Once
}

// New creates a node from a validated configuration.
func New(cfg *config.Config) (*Node, error) {
	logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

	var id identity.RelayID
	if cfg.Node.ID == "" || cfg.Node.ID == "auto" {
		loaded, created, err := identity.LoadOrCreate(cfg.Node.DataDir)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		if created {
			logger.Info("node identity created", logging.KeyRelayID, loaded.ShortString())
		}
		id = loaded
	} else {
		parsed, err := identity.ParseRelayID(cfg.Node.ID)
		if err != nil {
			return nil, fmt.Errorf("parse node id: %w", err)
		}
		id = parsed
	}

	met := metrics.Default()

	tun := tunnel.New(tunnel.Config{
		Logger:           logger,
		Metrics:          met,
		DesiredUX:        desiredUX(cfg.Split.DesiredUX),
		HandshakeTimeout: cfg.Timing.HandshakeTimeout,
		LinkTimeout:      cfg.Split.LinkTimeout,
		ReorderTimeout:   cfg.Split.ReorderTimeout,
	})

	return &Node{
		cfg: cfg,
		log: logger.With(logging.KeyComponent, "node"),
		met: met,
		id:  id,
		tun: tun,
		transports: map[transport.TransportType]transport.Transport{
			transport.TransportQUIC:      transport.NewQUICTransport(),
			transport.TransportHTTP2:     transport.NewH2Transport(),
			transport.TransportWebSocket: transport.NewWebSocketTransport(),
		},
	}, nil
}

// Logger returns the node's root logger.
func (n *Node) Logger() *slog.Logger { return n.log }

// Tunnel returns the node's tunnel.
func (n *Node) Tunnel() *tunnel.Tunnel { return n.tun }

// Start brings the node up: operator surfaces first, then one circuit
// per configured leg. With splitting enabled the legs are linked into
// one set; otherwise only the first leg is used.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}
	n.mu.Unlock()

	if n.cfg.Metrics.Enabled {
		if err := n.startMetrics(); err != nil {
			return fmt.Errorf("start metrics endpoint: %w", err)
		}
	}
	if n.cfg.Control.Enabled {
		srv := control.NewServer(control.ServerConfig{
			SocketPath:   n.cfg.Control.Socket,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, n)
		if err := srv.Start(); err != nil {
			n.stopOperatorSurfaces()
			return fmt.Errorf("start control socket: %w", err)
		}
		n.ctrl = srv
		n.log.Info("control socket listening", logging.KeyAddress, n.cfg.Control.Socket)
	}

	legs := n.cfg.Legs
	if len(legs) == 0 {
		n.stopOperatorSurfaces()
		return errors.New("no legs configured")
	}
	if !n.cfg.Split.Enabled && len(legs) > 1 {
		n.log.Warn("splitting disabled, using first leg only", logging.KeyCount, len(legs))
		legs = legs[:1]
	}

	first, err := n.buildLeg(ctx, legs[0])
	if err != nil {
		n.stopOperatorSurfaces()
		return err
	}
	if err := n.tun.Attach(first); err != nil {
		n.stopOperatorSurfaces()
		return err
	}

	if n.cfg.Split.Enabled {
		if err := n.tun.Split(ctx); err != nil {
			n.Stop()
			return fmt.Errorf("link first leg: %w", err)
		}
		for _, legCfg := range legs[1:] {
			circ, err := n.buildLeg(ctx, legCfg)
			if err != nil {
				n.Stop()
				return err
			}
			if _, err := n.tun.AddLeg(ctx, circ); err != nil {
				n.Stop()
				return fmt.Errorf("link leg: %w", err)
			}
		}
	}

	n.mu.Lock()
	n.running = true
	n.started = time.Now()
	n.mu.Unlock()

	n.log.Info("node started",
		logging.KeyRelayID, n.id.ShortString(),
		logging.KeyCount, len(legs),
	)
	return nil
}

// buildLeg dials the leg's first relay and builds a circuit along its
// configured path.
func (n *Node) buildLeg(ctx context.Context, legCfg config.LegConfig) (*circuit.Circuit, error) {
	path := make([]tunnel.HopSpec, 0, len(legCfg.Path))
	for _, name := range legCfg.Path {
		rc, err := n.relayByName(name)
		if err != nil {
			return nil, err
		}
		relayID, err := identity.ParseRelayID(rc.ID)
		if err != nil {
			return nil, fmt.Errorf("relay %q: %w", name, err)
		}
		path = append(path, tunnel.HopSpec{
			RelayID: relayID,
			Addr:    rc.Address,
			Port:    rc.Port,
		})
	}

	entry, err := n.relayByName(legCfg.Path[0])
	if err != nil {
		return nil, err
	}
	conn, err := n.dial(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", entry.Address, err)
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open cell stream: %w", err)
	}

	circ, err := n.tun.BuildLeg(ctx, channel.NewFramed(stream), path)
	if err != nil {
		conn.Close()
		return nil, err
	}

	n.mu.Lock()
	n.conns = append(n.conns, conn)
	n.mu.Unlock()
	return circ, nil
}

// dial connects to a relay over its configured transport.
func (n *Node) dial(ctx context.Context, rc *config.RelayConfig) (transport.PeerConn, error) {
	tr, ok := n.transports[transport.TransportType(rc.Transport)]
	if !ok {
		return nil, fmt.Errorf("unsupported transport %q", rc.Transport)
	}

	tlsConfig, err := n.clientTLS(rc)
	if err != nil {
		return nil, err
	}

	opts := transport.DefaultDialOptions()
	opts.TLSConfig = tlsConfig
	opts.Timeout = n.cfg.Timing.ConnectTimeout
	opts.Path = rc.Path
	opts.ProxyURL = rc.Proxy
	opts.ProxyUsername = rc.ProxyAuth.Username
	opts.ProxyPassword = rc.ProxyAuth.Password
	opts.FingerprintPreset = rc.Fingerprint

	n.log.Debug("dialing relay",
		logging.KeyAddress, rc.Address,
		logging.KeyTransport, rc.Transport,
	)
	return tr.Dial(ctx, rc.Address, opts)
}

// clientTLS builds the TLS configuration for one relay. Verification
// uses, in order of preference: certificate pinning, a configured CA,
// or none at all. Skipping verification is acceptable here because the
// onion layer authenticates every hop independently.
func (n *Node) clientTLS(rc *config.RelayConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{transport.DefaultALPNProtocol},
	}

	switch {
	case rc.TLS.Fingerprint != "":
		expected := rc.TLS.Fingerprint
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			if !certutil.VerifyFingerprint(cert, expected) {
				return errors.New("peer certificate fingerprint mismatch")
			}
			return nil
		}
	case rc.TLS.CA != "":
		pool, err := transport.LoadCAPool(rc.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("relay %q: %w", rc.Name, err)
		}
		cfg.RootCAs = pool
	default:
		cfg.InsecureSkipVerify = true
	}
	if rc.TLS.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}

	if rc.TLS.Cert != "" && rc.TLS.Key != "" {
		cert, err := tls.LoadX509KeyPair(rc.TLS.Cert, rc.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("relay %q client certificate: %w", rc.Name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (n *Node) relayByName(name string) (*config.RelayConfig, error) {
	for i := range n.cfg.Relays {
		if n.cfg.Relays[i].Name == name {
			return &n.cfg.Relays[i], nil
		}
	}
	return nil, fmt.Errorf("unknown relay %q", name)
}

// startMetrics serves the Prometheus endpoint.
func (n *Node) startMetrics() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         n.cfg.Metrics.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	n.metricsSrv = srv

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("metrics endpoint failed", logging.KeyError, err)
		}
	}()

	n.log.Info("metrics endpoint listening", logging.KeyAddress, n.cfg.Metrics.Address)
	return nil
}

// Open opens a data stream through the tunnel using the configured
// flow-control discipline.
func (n *Node) Open(ctx context.Context, addr string, port uint16) (*circuit.Stream, error) {
	return n.tun.Open(ctx, addr, port, discipline(n.cfg.Streams.FlowControl))
}

// Resolve performs a hostname lookup at the tunnel's far end.
func (n *Node) Resolve(ctx context.Context, hostname string) (*cell.Resolved, error) {
	return n.tun.Resolve(ctx, hostname)
}

// ID returns the node identity.
func (n *Node) ID() identity.RelayID { return n.id }

// IsRunning reports whether the node is up.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// StartedAt returns when the node came up.
func (n *Node) StartedAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// GetLegInfo reports per-leg state for the control interface.
func (n *Node) GetLegInfo() []control.LegInfo {
	legs := n.tun.Legs()
	out := make([]control.LegInfo, 0, len(legs))
	for _, leg := range legs {
		out = append(out, control.LegInfo{
			ID:      leg.ID,
			State:   leg.State,
			Hops:    leg.Hops,
			RTTMs:   leg.RTT.Milliseconds(),
			Streams: leg.Streams,
		})
	}
	return out
}

// RetireLeg excludes a leg from sending.
func (n *Node) RetireLeg(id int) error {
	return n.tun.RetireLegByID(id)
}

// Shutdown stops the node on behalf of the control interface.
func (n *Node) Shutdown() error {
	go n.Stop()
	return nil
}

// stopOperatorSurfaces shuts down the control socket and metrics
// endpoint.
func (n *Node) stopOperatorSurfaces() {
	if n.ctrl != nil {
		if err := n.ctrl.Stop(); err != nil {
			n.log.Warn("control socket stop failed", logging.KeyError, err)
		}
		n.ctrl = nil
	}
	if n.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.metricsSrv.Shutdown(ctx); err != nil {
			n.log.Warn("metrics endpoint stop failed", logging.KeyError, err)
		}
		n.metricsSrv = nil
	}
}

// Stop tears the node down: tunnel first, then connections, transports
// and operator surfaces.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.log.Info("node stopping")

		n.tun.Close()

		n.mu.Lock()
		conns := n.conns
		n.conns = nil
		n.running = false
		n.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
		for _, tr := range n.transports {
			tr.Close()
		}

		n.stopOperatorSurfaces()
		n.log.Info("node stopped")
	})
}

// Done is closed when the tunnel has shut down.
func (n *Node) Done() <-chan struct{} { return n.tun.Done() }

// desiredUX maps the configured preference onto its wire value.
func desiredUX(s string) uint8 {
	switch s {
	case "min_latency":
		return cell.UXMinLatency
	case "low_mem_latency":
		return cell.UXLowMemLatency
	case "high_throughput":
		return cell.UXHighThroughpt
	default:
		return cell.UXNoOpinion
	}
}

// discipline maps the configured flow-control mode onto its stream
// discipline.
func discipline(s string) flowctl.Discipline {
	if s == "xon_xoff" {
		return flowctl.DisciplineXonXoff
	}
	return flowctl.DisciplineWindow
}
