package udptcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/errors"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/metric"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/pkg/retry"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/transform"
)

// Metrics holds Prometheus metrics for the UDP/TCP transport
type Metrics struct {
	datagramsReceived prometheus.Counter
	parseFailures     prometheus.Counter
	commandsAccepted  prometheus.Counter
	commandsRejected  prometheus.Counter
	vesselsTracked    prometheus.Gauge
	lastActivity      prometheus.Gauge
}

// newMetrics creates and registers transport metrics.
// Returns nil if no registry is provided (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry, port int) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "udptcp",
			Name:      "datagrams_received_total",
			Help:      "Total telemetry datagrams received",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "udptcp",
			Name:      "parse_failures_total",
			Help:      "Messages discarded due to parse failure",
		}),
		commandsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "udptcp",
			Name:      "commands_accepted_total",
			Help:      "Commands acknowledged on the stream channel",
		}),
		commandsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "udptcp",
			Name:      "commands_rejected_total",
			Help:      "Commands rejected with a failure token",
		}),
		vesselsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "udptcp",
			Name:      "vessels_tracked",
			Help:      "Vessel count in the current telemetry batch",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "udptcp",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of last received datagram",
		}),
	}

	serviceName := fmt.Sprintf("udptcp_%d", port)
	_ = registry.RegisterCounter(serviceName, "datagrams_received", metrics.datagramsReceived)
	_ = registry.RegisterCounter(serviceName, "parse_failures", metrics.parseFailures)
	_ = registry.RegisterCounter(serviceName, "commands_accepted", metrics.commandsAccepted)
	_ = registry.RegisterCounter(serviceName, "commands_rejected", metrics.commandsRejected)
	_ = registry.RegisterGauge(serviceName, "vessels_tracked", metrics.vesselsTracked)
	_ = registry.RegisterGauge(serviceName, "last_activity", metrics.lastActivity)

	return metrics
}

// Config holds configuration for the UDP/TCP transport. The datagram and
// stream listeners share one port number, one per protocol.
type Config struct {
	Port int    `json:"port"`
	Bind string `json:"bind"`
}

// DefaultConfig returns sensible defaults for the transport
func DefaultConfig() Config {
	return Config{
		Port: 8400,
		Bind: "0.0.0.0",
	}
}

// Validate implements config validation for the transport
func (c Config) Validate() error {
	// 0 is allowed for OS auto-assignment
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port),
			"udptcp", "Validate", "port validation")
	}
	return nil
}

// Deps holds runtime dependencies for the UDP/TCP transport
type Deps struct {
	Name            string
	Config          Config
	Clock           bridge.FrameClock
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Transport bridges the backend's datagram telemetry and stream commands
// into staged outputs for the render thread.
type Transport struct {
	name   string
	port   int
	bind   string
	clock  bridge.FrameClock
	logger *slog.Logger

	staging     *bridge.Staging
	retryConfig retry.Config

	// Current telemetry batch, replaced wholesale per datagram
	telemetryMu sync.Mutex
	vessels     []bridge.VesselSnapshot

	// Commands queued by the stream listener, drained by Update
	commandMu sync.Mutex
	commands  []commandMessage

	// Sockets
	udpConn  *net.UDPConn
	listener net.Listener
	clientMu sync.Mutex
	client   net.Conn

	// Lifecycle management
	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup

	errorCount atomic.Int64
	metrics    *Metrics
}

// Ensure Transport satisfies the backend contract
var _ bridge.Backend = (*Transport)(nil)

// New creates a UDP/TCP transport from its dependencies
func New(deps Deps) *Transport {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "udptcp", "port", deps.Config.Port)
	}

	return &Transport{
		name:        deps.Name,
		port:        deps.Config.Port,
		bind:        deps.Config.Bind,
		clock:       deps.Clock,
		logger:      logger,
		staging:     bridge.NewStaging(),
		retryConfig: retry.DefaultConfig(),
		startTime:   time.Now(),
		metrics:     newMetrics(deps.MetricsRegistry, deps.Config.Port),
	}
}

// Meta returns the transport metadata
func (t *Transport) Meta() bridge.Metadata {
	name := t.name
	if name == "" {
		name = fmt.Sprintf("udptcp-%d", t.port)
	}

	return bridge.Metadata{
		Name:        name,
		Type:        "transport",
		Description: fmt.Sprintf("UDP telemetry + TCP command transport on %s:%d", t.bind, t.port),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the transport
func (t *Transport) Health() bridge.HealthStatus {
	t.mu.RLock()
	running := t.running.Load()
	bound := t.udpConn != nil && t.listener != nil
	t.mu.RUnlock()

	return bridge.HealthStatus{
		Healthy:    running && bound,
		LastCheck:  time.Now(),
		ErrorCount: int(t.errorCount.Load()),
		Uptime:     time.Since(t.startTime),
	}
}

// Staging exposes the staged outputs for the consumer
func (t *Transport) Staging() *bridge.Staging {
	return t.staging
}

// Port returns the bound datagram port. Useful when the config requested
// port 0 and the OS picked one.
func (t *Transport) Port() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.port
}

// Initialize validates the transport before any sockets are opened
func (t *Transport) Initialize() error {
	if t.port < 0 || t.port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", t.port),
			"udptcp", "Initialize", "port validation")
	}
	if t.clock == nil {
		return errors.WrapInvalid(fmt.Errorf("nil frame clock"),
			"udptcp", "Initialize", "clock validation")
	}
	return nil
}

// Start binds both sockets and launches the two worker loops. Idempotent when
// already running. The namespace only affects name normalization, which this
// transport applies at parse time, so it is logged and otherwise unused.
func (t *Transport) Start(ctx context.Context, namespace string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return nil
	}

	t.shutdown = make(chan struct{})
	t.done = make(chan struct{})

	if err := retry.Do(ctx, t.retryConfig, t.bindSockets); err != nil {
		t.cleanupUnlocked()
		return errors.WrapTransient(err, "udptcp", "Start", "socket binding")
	}

	t.running.Store(true)
	t.startTime = time.Now()

	t.logger.Info("Transport started",
		"namespace", namespace,
		"bind", t.bind,
		"port", t.port)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.telemetryLoop(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.commandLoop(ctx)
	}()
	go func() {
		t.wg.Wait()
		close(t.done)
	}()

	return nil
}

// bindSockets creates the datagram socket and the stream listener on the
// same port number. With a requested port of 0, the datagram bind picks the
// port and the stream listener follows it.
func (t *Transport) bindSockets() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", t.bind, t.port))
	if err != nil {
		return fmt.Errorf("resolve UDP address %s:%d: %w", t.bind, t.port, err)
	}

	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP port %d: %w", t.port, err)
	}

	boundPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.bind, boundPort))
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("listen on TCP port %d: %w", boundPort, err)
	}

	t.udpConn = udpConn
	t.listener = listener
	t.port = boundPort
	return nil
}

// Update drains queued commands into staging, then stages the current
// telemetry batch when the interpolation ratio allows motion. Runs on the
// render goroutine; never blocks on I/O and never propagates failures.
func (t *Transport) Update() {
	t.commandMu.Lock()
	commands := t.commands
	t.commands = nil
	t.commandMu.Unlock()

	for _, cmd := range commands {
		t.dispatchCommand(cmd)
	}

	ratio := t.InterpolationRatio()
	if ratio <= 0 {
		return
	}

	t.telemetryMu.Lock()
	vessels := t.vessels
	t.telemetryMu.Unlock()

	for _, v := range vessels {
		t.staging.SetPose(v.Name, transform.ToRendererPose(v.Pose))
		for _, a := range v.Actuators {
			t.staging.SetActuatorRatio(
				bridge.ActuatorKey(v.Name, a.Name),
				a.Speed*bridge.ActuatorScale)
		}
	}
}

// InterpolationRatio compares the current batch's backend timestamp against
// the render clock. It is positive only while the backend reports a time
// ahead of the render clock, so it acts as a startup throttle rather than a
// continuous blend: once the render clock catches up it stays at 0.
func (t *Transport) InterpolationRatio() float64 {
	t.telemetryMu.Lock()
	defer t.telemetryMu.Unlock()

	if len(t.vessels) == 0 {
		return 0
	}

	backendTime := t.vessels[0].Time
	renderTime := t.clock.Now()
	if backendTime > renderTime {
		return (backendTime - renderTime) / t.clock.Delta()
	}
	return 0
}

// Stop signals both worker loops, closes the sockets they block on, and
// joins them. Returns a transient error when the workers do not exit within
// the timeout.
func (t *Transport) Stop(timeout time.Duration) error {
	if !t.running.Load() {
		return nil
	}
	t.running.Store(false)

	t.mu.Lock()
	if t.shutdown != nil {
		select {
		case <-t.shutdown:
		default:
			close(t.shutdown)
		}
	}
	if t.udpConn != nil {
		_ = t.udpConn.Close()
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Unlock()

	t.closeClient()

	select {
	case <-t.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"udptcp", "Stop", "graceful shutdown")
	}

	t.cleanup()
	return nil
}

func (t *Transport) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupUnlocked()
}

// cleanupUnlocked cleans up resources without acquiring the mutex.
// Used when the mutex is already held (e.g. in Start).
func (t *Transport) cleanupUnlocked() {
	if t.shutdown != nil {
		select {
		case <-t.shutdown:
		default:
			close(t.shutdown)
		}
		t.shutdown = nil
	}
	t.done = nil
	if t.udpConn != nil {
		_ = t.udpConn.Close()
		t.udpConn = nil
	}
	if t.listener != nil {
		_ = t.listener.Close()
		t.listener = nil
	}
}

// closeClient closes the active command connection, if any. Safe to call
// from a goroutine other than the one reading it.
func (t *Transport) closeClient() {
	t.clientMu.Lock()
	if t.client != nil {
		_ = t.client.Close()
	}
	t.clientMu.Unlock()
}

func (t *Transport) setClient(conn net.Conn) {
	t.clientMu.Lock()
	t.client = conn
	t.clientMu.Unlock()
}
