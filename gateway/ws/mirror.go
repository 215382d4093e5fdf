// Package ws provides a WebSocket scene mirror. It implements the scene
// contract consumed by the frame loop, keeps an in-memory model of the
// vessels, and broadcasts each frame's delta as JSON to connected viewer
// clients. New clients receive a full snapshot on connect.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/errors"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/metric"
)

// writeTimeout bounds a single broadcast write. Clients that cannot keep up
// are dropped rather than allowed to stall the frame loop.
const writeTimeout = time.Second

// Metrics holds Prometheus metrics for the scene mirror
type Metrics struct {
	clientsConnected prometheus.Gauge
	framesBroadcast  prometheus.Counter
	bytesSent        prometheus.Counter
	clientsDropped   prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "ws",
			Name:      "clients_connected",
			Help:      "Number of currently connected viewer clients",
		}),
		framesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "ws",
			Name:      "frames_broadcast_total",
			Help:      "Frame deltas broadcast to viewers",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "ws",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to viewer clients",
		}),
		clientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "ws",
			Name:      "clients_dropped_total",
			Help:      "Clients dropped for write failures or slowness",
		}),
	}

	const serviceName = "ws_mirror"
	_ = registry.RegisterGauge(serviceName, "clients_connected", metrics.clientsConnected)
	_ = registry.RegisterCounter(serviceName, "frames_broadcast", metrics.framesBroadcast)
	_ = registry.RegisterCounter(serviceName, "bytes_sent", metrics.bytesSent)
	_ = registry.RegisterCounter(serviceName, "clients_dropped", metrics.clientsDropped)

	return metrics
}

// Config holds configuration for the scene mirror server
type Config struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// DefaultConfig returns sensible defaults for the mirror
func DefaultConfig() Config {
	return Config{
		Port: 8081,
		Path: "/ws",
	}
}

// Deps holds runtime dependencies for the scene mirror
type Deps struct {
	Config          Config
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// clientInfo holds per-connection state. The write mutex serializes frame
// broadcasts with the close path.
type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMutex  sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
}

func (c *clientInfo) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
	})
}

// vesselRecord is the mirrored state of one vessel
type vesselRecord struct {
	Asset     string
	Pose      bridge.Pose
	Actuators map[string]float64
}

// Mirror keeps the render-side scene model and broadcasts frame deltas to
// WebSocket viewers. All scene mutations arrive on the frame goroutine;
// only the snapshot path reads the model from HTTP goroutines.
type Mirror struct {
	port   int
	path   string
	logger *slog.Logger

	sceneMu sync.Mutex
	vessels map[string]*vesselRecord

	// Delta accumulated since the last Frame call. Touched only by the
	// frame goroutine.
	delta frameDelta

	server   *http.Server
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	shutdown   chan struct{}
	running    atomic.Bool
	startTime  time.Time
	errorCount atomic.Int64
	metrics    *Metrics
}

var _ bridge.Scene = (*Mirror)(nil)

// New creates a scene mirror from its dependencies
func New(deps Deps) *Mirror {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ws_mirror")
	}

	cfg := deps.Config
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}

	return &Mirror{
		port:   cfg.Port,
		path:   cfg.Path,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		vessels:   make(map[string]*vesselRecord),
		clients:   make(map[*websocket.Conn]*clientInfo),
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint. Exposed
// so the mirror can be mounted on an existing server or an httptest server.
func (m *Mirror) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(m.path, m.handleWebSocket)
	return mux
}

// Start launches the viewer server. Idempotent when already running.
func (m *Mirror) Start(_ context.Context) error {
	if m.running.Load() {
		return nil
	}

	m.shutdown = make(chan struct{})
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.port),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	m.running.Store(true)
	m.startTime = time.Now()

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.errorCount.Add(1)
			m.logger.Error("Viewer server failed", "error", err)
		}
	}()

	m.logger.Info("Scene mirror started", "port", m.port, "path", m.path)
	return nil
}

// Stop shuts the server down and closes every client connection
func (m *Mirror) Stop(timeout time.Duration) error {
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	close(m.shutdown)

	m.clientsMu.Lock()
	for _, info := range m.clients {
		info.close()
	}
	m.clients = make(map[*websocket.Conn]*clientInfo)
	m.clientsMu.Unlock()

	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			return errors.WrapTransient(err, "ws_mirror", "Stop", "server shutdown")
		}
	}

	m.logger.Info("Scene mirror stopped")
	return nil
}

// Instantiate adds a vessel to the scene model
func (m *Mirror) Instantiate(name, asset string, spawn bridge.Pose) {
	m.sceneMu.Lock()
	m.vessels[name] = &vesselRecord{
		Asset:     asset,
		Pose:      spawn,
		Actuators: make(map[string]float64),
	}
	m.sceneMu.Unlock()

	m.delta.Created = append(m.delta.Created, creationEvent{
		Name:  name,
		Asset: asset,
		Pose:  posePayloadFrom(spawn),
	})
}

// Destroy removes a vessel from the scene model
func (m *Mirror) Destroy(name string) {
	m.sceneMu.Lock()
	delete(m.vessels, name)
	m.sceneMu.Unlock()

	m.delta.Destroyed = append(m.delta.Destroyed, name)
}

// Explode removes a vessel and tells viewers to play a destruction effect
func (m *Mirror) Explode(name string) {
	m.sceneMu.Lock()
	delete(m.vessels, name)
	m.sceneMu.Unlock()

	m.delta.Exploded = append(m.delta.Exploded, name)
}

// SetActuatorRatio records a spin ratio under the actuator's full name
func (m *Mirror) SetActuatorRatio(fullName string, ratio float64) {
	vessel, actuator, ok := strings.Cut(fullName, "/")
	if !ok {
		return
	}

	m.sceneMu.Lock()
	if record, exists := m.vessels[vessel]; exists {
		record.Actuators[actuator] = ratio
	}
	m.sceneMu.Unlock()

	if m.delta.Actuators == nil {
		m.delta.Actuators = make(map[string]float64)
	}
	m.delta.Actuators[fullName] = ratio
}

// ApplyPose updates a vessel's pose. Returns false when the vessel is not
// in the scene, letting the caller skip poses for not-yet-created vessels.
func (m *Mirror) ApplyPose(name string, pose bridge.Pose) bool {
	m.sceneMu.Lock()
	record, exists := m.vessels[name]
	if exists {
		record.Pose = pose
	}
	m.sceneMu.Unlock()

	if !exists {
		return false
	}

	if m.delta.Poses == nil {
		m.delta.Poses = make(map[string]posePayload)
	}
	m.delta.Poses[name] = posePayloadFrom(pose)
	return true
}

// Frame broadcasts the accumulated delta to all viewers and resets it.
// Empty frames are not broadcast.
func (m *Mirror) Frame(ratio float64) {
	delta := m.delta
	m.delta = frameDelta{}

	if delta.empty() {
		return
	}

	delta.Ratio = ratio
	delta.Timestamp = time.Now().UnixMilli()

	data, err := json.Marshal(frameMessage{Type: "frame", Frame: delta})
	if err != nil {
		m.errorCount.Add(1)
		m.logger.Error("Failed to encode frame delta", "error", err)
		return
	}

	m.broadcast(data)
	if m.metrics != nil {
		m.metrics.framesBroadcast.Inc()
	}
}

// VesselCount reports the number of vessels currently mirrored
func (m *Mirror) VesselCount() int {
	m.sceneMu.Lock()
	defer m.sceneMu.Unlock()
	return len(m.vessels)
}

// ClientCount reports the number of connected viewers
func (m *Mirror) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func (m *Mirror) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.errorCount.Add(1)
		m.logger.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	info := &clientInfo{conn: conn, connectedAt: time.Now()}

	// Snapshot before registration, so the client never sees a delta for
	// state it does not have.
	if err := m.sendSnapshot(info); err != nil {
		m.logger.Warn("Snapshot send failed", "error", err, "remote", r.RemoteAddr)
		info.close()
		return
	}

	m.clientsMu.Lock()
	m.clients[conn] = info
	m.clientsMu.Unlock()

	if m.metrics != nil {
		m.metrics.clientsConnected.Inc()
	}
	m.logger.Debug("Viewer connected", "remote", r.RemoteAddr)

	go m.readLoop(info)
}

// sendSnapshot writes the full scene model to a newly connected client
func (m *Mirror) sendSnapshot(info *clientInfo) error {
	m.sceneMu.Lock()
	vessels := make(map[string]snapshotVessel, len(m.vessels))
	for name, record := range m.vessels {
		actuators := make(map[string]float64, len(record.Actuators))
		for k, v := range record.Actuators {
			actuators[k] = v
		}
		vessels[name] = snapshotVessel{
			Asset:     record.Asset,
			Pose:      posePayloadFrom(record.Pose),
			Actuators: actuators,
		}
	}
	m.sceneMu.Unlock()

	data, err := json.Marshal(snapshotMessage{Type: "snapshot", Vessels: vessels})
	if err != nil {
		return err
	}
	return m.writeToClient(info, data)
}

// readLoop discards inbound messages until the connection errors, then
// removes the client. Viewers are write-only from the mirror's perspective.
func (m *Mirror) readLoop(info *clientInfo) {
	for {
		if _, _, err := info.conn.ReadMessage(); err != nil {
			m.removeClient(info)
			return
		}
	}
}

func (m *Mirror) removeClient(info *clientInfo) {
	m.clientsMu.Lock()
	_, present := m.clients[info.conn]
	delete(m.clients, info.conn)
	m.clientsMu.Unlock()

	info.close()

	if present && m.metrics != nil {
		m.metrics.clientsConnected.Dec()
	}
}

// broadcast writes one message to every client, dropping clients whose
// write fails or times out
func (m *Mirror) broadcast(data []byte) {
	m.clientsMu.RLock()
	targets := make([]*clientInfo, 0, len(m.clients))
	for _, info := range m.clients {
		targets = append(targets, info)
	}
	m.clientsMu.RUnlock()

	for _, info := range targets {
		if err := m.writeToClient(info, data); err != nil {
			m.logger.Debug("Dropping slow viewer", "error", err)
			if m.metrics != nil {
				m.metrics.clientsDropped.Inc()
			}
			m.removeClient(info)
		}
	}
}

func (m *Mirror) writeToClient(info *clientInfo, data []byte) error {
	if info.closed.Load() {
		return fmt.Errorf("connection closed")
	}

	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()

	_ = info.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := info.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.bytesSent.Add(float64(len(data)))
	}
	return nil
}
