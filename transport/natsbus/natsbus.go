package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/errors"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/metric"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/transform"
)

// Blend ratio bounds. The floor and ceiling are smoothing tunables, not
// derived from any timing model.
const (
	ratioFloor   = 0.2
	ratioCeil    = 0.8
	ratioNeutral = 0.5
)

// Subscriber is the slice of the messaging client the transport needs.
// Satisfied by *natsclient.Client.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Metrics holds Prometheus metrics for the pub/sub transport
type Metrics struct {
	batchesReceived  prometheus.Counter
	commandsReceived prometheus.Counter
	actuatorBatches  prometheus.Counter
	parseFailures    prometheus.Counter
	blendRatio       prometheus.Gauge
	realTimeFactor   prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		batchesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "natsbus",
			Name:      "pose_batches_total",
			Help:      "Total pose batches received",
		}),
		commandsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "natsbus",
			Name:      "render_commands_total",
			Help:      "Total render commands received",
		}),
		actuatorBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "natsbus",
			Name:      "actuator_batches_total",
			Help:      "Total actuator command batches received",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "natsbus",
			Name:      "parse_failures_total",
			Help:      "Messages discarded due to parse failure",
		}),
		blendRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "natsbus",
			Name:      "blend_ratio",
			Help:      "Interpolation ratio computed on the last frame",
		}),
		realTimeFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "natsbus",
			Name:      "real_time_factor",
			Help:      "Real-time factor last reported by the backend",
		}),
	}

	const serviceName = "natsbus"
	_ = registry.RegisterCounter(serviceName, "pose_batches", metrics.batchesReceived)
	_ = registry.RegisterCounter(serviceName, "render_commands", metrics.commandsReceived)
	_ = registry.RegisterCounter(serviceName, "actuator_batches", metrics.actuatorBatches)
	_ = registry.RegisterCounter(serviceName, "parse_failures", metrics.parseFailures)
	_ = registry.RegisterGauge(serviceName, "blend_ratio", metrics.blendRatio)
	_ = registry.RegisterGauge(serviceName, "real_time_factor", metrics.realTimeFactor)

	return metrics
}

// Deps holds runtime dependencies for the pub/sub transport
type Deps struct {
	Name            string
	Client          Subscriber
	Clock           bridge.FrameClock
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Transport bridges the backend's pub/sub topics into staged outputs for
// the render thread. Message delivery runs on the messaging client's
// goroutines; all scene-facing work happens in Update.
type Transport struct {
	name   string
	client Subscriber
	clock  bridge.FrameClock
	logger *slog.Logger

	staging *bridge.Staging

	// Two most recent pose batches, replaced per message
	batchMu  sync.Mutex
	current  *poseBatch
	previous *poseBatch

	// Render commands queued by subscription callbacks, drained by Update
	commandMu sync.Mutex
	commands  []renderCommand

	// Actuator payloads keyed by vessel name, last message per vessel wins
	actuatorMu sync.Mutex
	actuators  map[string]string

	statsMu sync.Mutex
	stats   simStats

	running    atomic.Bool
	startTime  time.Time
	errorCount atomic.Int64
	metrics    *Metrics
}

var _ bridge.Backend = (*Transport)(nil)

// New creates a pub/sub transport from its dependencies
func New(deps Deps) *Transport {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "natsbus")
	}

	return &Transport{
		name:      deps.Name,
		client:    deps.Client,
		clock:     deps.Clock,
		logger:    logger,
		staging:   bridge.NewStaging(),
		actuators: make(map[string]string),
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
}

// Meta returns the transport metadata
func (t *Transport) Meta() bridge.Metadata {
	name := t.name
	if name == "" {
		name = "natsbus"
	}

	return bridge.Metadata{
		Name:        name,
		Type:        "transport",
		Description: "NATS pub/sub transport for pose batches, render commands and actuator commands",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the transport
func (t *Transport) Health() bridge.HealthStatus {
	return bridge.HealthStatus{
		Healthy:    t.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(t.errorCount.Load()),
		Uptime:     time.Since(t.startTime),
	}
}

// Staging exposes the staged outputs for the consumer
func (t *Transport) Staging() *bridge.Staging {
	return t.staging
}

// Initialize validates the transport before any subscriptions are made
func (t *Transport) Initialize() error {
	if t.client == nil {
		return errors.WrapInvalid(fmt.Errorf("nil messaging client"),
			"natsbus", "Initialize", "client validation")
	}
	if t.clock == nil {
		return errors.WrapInvalid(fmt.Errorf("nil frame clock"),
			"natsbus", "Initialize", "clock validation")
	}
	return nil
}

// Start subscribes to the four namespace-scoped subjects. Idempotent when
// already running.
func (t *Transport) Start(ctx context.Context, namespace string) error {
	if t.running.Load() {
		return nil
	}

	subs := []struct {
		subject string
		handler func(context.Context, []byte)
	}{
		{subjectPoses, t.handlePoseBatch},
		{subjectCommands, t.handleRenderCommand},
		{subjectActuators, t.handleActuatorBatch},
		{subjectStats, t.handleSimStats},
	}

	for _, s := range subs {
		subject := namespace + "." + s.subject
		if err := t.client.Subscribe(ctx, subject, s.handler); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: %s: %w", errors.ErrSubscriptionFailed, subject, err),
				"natsbus", "Start", "subject subscription")
		}
		t.logger.Debug("Subscribed", "subject", subject)
	}

	t.running.Store(true)
	t.startTime = time.Now()
	t.logger.Info("Transport started", "namespace", namespace)
	return nil
}

// handlePoseBatch replaces the batch pair: previous takes the old current,
// or the new batch itself when this is the first message.
func (t *Transport) handlePoseBatch(_ context.Context, data []byte) {
	var batch poseBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		t.recordParseFailure("pose batch", err)
		return
	}

	t.batchMu.Lock()
	if t.current == nil {
		t.previous = &batch
	} else {
		t.previous = t.current
	}
	t.current = &batch
	t.batchMu.Unlock()

	if t.metrics != nil {
		t.metrics.batchesReceived.Inc()
	}
}

func (t *Transport) handleRenderCommand(_ context.Context, data []byte) {
	var cmd renderCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		t.recordParseFailure("render command", err)
		return
	}
	if cmd.Name == "" {
		t.recordParseFailure("render command", fmt.Errorf("missing name field"))
		return
	}

	t.commandMu.Lock()
	t.commands = append(t.commands, cmd)
	t.commandMu.Unlock()

	if t.metrics != nil {
		t.metrics.commandsReceived.Inc()
	}
}

// handleActuatorBatch upserts payloads by vessel name. Payload strings are
// held verbatim and parsed on the render thread.
func (t *Transport) handleActuatorBatch(_ context.Context, data []byte) {
	var batch actuatorCommandBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		t.recordParseFailure("actuator batch", err)
		return
	}

	t.actuatorMu.Lock()
	for _, cmd := range batch.Commands {
		if cmd.Name == "" {
			continue
		}
		t.actuators[bridge.NormalizeName(cmd.Name)] = cmd.Payload
	}
	t.actuatorMu.Unlock()

	if t.metrics != nil {
		t.metrics.actuatorBatches.Inc()
	}
}

func (t *Transport) handleSimStats(_ context.Context, data []byte) {
	var stats simStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.recordParseFailure("sim stats", err)
		return
	}

	t.statsMu.Lock()
	t.stats = stats
	t.statsMu.Unlock()

	if t.metrics != nil {
		t.metrics.realTimeFactor.Set(stats.RealTimeFactor)
	}
}

func (t *Transport) recordParseFailure(what string, err error) {
	t.errorCount.Add(1)
	if t.metrics != nil {
		t.metrics.parseFailures.Inc()
	}
	t.logger.Warn("Discarding unparseable message", "kind", what, "error", err)
}

// Update drains queued render commands, blends the two most recent pose
// batches toward the interpolation ratio, and stages the parsed actuator
// payloads. Runs on the render goroutine; never blocks on I/O.
func (t *Transport) Update() {
	t.commandMu.Lock()
	commands := t.commands
	t.commands = nil
	t.commandMu.Unlock()

	for _, cmd := range commands {
		t.dispatchCommand(cmd)
	}

	ratio := t.InterpolationRatio()
	if t.metrics != nil {
		t.metrics.blendRatio.Set(ratio)
	}
	if ratio > 0 {
		t.stagePoses(ratio)
	}

	t.stageActuators()
}

// dispatchCommand stages one queued command by tag
func (t *Transport) dispatchCommand(cmd renderCommand) {
	name := bridge.NormalizeName(cmd.Name)

	switch cmd.Op {
	case opCreate:
		spawn := bridge.Pose{Orientation: mgl64.QuatIdent()}
		if cmd.Pose != nil {
			spawn.Position = transform.CommandPositionToRenderer(
				mgl64.Vec3{cmd.Pose.X, cmd.Pose.Y, cmd.Pose.Z})
		}
		t.staging.QueueCreate(name, bridge.CreationRequest{
			Asset: cmd.Type,
			Spawn: spawn,
		})
	case opDelete:
		t.staging.QueueDestroy(name)
	case opExplode:
		t.staging.QueueExplode(name)
	default:
		t.logger.Warn("Dropping command with unknown tag", "tag", cmd.Op, "name", cmd.Name)
	}
}

// stagePoses blends previous → current per vessel and stages the result.
// Vessels absent from the previous batch use the current pose directly.
func (t *Transport) stagePoses(ratio float64) {
	t.batchMu.Lock()
	current := t.current
	previous := t.previous
	t.batchMu.Unlock()

	if current == nil {
		return
	}

	var prevByName map[string]vesselState
	if previous != nil {
		prevByName = make(map[string]vesselState, len(previous.Vessels))
		for _, v := range previous.Vessels {
			prevByName[v.Name] = v
		}
	}

	for _, v := range current.Vessels {
		pose := poseFromState(v)
		if prev, ok := prevByName[v.Name]; ok {
			pose = blendPoses(poseFromState(prev), pose, ratio)
		}
		t.staging.SetPose(bridge.NormalizeName(v.Name), transform.ToRendererPose(pose))
	}
}

func poseFromState(v vesselState) bridge.Pose {
	return bridge.Pose{
		Position: mgl64.Vec3{v.Position.X, v.Position.Y, v.Position.Z},
		Orientation: mgl64.Quat{
			W: v.Rotation.W,
			V: mgl64.Vec3{v.Rotation.X, v.Rotation.Y, v.Rotation.Z},
		},
	}
}

// blendPoses linearly interpolates position and spherically interpolates
// rotation from prev toward cur
func blendPoses(prev, cur bridge.Pose, ratio float64) bridge.Pose {
	return bridge.Pose{
		Position:    prev.Position.Add(cur.Position.Sub(prev.Position).Mul(ratio)),
		Orientation: mgl64.QuatSlerp(prev.Orientation, cur.Orientation, ratio),
	}
}

// stageActuators parses each vessel's payload map, strips the unit suffix
// from keys, and stages scaled ratios
func (t *Transport) stageActuators() {
	t.actuatorMu.Lock()
	pending := t.actuators
	t.actuators = make(map[string]string)
	t.actuatorMu.Unlock()

	for vessel, payload := range pending {
		var values map[string]float64
		if err := json.Unmarshal([]byte(payload), &values); err != nil {
			t.recordParseFailure("actuator payload", err)
			continue
		}
		for key, raw := range values {
			actuator := strings.TrimSuffix(key, actuatorSuffix)
			t.staging.SetActuatorRatio(
				bridge.ActuatorKey(vessel, actuator),
				raw*bridge.ActuatorScale)
		}
	}
}

// InterpolationRatio always blends: 0.5 until render time passes the current
// batch's stamp, then the clamped lag ratio. With render time ahead of the
// stamp the numerator is negative, so the floor dominates in steady state;
// the display lags but never freezes and never snaps.
func (t *Transport) InterpolationRatio() float64 {
	t.batchMu.Lock()
	defer t.batchMu.Unlock()

	if t.current == nil {
		return ratioNeutral
	}

	batchTime := t.current.Header.Stamp.seconds()
	renderTime := t.clock.Now()
	if renderTime > batchTime {
		ratio := (batchTime - renderTime) / t.clock.Delta()
		if ratio < ratioFloor {
			return ratioFloor
		}
		if ratio > ratioCeil {
			return ratioCeil
		}
		return ratio
	}
	return ratioNeutral
}

// RealTimeFactor returns the last real-time factor published on the
// statistics subject, or 0 before the first message
func (t *Transport) RealTimeFactor() float64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats.RealTimeFactor
}

// Stop flips the running flag. Subscription teardown belongs to the
// messaging client, which the composition root owns and closes; message
// delivery after Stop only touches staged fields that the consumer will
// drain or discard.
func (t *Transport) Stop(_ time.Duration) error {
	if !t.running.Load() {
		return nil
	}
	t.running.Store(false)
	t.logger.Info("Transport stopped")
	return nil
}
