package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClock struct {
	now   float64
	delta float64
}

func (c stubClock) Now() float64   { return c.now }
func (c stubClock) Delta() float64 { return c.delta }

// fakeBus records subscriptions so tests can drive handlers directly
type fakeBus struct {
	handlers map[string]func(context.Context, []byte)
	err      error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func(context.Context, []byte))}
}

func (b *fakeBus) Subscribe(_ context.Context, subject string, handler func(context.Context, []byte)) error {
	if b.err != nil {
		return b.err
	}
	b.handlers[subject] = handler
	return nil
}

func newTestTransport(clock stubClock) (*Transport, *fakeBus) {
	bus := newFakeBus()
	tr := New(Deps{Name: "natsbus-test", Client: bus, Clock: clock})
	return tr, bus
}

func batchMessage(sec int64, vessels ...vesselState) []byte {
	b := poseBatch{
		Header:  batchHeader{Stamp: stamp{Sec: sec}},
		Vessels: vessels,
	}
	data, err := json.Marshal(b)
	if err != nil {
		panic(err)
	}
	return data
}

func TestStartSubscribesNamespacedSubjects(t *testing.T) {
	tr, bus := newTestTransport(stubClock{delta: 1.0 / 60.0})
	require.NoError(t, tr.Initialize())
	require.NoError(t, tr.Start(context.Background(), "lotusim"))

	assert.Len(t, bus.handlers, 4)
	for _, subject := range []string{
		"lotusim.renderer_poses",
		"lotusim.renderer_cmd",
		"lotusim.lotusim_vessel_array_cmd",
		"lotusim.sim_stats",
	} {
		assert.Contains(t, bus.handlers, subject)
	}

	// Second start is a no-op
	require.NoError(t, tr.Start(context.Background(), "other"))
	assert.Len(t, bus.handlers, 4)
}

func TestStartSubscriptionFailure(t *testing.T) {
	bus := newFakeBus()
	bus.err = fmt.Errorf("no connection")
	tr := New(Deps{Client: bus, Clock: stubClock{delta: 1.0 / 60.0}})

	err := tr.Start(context.Background(), "lotusim")
	require.Error(t, err)
	assert.False(t, tr.running.Load())
}

func TestInitializeValidation(t *testing.T) {
	require.Error(t, New(Deps{Clock: stubClock{}}).Initialize())
	require.Error(t, New(Deps{Client: newFakeBus()}).Initialize())
	require.NoError(t, New(Deps{Client: newFakeBus(), Clock: stubClock{}}).Initialize())
}

func TestPoseBatchPairLifecycle(t *testing.T) {
	tr, _ := newTestTransport(stubClock{delta: 1.0 / 60.0})

	first := batchMessage(10, vesselState{Name: "a", Position: wirePoint{X: 1}})
	tr.handlePoseBatch(context.Background(), first)

	// First message seeds both slots
	require.NotNil(t, tr.current)
	require.NotNil(t, tr.previous)
	assert.Equal(t, tr.current, tr.previous)

	second := batchMessage(11, vesselState{Name: "a", Position: wirePoint{X: 2}})
	tr.handlePoseBatch(context.Background(), second)

	assert.Equal(t, int64(11), tr.current.Header.Stamp.Sec)
	assert.Equal(t, int64(10), tr.previous.Header.Stamp.Sec)
}

func TestPoseBatchParseFailure(t *testing.T) {
	tr, _ := newTestTransport(stubClock{delta: 1.0 / 60.0})

	tr.handlePoseBatch(context.Background(), []byte("not json"))
	assert.Equal(t, int64(1), tr.errorCount.Load())
	assert.Nil(t, tr.current)
}

func TestInterpolationRatio(t *testing.T) {
	identity := wireQuat{W: 1}

	t.Run("no batch yet", func(t *testing.T) {
		tr, _ := newTestTransport(stubClock{now: 5, delta: 1.0 / 60.0})
		assert.Equal(t, ratioNeutral, tr.InterpolationRatio())
	})

	t.Run("render clock behind the stamp", func(t *testing.T) {
		tr, _ := newTestTransport(stubClock{now: 5, delta: 1.0 / 60.0})
		tr.handlePoseBatch(context.Background(),
			batchMessage(10, vesselState{Name: "a", Rotation: identity}))
		assert.Equal(t, ratioNeutral, tr.InterpolationRatio())
	})

	t.Run("render clock past the stamp clamps to the floor", func(t *testing.T) {
		// The lag numerator is negative once render time passes the
		// stamp, so the floor dominates in steady state.
		tr, _ := newTestTransport(stubClock{now: 20, delta: 1.0 / 60.0})
		tr.handlePoseBatch(context.Background(),
			batchMessage(10, vesselState{Name: "a", Rotation: identity}))
		assert.Equal(t, ratioFloor, tr.InterpolationRatio())
	})

	t.Run("always within the clamp bounds after any batch", func(t *testing.T) {
		for _, now := range []float64{0, 9.99, 10.0, 10.01, 1000} {
			tr, _ := newTestTransport(stubClock{now: now, delta: 1.0 / 60.0})
			tr.handlePoseBatch(context.Background(),
				batchMessage(10, vesselState{Name: "a", Rotation: identity}))
			ratio := tr.InterpolationRatio()
			assert.GreaterOrEqual(t, ratio, ratioFloor, "now=%v", now)
			assert.LessOrEqual(t, ratio, ratioCeil, "now=%v", now)
		}
	})
}

func TestUpdateBlendsPoses(t *testing.T) {
	// Render clock behind the stamp: ratio is exactly 0.5
	tr, _ := newTestTransport(stubClock{now: 5, delta: 1.0 / 60.0})
	ctx := context.Background()

	identity := wireQuat{W: 1}
	tr.handlePoseBatch(ctx, batchMessage(9,
		vesselState{Name: "ship/one", Position: wirePoint{X: 0, Y: 0, Z: 0}, Rotation: identity}))
	tr.handlePoseBatch(ctx, batchMessage(10,
		vesselState{Name: "ship/one", Position: wirePoint{X: 10, Y: 20, Z: 30}, Rotation: identity},
		vesselState{Name: "ship/two", Position: wirePoint{X: 1, Y: 2, Z: 3}, Rotation: identity}))

	tr.Update()

	poses := tr.Staging().DrainPoses()
	require.Len(t, poses, 2)

	// Midpoint in backend coordinates, then axis-swapped for the renderer
	blended := poses["ship.one"]
	assert.InDelta(t, 5.0, blended.Position.X(), 1e-12)
	assert.InDelta(t, 15.0, blended.Position.Y(), 1e-12)
	assert.InDelta(t, 10.0, blended.Position.Z(), 1e-12)

	// Absent from the previous batch: current pose used directly
	fresh := poses["ship.two"]
	assert.Equal(t, mgl64.Vec3{1, 3, 2}, fresh.Position)
}

func TestUpdateDispatchesRenderCommands(t *testing.T) {
	tr, _ := newTestTransport(stubClock{now: 5, delta: 1.0 / 60.0})
	ctx := context.Background()

	tr.handleRenderCommand(ctx,
		[]byte(`{"op":0,"name":"fleet/alpha","type":"tug","pose":{"x":10,"y":20,"z":30}}`))
	tr.handleRenderCommand(ctx, []byte(`{"op":1,"name":"fleet/beta"}`))
	tr.handleRenderCommand(ctx, []byte(`{"op":2,"name":"fleet/gamma"}`))
	tr.handleRenderCommand(ctx, []byte(`{"op":9,"name":"fleet/delta"}`))

	tr.Update()

	creations := tr.Staging().DrainCreations()
	require.Contains(t, creations, "fleet.alpha")
	assert.Equal(t, "tug", creations["fleet.alpha"].Asset)
	assert.Equal(t, mgl64.Vec3{10, 30, 20}, creations["fleet.alpha"].Spawn.Position)

	assert.ElementsMatch(t, []string{"fleet.beta"}, tr.Staging().DrainDestroys())
	assert.ElementsMatch(t, []string{"fleet.gamma"}, tr.Staging().DrainExplosions())

	// Unknown tag dropped without side effect
	assert.NotContains(t, creations, "fleet.delta")
}

func TestRenderCommandRejectsMissingName(t *testing.T) {
	tr, _ := newTestTransport(stubClock{delta: 1.0 / 60.0})

	tr.handleRenderCommand(context.Background(), []byte(`{"op":1}`))
	assert.Equal(t, int64(1), tr.errorCount.Load())
	assert.Empty(t, tr.commands)
}

func TestActuatorUpsertLastWins(t *testing.T) {
	tr, _ := newTestTransport(stubClock{now: 5, delta: 1.0 / 60.0})
	ctx := context.Background()

	tr.handleActuatorBatch(ctx, []byte(
		`{"commands":[{"name":"ship/one","payload":"{\"t1_rpm\":10}"}]}`))
	tr.handleActuatorBatch(ctx, []byte(
		`{"commands":[{"name":"ship/one","payload":"{\"t1_rpm\":50,\"t2_rpm\":100}"}]}`))

	tr.Update()

	ratios := tr.Staging().DrainActuatorRatios()
	require.Len(t, ratios, 2)
	assert.Equal(t, 0.5, ratios["ship.one/t1"])
	assert.Equal(t, 1.0, ratios["ship.one/t2"])
}

func TestActuatorPayloadParseFailure(t *testing.T) {
	tr, _ := newTestTransport(stubClock{delta: 1.0 / 60.0})

	tr.handleActuatorBatch(context.Background(),
		[]byte(`{"commands":[{"name":"ship/one","payload":"not a map"}]}`))
	tr.Update()

	assert.Empty(t, tr.Staging().DrainActuatorRatios())
	assert.Equal(t, int64(1), tr.errorCount.Load())
}

func TestSimStats(t *testing.T) {
	tr, _ := newTestTransport(stubClock{delta: 1.0 / 60.0})

	assert.Equal(t, 0.0, tr.RealTimeFactor())

	tr.handleSimStats(context.Background(), []byte(`{"real_time_factor":0.93}`))
	assert.Equal(t, 0.93, tr.RealTimeFactor())
}

func TestStopIdempotent(t *testing.T) {
	tr, _ := newTestTransport(stubClock{delta: 1.0 / 60.0})
	require.NoError(t, tr.Start(context.Background(), "lotusim"))

	require.NoError(t, tr.Stop(time.Second))
	assert.False(t, tr.Health().Healthy)
	require.NoError(t, tr.Stop(time.Second))
}
