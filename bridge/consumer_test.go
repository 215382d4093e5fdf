package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend stages canned data when pumped
type fakeBackend struct {
	staging *Staging
	ratio   float64
	pump    func(*Staging)
	updates int
}

func newFakeBackend(ratio float64, pump func(*Staging)) *fakeBackend {
	return &fakeBackend{staging: NewStaging(), ratio: ratio, pump: pump}
}

func (f *fakeBackend) Initialize() error                   { return nil }
func (f *fakeBackend) Start(context.Context, string) error { return nil }
func (f *fakeBackend) Stop(time.Duration) error            { return nil }
func (f *fakeBackend) InterpolationRatio() float64         { return f.ratio }
func (f *fakeBackend) Staging() *Staging                   { return f.staging }
func (f *fakeBackend) Meta() Metadata                      { return Metadata{Name: "fake"} }
func (f *fakeBackend) Health() HealthStatus                { return HealthStatus{Healthy: true} }

func (f *fakeBackend) Update() {
	f.updates++
	if f.pump != nil {
		f.pump(f.staging)
	}
}

// recordingScene records every call in order
type recordingScene struct {
	calls  []string
	known  map[string]bool
	frames []float64
}

func newRecordingScene() *recordingScene {
	return &recordingScene{known: make(map[string]bool)}
}

func (r *recordingScene) Instantiate(name, asset string, _ Pose) {
	r.calls = append(r.calls, "create:"+name+":"+asset)
	r.known[name] = true
}

func (r *recordingScene) Destroy(name string) {
	r.calls = append(r.calls, "destroy:"+name)
	delete(r.known, name)
}

func (r *recordingScene) Explode(name string) {
	r.calls = append(r.calls, "explode:"+name)
	delete(r.known, name)
}

func (r *recordingScene) SetActuatorRatio(fullName string, _ float64) {
	r.calls = append(r.calls, "actuator:"+fullName)
}

func (r *recordingScene) ApplyPose(name string, _ Pose) bool {
	if !r.known[name] {
		return false
	}
	r.calls = append(r.calls, "pose:"+name)
	return true
}

func (r *recordingScene) Frame(ratio float64) {
	r.frames = append(r.frames, ratio)
	r.calls = append(r.calls, "frame")
}

func TestConsumerDrainOrder(t *testing.T) {
	backend := newFakeBackend(1.0, func(s *Staging) {
		s.QueueCreate("alpha", CreationRequest{Asset: "tug"})
		s.QueueExplode("old")
		s.QueueDestroy("gone")
		s.SetActuatorRatio("alpha/t1", 0.5)
		s.SetPose("alpha", Pose{Position: mgl64.Vec3{1, 2, 3}})
	})
	scene := newRecordingScene()
	consumer := NewConsumer(backend, scene, nil, nil)

	consumer.Frame()

	require.Equal(t, []string{
		"create:alpha:tug",
		"explode:old",
		"destroy:gone",
		"actuator:alpha/t1",
		"pose:alpha",
		"frame",
	}, scene.calls)
	assert.Equal(t, 1, backend.updates)
	assert.Equal(t, uint64(1), consumer.Frames())
}

func TestConsumerSkipsUnknownVesselPose(t *testing.T) {
	backend := newFakeBackend(1.0, func(s *Staging) {
		s.SetPose("ghost", Pose{})
	})
	scene := newRecordingScene()
	consumer := NewConsumer(backend, scene, nil, nil)

	consumer.Frame()

	// The pose was dropped, the frame hook still fired
	assert.Equal(t, []string{"frame"}, scene.calls)
}

func TestConsumerPassesRatioToScene(t *testing.T) {
	backend := newFakeBackend(0.42, nil)
	scene := newRecordingScene()
	consumer := NewConsumer(backend, scene, nil, nil)

	consumer.Frame()
	consumer.Frame()

	assert.Equal(t, []float64{0.42, 0.42}, scene.frames)
}

func TestConsumerTicksClock(t *testing.T) {
	clock := NewWallClock()
	backend := newFakeBackend(1.0, nil)
	consumer := NewConsumer(backend, newRecordingScene(), clock, nil)

	consumer.Frame()
	time.Sleep(5 * time.Millisecond)
	consumer.Frame()

	assert.Greater(t, clock.Delta(), 0.0)
}

func TestWallClockDefaults(t *testing.T) {
	clock := NewWallClock()
	assert.InDelta(t, 1.0/60.0, clock.Delta(), 1e-9)
	assert.GreaterOrEqual(t, clock.Now(), 0.0)
}
