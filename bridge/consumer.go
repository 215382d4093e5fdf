package bridge

import "log/slog"

// Scene is the renderer-side collaborator the consumer drives. Implementations
// own the scene graph; the consumer guarantees no staging lock is held while a
// Scene method runs.
type Scene interface {
	// Instantiate spawns the named asset at the given renderer-convention pose
	Instantiate(name, asset string, spawn Pose)

	// Destroy removes a vessel from the scene
	Destroy(name string)

	// Explode spawns a destruction effect for a vessel, then removes it
	Explode(name string)

	// SetActuatorRatio applies a spin ratio to the actuator with the given
	// full name ("vessel/actuator")
	SetActuatorRatio(fullName string, ratio float64)

	// ApplyPose applies a pose to a vessel. It returns false when the vessel
	// is not (yet) in the scene; the pose is dropped and resupplied by the
	// next telemetry tick.
	ApplyPose(name string, pose Pose) bool

	// Frame is called once at the end of every drain cycle with the
	// transport's interpolation ratio, which the scene may use as a second,
	// local smoothing factor.
	Frame(ratio float64)
}

// Consumer drains a backend's staged outputs once per render frame, in a
// fixed order: pump, creations, explosions, destructions, actuator ratios,
// poses. A create and a delete staged for the same vessel in the same frame
// both reach the scene; resolving that race is the scene's responsibility.
type Consumer struct {
	backend Backend
	scene   Scene
	clock   *WallClock
	logger  *slog.Logger

	frames uint64
}

// NewConsumer wires a backend to a scene. clock may be nil if the frame loop
// ticks a clock of its own.
func NewConsumer(backend Backend, scene Scene, clock *WallClock, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default().With("component", "consumer")
	}
	return &Consumer{
		backend: backend,
		scene:   scene,
		clock:   clock,
		logger:  logger,
	}
}

// Frame runs one full pump-and-drain cycle
func (c *Consumer) Frame() {
	if c.clock != nil {
		c.clock.Tick()
	}

	c.backend.Update()
	staging := c.backend.Staging()

	for name, req := range staging.DrainCreations() {
		c.scene.Instantiate(name, req.Asset, req.Spawn)
	}

	for _, name := range staging.DrainExplosions() {
		c.scene.Explode(name)
	}

	for _, name := range staging.DrainDestroys() {
		c.scene.Destroy(name)
	}

	for fullName, ratio := range staging.DrainActuatorRatios() {
		c.scene.SetActuatorRatio(fullName, ratio)
	}

	ratio := c.backend.InterpolationRatio()
	dropped := 0
	for name, pose := range staging.DrainPoses() {
		if !c.scene.ApplyPose(name, pose) {
			dropped++
		}
	}
	if dropped > 0 {
		c.logger.Debug("Dropped poses for vessels not yet in scene", "count", dropped)
	}

	c.scene.Frame(ratio)
	c.frames++
}

// Frames returns the number of completed drain cycles
func (c *Consumer) Frames() uint64 {
	return c.frames
}
