package bridge

import (
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// ActuatorScale converts a raw actuator speed (RPM) into a spin ratio in [0,1]
const ActuatorScale = 0.01

// Pose is a position plus unit-quaternion orientation. Values staged for the
// renderer are always in renderer convention; a VesselSnapshot carries the
// backend convention until the transform is applied at staging time.
type Pose struct {
	Position    mgl64.Vec3
	Orientation mgl64.Quat
}

// ActuatorSample is one actuator's raw commanded speed as reported by the backend
type ActuatorSample struct {
	Name  string
	Speed float64
}

// VesselSnapshot is one vessel's full state at one backend timestamp.
// Each telemetry message supersedes the previous snapshot wholesale; fields
// are never merged across messages.
type VesselSnapshot struct {
	Name      string
	Time      float64 // backend simulation clock, seconds
	Pose      Pose    // backend convention
	Actuators []ActuatorSample
}

// CreationRequest asks the consumer to instantiate an asset for a vessel
type CreationRequest struct {
	Asset string
	Spawn Pose
}

// NormalizeName converts a backend path-style vessel name ("fleet/alpha")
// into the namespace-separated form used everywhere else ("fleet.alpha").
func NormalizeName(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

// ActuatorKey builds the full actuator name ("vessel/actuator") used to key
// staged actuator ratios.
func ActuatorKey(vessel, actuator string) string {
	return vessel + "/" + actuator
}
