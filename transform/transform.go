// Package transform converts poses between the backend's right-handed
// convention and the renderer's left-handed, up-axis-swapped convention.
//
// Two conversion formulas coexist on purpose. ToRendererPose is the full pose
// transform applied to telemetry; CommandPositionToRenderer is the
// position-only single-swap variant the inbound command protocol documents.
// Both swap the same axes but they are kept as distinctly named functions
// pending product clarification - do not unify them.
package transform

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
)

// ToRendererPose converts a backend-convention pose into renderer convention.
// Position: renderer (x,y,z) = backend (x,z,y). Orientation: the two swapped
// axis components are negated, the remaining axis and scalar pass through.
// The result is normalized; backend sources do not guarantee unit quaternions.
//
// Apply exactly once per ingested pose. The mapping is involutive, so a
// double application silently hands back the backend pose.
func ToRendererPose(p bridge.Pose) bridge.Pose {
	q := p.Orientation
	return bridge.Pose{
		Position: mgl64.Vec3{p.Position.X(), p.Position.Z(), p.Position.Y()},
		Orientation: mgl64.Quat{
			W: q.W,
			V: mgl64.Vec3{q.V.X(), -q.V.Z(), -q.V.Y()},
		}.Normalize(),
	}
}

// ToBackendPose converts a renderer-convention pose back into backend
// convention. Used by tests and by any consumer echoing poses to the backend.
func ToBackendPose(p bridge.Pose) bridge.Pose {
	q := p.Orientation
	return bridge.Pose{
		Position: mgl64.Vec3{p.Position.X(), p.Position.Z(), p.Position.Y()},
		Orientation: mgl64.Quat{
			W: q.W,
			V: mgl64.Vec3{q.V.X(), -q.V.Z(), -q.V.Y()},
		}.Normalize(),
	}
}

// CommandPositionToRenderer converts an inbound command spawn position:
// renderer (x,y,z) = backend (x,z,y). This is the command protocol's
// documented single-swap variant, not the full pose transform.
func CommandPositionToRenderer(v mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{v.X(), v.Z(), v.Y()}
}
