package ws

import "github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"

// Viewer wire format. Every message carries a type discriminator so clients
// can dispatch without sniffing fields.

type posePayload struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"` // x, y, z, w
}

func posePayloadFrom(p bridge.Pose) posePayload {
	return posePayload{
		Position: [3]float64{p.Position.X(), p.Position.Y(), p.Position.Z()},
		Rotation: [4]float64{p.Orientation.V.X(), p.Orientation.V.Y(), p.Orientation.V.Z(), p.Orientation.W},
	}
}

type creationEvent struct {
	Name  string      `json:"name"`
	Asset string      `json:"asset"`
	Pose  posePayload `json:"pose"`
}

// frameDelta is everything that changed since the previous frame
type frameDelta struct {
	Created   []creationEvent        `json:"created,omitempty"`
	Destroyed []string               `json:"destroyed,omitempty"`
	Exploded  []string               `json:"exploded,omitempty"`
	Poses     map[string]posePayload `json:"poses,omitempty"`
	Actuators map[string]float64     `json:"actuators,omitempty"`
	Ratio     float64                `json:"ratio"`
	Timestamp int64                  `json:"timestamp"`
}

func (d frameDelta) empty() bool {
	return len(d.Created) == 0 &&
		len(d.Destroyed) == 0 &&
		len(d.Exploded) == 0 &&
		len(d.Poses) == 0 &&
		len(d.Actuators) == 0
}

type frameMessage struct {
	Type  string     `json:"type"`
	Frame frameDelta `json:"frame"`
}

type snapshotVessel struct {
	Asset     string             `json:"asset"`
	Pose      posePayload        `json:"pose"`
	Actuators map[string]float64 `json:"actuators"`
}

type snapshotMessage struct {
	Type    string                    `json:"type"`
	Vessels map[string]snapshotVessel `json:"vessels"`
}
