package natsbus

// Subject names appended to the configured namespace
const (
	subjectPoses     = "renderer_poses"
	subjectCommands  = "renderer_cmd"
	subjectActuators = "lotusim_vessel_array_cmd"
	subjectStats     = "sim_stats"
)

// Render command tags
const (
	opCreate  = 0
	opDelete  = 1
	opExplode = 2
)

// actuatorSuffix is the unit suffix stripped from actuator payload keys
const actuatorSuffix = "_rpm"

type wirePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type wireQuat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// poseBatch is one full snapshot of all vessels at a backend tick
type poseBatch struct {
	Header  batchHeader   `json:"header"`
	Vessels []vesselState `json:"vessels"`
}

type batchHeader struct {
	Stamp stamp `json:"stamp"`
}

type stamp struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// seconds flattens the two-field stamp into one float timestamp
func (s stamp) seconds() float64 {
	return float64(s.Sec) + float64(s.Nsec)*1e-9
}

type vesselState struct {
	Name     string    `json:"name"`
	Position wirePoint `json:"position"`
	Rotation wireQuat  `json:"rotation"`
}

// renderCommand is one create/delete/explode command, discriminated by tag
type renderCommand struct {
	Op   int        `json:"op"`
	Name string     `json:"name"`
	Type string     `json:"type,omitempty"`
	Pose *wirePoint `json:"pose,omitempty"`
}

// actuatorCommandBatch carries per-vessel actuator commands. Each payload is
// itself a JSON-encoded key→value map, kept as a string until Update parses
// it on the render thread.
type actuatorCommandBatch struct {
	Commands []vesselActuatorCommand `json:"commands"`
}

type vesselActuatorCommand struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

type simStats struct {
	RealTimeFactor float64 `json:"real_time_factor"`
}
