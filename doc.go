// Package lotusimbridge bridges a LOTUSim vessel-physics backend to a
// real-time renderer.
//
// # Architecture
//
// The backend runs asynchronously at its own tick rate and communicates
// over best-effort transports. The bridge absorbs network jitter, partial
// data and clock skew between backend simulation time and the local frame
// clock, and guarantees the frame loop never observes a torn world state.
//
// Data flows one direction per frame:
//
//	transport workers → staged outputs (guarded) → consumer drain → scene
//
// Two transports implement the backend contract:
//
//   - transport/udptcp: continuous vessel telemetry over UDP datagrams plus
//     a line-delimited TCP command channel with per-message acknowledgement
//   - transport/natsbus: NATS pub/sub subjects for pose batches, render
//     commands, actuator commands and simulation statistics, with
//     interpolation between the two most recent batches
//
// The bridge package holds the shared contract: the Backend interface, the
// Staging handoff area with one lock per staged field, and the Consumer
// that drains staged outputs in a fixed order once per frame. The gateway/ws
// package mirrors the resulting scene to WebSocket viewer clients.
//
// # Coordinate conventions
//
// The backend and the renderer disagree on axis order. The transform
// package converts between them: full poses swap the Y/Z axes and negate
// two quaternion components, command spawn positions use a single axis
// swap. Vessel names normalize path separators to namespace separators at
// ingest.
package lotusimbridge
