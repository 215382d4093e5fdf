// Package bridge defines the contract between backend transports and the
// renderer-side consumer.
//
// A Backend is one connection to the LOTUSim physics backend. Transports
// ingest telemetry and commands on their own schedule (worker goroutines or
// messaging callbacks) and write into a Staging area; the render thread calls
// Update once per frame and then drains the staged outputs in a fixed order
// through a Consumer. Each staged field is guarded independently, so a drain
// observes the most recently completed write for that field and nothing is
// ever seen half-updated.
//
// The bridge tolerates loss and reordering across fields: a pose may arrive
// for a vessel the scene has not instantiated yet. The consumer skips it; the
// next telemetry tick resupplies the pose once the vessel exists.
package bridge
