// Package natsbus implements the pub/sub backend transport. It subscribes
// to four namespace-scoped subjects carrying pose batches, render commands,
// actuator commands and simulation statistics, and blends consecutive pose
// batches on the render thread so the display stays smooth when the backend
// publishes at a rate decoupled from the frame rate.
package natsbus
