// Package udptcp implements the socket transport to the physics backend: a
// datagram listener for continuous vessel telemetry and a stream listener on
// the same port number for discrete JSON commands.
//
// Each listener runs on its own goroutine started by Start. Telemetry
// datagrams carrying a vessel batch replace the previous batch wholesale;
// commands are queued and dispatched into staging by the per-frame Update.
// The command listener accepts one client at a time, acknowledges every
// message with a short token, and keeps the connection open across malformed
// messages.
package udptcp
