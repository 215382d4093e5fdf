package udptcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
)

// batchMarker identifies a datagram carrying a vessel batch. Datagrams
// without it are other backend broadcast traffic and are ignored silently.
const batchMarker = `"VesselsInfo"`

// Telemetry wire format, backend convention
type vesselBatch struct {
	VesselsInfo []vesselRecord `json:"VesselsInfo"`
}

type vesselRecord struct {
	Name      string           `json:"name"`
	Time      float64          `json:"time"`
	Position  wirePoint        `json:"position"`
	Rotation  wireQuat         `json:"rotation"`
	Thrusters []thrusterRecord `json:"thrusters"`
}

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

type thrusterRecord struct {
	Name string  `json:"name"`
	RPM  float64 `json:"rpm"`
}

// telemetryLoop receives datagrams until shutdown. A short read deadline
// keeps the loop responsive to the shutdown flag; closing the socket from
// Stop unblocks it immediately.
func (t *Transport) telemetryLoop(ctx context.Context) {
	buf := make([]byte, 65536)

	for t.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-t.shutdown:
			return
		default:
		}

		t.mu.RLock()
		conn := t.udpConn
		t.mu.RUnlock()
		if conn == nil || !t.running.Load() {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-t.shutdown:
				return
			default:
				t.errorCount.Add(1)
				continue
			}
		}

		if t.metrics != nil {
			t.metrics.datagramsReceived.Inc()
			t.metrics.lastActivity.Set(float64(time.Now().Unix()))
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.ingestDatagram(data)
	}
}

// ingestDatagram parses a vessel batch and replaces the current telemetry
// list wholesale. A parse failure discards this datagram and the loop moves
// on to the next one.
func (t *Transport) ingestDatagram(data []byte) {
	if !bytes.Contains(data, []byte(batchMarker)) {
		return
	}

	var batch vesselBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		t.errorCount.Add(1)
		if t.metrics != nil {
			t.metrics.parseFailures.Inc()
		}
		t.logger.Warn("Discarding malformed telemetry datagram", "error", err)
		return
	}

	vessels := make([]bridge.VesselSnapshot, 0, len(batch.VesselsInfo))
	for _, rec := range batch.VesselsInfo {
		vessels = append(vessels, snapshotFromRecord(rec))
	}

	t.telemetryMu.Lock()
	t.vessels = vessels
	t.telemetryMu.Unlock()

	if t.metrics != nil {
		t.metrics.vesselsTracked.Set(float64(len(vessels)))
	}
}

// snapshotFromRecord converts one wire record, normalizing the path-style
// name. The pose stays in backend convention; the transform is applied when
// Update stages it.
func snapshotFromRecord(rec vesselRecord) bridge.VesselSnapshot {
	actuators := make([]bridge.ActuatorSample, 0, len(rec.Thrusters))
	for _, th := range rec.Thrusters {
		actuators = append(actuators, bridge.ActuatorSample{
			Name:  th.Name,
			Speed: th.RPM,
		})
	}

	return bridge.VesselSnapshot{
		Name: bridge.NormalizeName(rec.Name),
		Time: rec.Time,
		Pose: bridge.Pose{
			Position: mgl64.Vec3{rec.Position.X, rec.Position.Y, rec.Position.Z},
			Orientation: mgl64.Quat{
				W: rec.Rotation.W,
				V: mgl64.Vec3{rec.Rotation.X, rec.Rotation.Y, rec.Rotation.Z},
			},
		},
		Actuators: actuators,
	}
}
