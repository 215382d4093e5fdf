package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
)

func testPose(x, y, z float64) bridge.Pose {
	return bridge.Pose{
		Position:    mgl64.Vec3{x, y, z},
		Orientation: mgl64.QuatIdent(),
	}
}

func dialMirror(t *testing.T, m *Mirror) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(m.Handler())
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}

	return conn, func() {
		_ = conn.Close()
		server.Close()
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func msgType(t *testing.T, msg map[string]json.RawMessage) string {
	t.Helper()
	var kind string
	require.NoError(t, json.Unmarshal(msg["type"], &kind))
	return kind
}

func TestSceneModel(t *testing.T) {
	m := New(Deps{})

	m.Instantiate("a.b", "tug", testPose(1, 2, 3))
	assert.Equal(t, 1, m.VesselCount())

	assert.True(t, m.ApplyPose("a.b", testPose(4, 5, 6)))
	assert.False(t, m.ApplyPose("unknown", testPose(0, 0, 0)),
		"poses for vessels outside the scene are skipped")

	m.SetActuatorRatio("a.b/t1", 0.5)
	assert.Equal(t, 0.5, m.vessels["a.b"].Actuators["t1"])

	m.Destroy("a.b")
	assert.Equal(t, 0, m.VesselCount())
}

func TestExplodeRemovesVessel(t *testing.T) {
	m := New(Deps{})
	m.Instantiate("a", "tug", testPose(0, 0, 0))

	m.Explode("a")
	assert.Equal(t, 0, m.VesselCount())
	assert.Contains(t, m.delta.Exploded, "a")
}

func TestSetActuatorRatioIgnoresMalformedName(t *testing.T) {
	m := New(Deps{})
	m.SetActuatorRatio("no-separator", 0.5)
	assert.Nil(t, m.delta.Actuators)
}

func TestSnapshotOnConnect(t *testing.T) {
	m := New(Deps{})
	m.Instantiate("a.b", "tug", testPose(1, 2, 3))
	m.delta = frameDelta{} // connect-time snapshot carries state, not deltas

	conn, cleanup := dialMirror(t, m)
	defer cleanup()

	msg := readMessage(t, conn)
	require.Equal(t, "snapshot", msgType(t, msg))

	var vessels map[string]snapshotVessel
	require.NoError(t, json.Unmarshal(msg["vessels"], &vessels))
	require.Contains(t, vessels, "a.b")
	assert.Equal(t, "tug", vessels["a.b"].Asset)
	assert.Equal(t, [3]float64{1, 2, 3}, vessels["a.b"].Pose.Position)
}

func TestFrameBroadcast(t *testing.T) {
	m := New(Deps{})

	conn, cleanup := dialMirror(t, m)
	defer cleanup()
	readMessage(t, conn) // empty snapshot

	m.Instantiate("a.b", "tug", testPose(1, 2, 3))
	m.ApplyPose("a.b", testPose(4, 5, 6))
	m.SetActuatorRatio("a.b/t1", 0.25)
	m.Frame(0.5)

	msg := readMessage(t, conn)
	require.Equal(t, "frame", msgType(t, msg))

	var frame frameDelta
	require.NoError(t, json.Unmarshal(msg["frame"], &frame))
	require.Len(t, frame.Created, 1)
	assert.Equal(t, "a.b", frame.Created[0].Name)
	assert.Equal(t, [3]float64{4, 5, 6}, frame.Poses["a.b"].Position)
	assert.Equal(t, 0.25, frame.Actuators["a.b/t1"])
	assert.Equal(t, 0.5, frame.Ratio)

	// Delta reset after broadcast
	assert.True(t, m.delta.empty())
}

func TestEmptyFrameNotBroadcast(t *testing.T) {
	m := New(Deps{})

	conn, cleanup := dialMirror(t, m)
	defer cleanup()
	readMessage(t, conn) // snapshot

	m.Frame(0.5)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no message expected for an empty frame")
}

func TestDisconnectedClientRemoved(t *testing.T) {
	m := New(Deps{})

	conn, cleanup := dialMirror(t, m)
	defer cleanup()
	readMessage(t, conn)

	require.Equal(t, 1, m.ClientCount())
	_ = conn.Close()

	assert.Eventually(t, func() bool {
		return m.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopWithoutStart(t *testing.T) {
	m := New(Deps{})
	require.NoError(t, m.Stop(time.Second))
}
