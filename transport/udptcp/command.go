package udptcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/transform"
)

// Acknowledgement tokens written back per command message
const (
	ackOK   = "ok\n"
	ackFail = "er\n"
)

// Command kinds accepted on the stream channel
const (
	cmdCreate  = "create"
	cmdDelete  = "delete"
	cmdExplode = "explode"
)

// commandMessage is one line-delimited JSON command from the backend
type commandMessage struct {
	Cmd  string     `json:"cmd"`
	Name string     `json:"name"`
	Type string     `json:"type,omitempty"`
	Pose *wirePoint `json:"pose,omitempty"`
}

// commandLoop accepts one client connection at a time and serves it until it
// closes, then re-accepts. Closing the listener from Stop unblocks Accept.
func (t *Transport) commandLoop(ctx context.Context) {
	for t.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-t.shutdown:
			return
		default:
		}

		t.mu.RLock()
		listener := t.listener
		t.mu.RUnlock()
		if listener == nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
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

		t.setClient(conn)
		t.serveCommands(conn)
		t.setClient(nil)
		_ = conn.Close()
	}
}

// serveCommands reads line-delimited commands from a single client. A parse
// failure earns a failure token and the connection stays open for the next
// message; only stream exhaustion or shutdown ends the session.
func (t *Transport) serveCommands(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)

	for scanner.Scan() {
		select {
		case <-t.shutdown:
			return
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		cmd, err := parseCommand(line)
		if err != nil {
			t.errorCount.Add(1)
			if t.metrics != nil {
				t.metrics.commandsRejected.Inc()
			}
			t.logger.Warn("Rejecting malformed command", "error", err)
			_, _ = conn.Write([]byte(ackFail))
			continue
		}

		t.commandMu.Lock()
		t.commands = append(t.commands, cmd)
		t.commandMu.Unlock()

		if t.metrics != nil {
			t.metrics.commandsAccepted.Inc()
		}
		_, _ = conn.Write([]byte(ackOK))
	}
}

// parseCommand validates one command line. Required fields must be present;
// kind validity is checked later at dispatch so an unknown kind is still
// acknowledged and then dropped with a log line.
func parseCommand(line []byte) (commandMessage, error) {
	var cmd commandMessage
	if err := json.Unmarshal(line, &cmd); err != nil {
		return commandMessage{}, fmt.Errorf("decode command: %w", err)
	}

	if cmd.Cmd == "" {
		return commandMessage{}, fmt.Errorf("command missing cmd field")
	}
	if cmd.Name == "" {
		return commandMessage{}, fmt.Errorf("command missing name field")
	}
	if cmd.Cmd == cmdCreate && cmd.Type == "" {
		return commandMessage{}, fmt.Errorf("create command missing type field")
	}

	return cmd, nil
}

// dispatchCommand stages one queued command. Runs on the render goroutine.
func (t *Transport) dispatchCommand(cmd commandMessage) {
	name := bridge.NormalizeName(cmd.Name)

	switch cmd.Cmd {
	case cmdCreate:
		spawn := bridge.Pose{Orientation: mgl64.QuatIdent()}
		if cmd.Pose != nil {
			spawn.Position = transform.CommandPositionToRenderer(
				mgl64.Vec3{cmd.Pose.X, cmd.Pose.Y, cmd.Pose.Z})
		}
		t.staging.QueueCreate(name, bridge.CreationRequest{
			Asset: cmd.Type,
			Spawn: spawn,
		})
	case cmdDelete:
		t.staging.QueueDestroy(name)
	case cmdExplode:
		t.staging.QueueExplode(name)
	default:
		t.logger.Warn("Dropping command with unknown kind", "kind", cmd.Cmd, "name", cmd.Name)
	}
}
