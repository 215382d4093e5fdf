// Package transport instantiates and starts a backend transport from a
// configured kind. The set of kinds is closed: adding a transport means
// adding a Kind constant and a case to the factory switch.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/bridge"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/errors"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/metric"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/transport/natsbus"
	"github.com/IRL-Crossing-CNRS/lotusim-bridge/transport/udptcp"
)

// Kind selects one of the concrete backend transports
type Kind int

const (
	// KindUDPTCP is the datagram telemetry + stream command transport
	KindUDPTCP Kind = iota
	// KindNATS is the pub/sub transport
	KindNATS
)

func (k Kind) String() string {
	switch k {
	case KindUDPTCP:
		return "udptcp"
	case KindNATS:
		return "nats"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a transport kind, case-insensitive
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "udptcp":
		return KindUDPTCP, nil
	case "nats":
		return KindNATS, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownTransport, name),
			"transport", "ParseKind", "kind lookup")
	}
}

// Deps carries everything either transport might need. Only the fields the
// selected kind uses are read.
type Deps struct {
	Name            string
	Namespace       string
	Clock           bridge.FrameClock
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry

	// KindUDPTCP only
	UDPTCP udptcp.Config

	// KindNATS only
	NATSClient natsbus.Subscriber
}

// New builds, initializes and starts the transport for the given kind.
// Callers receive either a running backend or an error, never a partially
// started instance.
func New(ctx context.Context, kind Kind, deps Deps) (bridge.Backend, error) {
	var backend bridge.Backend

	switch kind {
	case KindUDPTCP:
		backend = udptcp.New(udptcp.Deps{
			Name:            deps.Name,
			Config:          deps.UDPTCP,
			Clock:           deps.Clock,
			Logger:          deps.Logger,
			MetricsRegistry: deps.MetricsRegistry,
		})
	case KindNATS:
		backend = natsbus.New(natsbus.Deps{
			Name:            deps.Name,
			Client:          deps.NATSClient,
			Clock:           deps.Clock,
			Logger:          deps.Logger,
			MetricsRegistry: deps.MetricsRegistry,
		})
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownTransport, kind),
			"transport", "New", "kind dispatch")
	}

	if err := backend.Initialize(); err != nil {
		return nil, errors.Wrap(err, "transport", "New", "initialization")
	}
	if err := backend.Start(ctx, deps.Namespace); err != nil {
		return nil, errors.Wrap(err, "transport", "New", "startup")
	}

	return backend, nil
}

// Swap performs a one-shot reconfiguration: it stops the old backend, then
// builds and starts a replacement for the new kind and namespace. The old
// backend is stopped even when starting the replacement fails, so the
// caller is never left with two live transports.
func Swap(ctx context.Context, old bridge.Backend, stopTimeout time.Duration, kind Kind, deps Deps) (bridge.Backend, error) {
	if old != nil {
		if err := old.Stop(stopTimeout); err != nil {
			return nil, errors.Wrap(err, "transport", "Swap", "old transport shutdown")
		}
	}
	return New(ctx, kind, deps)
}
