// Package config loads and validates the bridge configuration from JSON
// files, with environment variable overrides for deployment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/IRL-Crossing-CNRS/lotusim-bridge/errors"
)

// Transport kind names accepted in configuration
const (
	TransportUDPTCP = "udptcp"
	TransportNATS   = "nats"
)

// Config represents the complete bridge configuration
type Config struct {
	Version   string          `json:"version"`
	Namespace string          `json:"namespace"`
	Transport string          `json:"transport"`
	Telemetry TelemetryConfig `json:"telemetry"`
	NATS      NATSConfig      `json:"nats"`
	Ops       OpsConfig       `json:"ops"`
	Viewer    ViewerConfig    `json:"viewer"`
	Frame     FrameConfig     `json:"frame"`
}

// TelemetryConfig configures the UDP/TCP transport's shared port
type TelemetryConfig struct {
	Port int    `json:"port"`
	Bind string `json:"bind"`
}

// NATSConfig configures the pub/sub transport's broker connection
type NATSConfig struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// OpsConfig configures the metrics/health HTTP server
type OpsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// ViewerConfig configures the WebSocket scene mirror
type ViewerConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// FrameConfig configures the consumer frame loop
type FrameConfig struct {
	Rate float64 `json:"rate"` // frames per second
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Version:   "1.0.0",
		Namespace: "lotusim",
		Transport: TransportUDPTCP,
		Telemetry: TelemetryConfig{
			Port: 8400,
			Bind: "0.0.0.0",
		},
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "lotusim-bridge",
		},
		Ops: OpsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Viewer: ViewerConfig{
			Port: 8081,
			Path: "/ws",
		},
		Frame: FrameConfig{
			Rate: 60,
		},
	}
}

// Validate checks the configuration for internal consistency
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Config", "Validate", "namespace validation")
	}

	switch strings.ToLower(c.Transport) {
	case TransportUDPTCP, TransportNATS:
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: %q", errors.ErrUnknownTransport, c.Transport),
			"Config", "Validate", "transport validation")
	}

	if c.Telemetry.Port < 0 || c.Telemetry.Port > 65535 {
		return errors.WrapFatal(
			fmt.Errorf("%w: telemetry port %d", errors.ErrInvalidConfig, c.Telemetry.Port),
			"Config", "Validate", "telemetry port validation")
	}

	if c.Transport == TransportNATS && c.NATS.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Config", "Validate", "NATS URL validation")
	}

	if c.Ops.Port < 0 || c.Ops.Port > 65535 {
		return errors.WrapFatal(
			fmt.Errorf("%w: ops port %d", errors.ErrInvalidConfig, c.Ops.Port),
			"Config", "Validate", "ops port validation")
	}

	if c.Frame.Rate <= 0 || c.Frame.Rate > 1000 {
		return errors.WrapFatal(
			fmt.Errorf("%w: frame rate %v", errors.ErrInvalidConfig, c.Frame.Rate),
			"Config", "Validate", "frame rate validation")
	}

	return nil
}

// Loader loads configuration files
type Loader struct{}

// NewLoader creates a configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile loads configuration from a JSON file, applies environment
// overrides, and fills unset fields with defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "LoadFile", "read config file")
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "LoadFile", "parse config file")
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file settings
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGE_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("BRIDGE_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("BRIDGE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("BRIDGE_TELEMETRY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_OPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Ops.Port = port
		}
	}
}
