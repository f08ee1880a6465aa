package feedbackbridge

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalidFrequency is returned when a publish frequency yields no usable period.
var ErrInvalidFrequency = errors.New("publish frequency must give a period of at least 1ms")

// BridgeConfig configures one TelemetryBridge.
type BridgeConfig struct {
	RobotID            string
	PublishFrequencyHz float64
	Simulation         bool
	Wheels             WheelGeometry
}

// PublishPeriod is the odometry publish period. The requested frequency is
// doubled before the period is taken, and the result is truncated to whole
// milliseconds, to match deployed robots.
func (c BridgeConfig) PublishPeriod() time.Duration {
	if c.PublishFrequencyHz <= 0 {
		return 0
	}
	ms := int64(1000.0 / (2 * c.PublishFrequencyHz))
	return time.Duration(ms) * time.Millisecond
}

// Validate checks the config can start a publish loop.
func (c BridgeConfig) Validate() error {
	if c.RobotID == "" {
		return errors.New("robot id is required")
	}
	if c.PublishPeriod() <= 0 {
		return fmt.Errorf("%w: got %vHz", ErrInvalidFrequency, c.PublishFrequencyHz)
	}
	if c.Wheels.MetersPerTick <= 0 || c.Wheels.WheelBase <= 0 {
		return errors.New("wheel geometry must be positive")
	}
	return nil
}

// Config is the attribute block of the feedback bridge component.
type Config struct {
	RobotID            string  `json:"robot_id"`
	PublishFrequencyHz float64 `json:"publish_frequency_hz"`
	ListenAddress      string  `json:"listen_address"`
	Simulation         bool    `json:"simulation"`
	LogDir             string  `json:"log_dir"`
	MetersPerTick      float64 `json:"meters_per_tick"`
	WheelBase          float64 `json:"wheel_base_m"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.RobotID == "" {
		return nil, nil, fmt.Errorf("%s: need a robot_id", path)
	}
	if cfg.PublishFrequencyHz <= 0 {
		return nil, nil, fmt.Errorf("%s: need a positive publish_frequency_hz", path)
	}
	if !cfg.Simulation && cfg.ListenAddress == "" {
		return nil, nil, fmt.Errorf("%s: need a listen_address unless simulation is set", path)
	}
	return nil, nil, nil
}

// BridgeConfig fills in wheel defaults.
func (cfg *Config) BridgeConfig() BridgeConfig {
	wheels := DefaultWheelGeometry
	if cfg.MetersPerTick > 0 {
		wheels.MetersPerTick = cfg.MetersPerTick
	}
	if cfg.WheelBase > 0 {
		wheels.WheelBase = cfg.WheelBase
	}
	return BridgeConfig{
		RobotID:            cfg.RobotID,
		PublishFrequencyHz: cfg.PublishFrequencyHz,
		Simulation:         cfg.Simulation,
		Wheels:             wheels,
	}
}

// AgentConfig is one robot entry in a fleet file.
type AgentConfig struct {
	ID            string `yaml:"id"`
	ListenAddress string `yaml:"listen_address"`
}

// FleetConfig describes every robot served by one process.
type FleetConfig struct {
	Simulation         bool          `yaml:"simulation"`
	PublishFrequencyHz float64       `yaml:"publish_frequency_hz"`
	LogDir             string        `yaml:"log_dir"`
	Agents             []AgentConfig `yaml:"agents"`
}

// LoadFleetConfig reads and validates a YAML fleet file.
func LoadFleetConfig(path string) (*FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet config %s: %w", path, err)
	}
	return ParseFleetConfig(data)
}

// ParseFleetConfig decodes and validates YAML fleet config.
func ParseFleetConfig(data []byte) (*FleetConfig, error) {
	cfg := &FleetConfig{PublishFrequencyHz: 10}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse fleet config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fleet config validation failed: %w", err)
	}
	return cfg, nil
}

func (cfg *FleetConfig) Validate() error {
	if len(cfg.Agents) == 0 {
		return errors.New("no agents configured")
	}
	seen := map[string]bool{}
	for i, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d: missing id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	bc := BridgeConfig{RobotID: cfg.Agents[0].ID, PublishFrequencyHz: cfg.PublishFrequencyHz, Wheels: DefaultWheelGeometry}
	return bc.Validate()
}

// BridgeConfig returns the bridge config for one agent.
func (cfg *FleetConfig) BridgeConfig(agent AgentConfig) BridgeConfig {
	return BridgeConfig{
		RobotID:            agent.ID,
		PublishFrequencyHz: cfg.PublishFrequencyHz,
		Simulation:         cfg.Simulation,
		Wheels:             DefaultWheelGeometry,
	}
}
