package feedbackbridge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestPublishPeriodDoublesAndTruncates(t *testing.T) {
	for freq, want := range map[float64]time.Duration{
		10:  50 * time.Millisecond,
		3:   166 * time.Millisecond,
		1:   500 * time.Millisecond,
		500: time.Millisecond,
		600: 0,
		0:   0,
	} {
		cfg := BridgeConfig{PublishFrequencyHz: freq}
		test.That(t, cfg.PublishPeriod(), test.ShouldEqual, want)
	}
}

func TestBridgeConfigValidate(t *testing.T) {
	good := BridgeConfig{RobotID: "r1", PublishFrequencyHz: 10, Wheels: DefaultWheelGeometry}
	test.That(t, good.Validate(), test.ShouldBeNil)

	noID := good
	noID.RobotID = ""
	test.That(t, noID.Validate(), test.ShouldNotBeNil)

	tooFast := good
	tooFast.PublishFrequencyHz = 1000
	test.That(t, errors.Is(tooFast.Validate(), ErrInvalidFrequency), test.ShouldBeTrue)

	noWheels := good
	noWheels.Wheels = WheelGeometry{}
	test.That(t, noWheels.Validate(), test.ShouldNotBeNil)
}

func TestComponentConfig(t *testing.T) {
	cfg := &Config{RobotID: "r1", PublishFrequencyHz: 10, ListenAddress: ":9000"}
	_, _, err := cfg.Validate("components.0")
	test.That(t, err, test.ShouldBeNil)

	bc := cfg.BridgeConfig()
	test.That(t, bc.Wheels, test.ShouldResemble, DefaultWheelGeometry)
	test.That(t, bc.Validate(), test.ShouldBeNil)

	cfg.WheelBase = 0.2
	test.That(t, cfg.BridgeConfig().Wheels.WheelBase, test.ShouldEqual, 0.2)

	cfg.ListenAddress = ""
	_, _, err = cfg.Validate("components.0")
	test.That(t, err, test.ShouldNotBeNil)

	cfg.Simulation = true
	_, _, err = cfg.Validate("components.0")
	test.That(t, err, test.ShouldBeNil)

	cfg.PublishFrequencyHz = 0
	_, _, err = cfg.Validate("components.0")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseFleetConfig(t *testing.T) {
	cfg, err := ParseFleetConfig([]byte(`
simulation: true
log_dir: /tmp/robosar
agents:
  - id: khepera1
    listen_address: ":9001"
  - id: khepera2
`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Simulation, test.ShouldBeTrue)
	test.That(t, cfg.PublishFrequencyHz, test.ShouldEqual, 10.0)
	test.That(t, cfg.Agents, test.ShouldHaveLength, 2)
	test.That(t, cfg.Agents[0].ListenAddress, test.ShouldEqual, ":9001")

	bc := cfg.BridgeConfig(cfg.Agents[1])
	test.That(t, bc.RobotID, test.ShouldEqual, "khepera2")
	test.That(t, bc.Simulation, test.ShouldBeTrue)

	for name, doc := range map[string]string{
		"no agents":    "simulation: true\n",
		"duplicate id": "agents:\n  - id: a\n  - id: a\n",
		"missing id":   "agents:\n  - listen_address: \":1\"\n",
		"bad freq":     "publish_frequency_hz: -1\nagents:\n  - id: a\n",
		"not yaml":     "agents: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFleetConfig([]byte(doc))
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestLoadFleetConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	test.That(t, os.WriteFile(path, []byte("agents:\n  - id: k1\n"), 0o600), test.ShouldBeNil)

	cfg, err := LoadFleetConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Agents[0].ID, test.ShouldEqual, "k1")

	_, err = LoadFleetConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}
