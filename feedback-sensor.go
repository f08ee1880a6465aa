package feedbackbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"go.uber.org/multierr"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var (
	FeedbackBridge = resource.NewModel("robosar", "feedback", "bridge")
)

func init() {
	resource.RegisterComponent(sensor.API, FeedbackBridge,
		resource.Registration[sensor.Sensor, *Config]{
			Constructor: newFeedbackSensor,
		},
	)
}

type feedbackSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	bus      *Bus
	bridge   *TelemetryBridge
	listener *FrameListener
	logFile  io.Closer
}

func newFeedbackSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewFeedbackSensor(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewFeedbackSensor builds a bridge for one robot and, unless simulating,
// starts receiving frames on the configured UDP address.
func NewFeedbackSensor(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (sensor.Sensor, error) {
	agentLogger, logFile, err := NewAgentLogger(logger, conf.RobotID, conf.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for %s: %w", conf.RobotID, err)
	}

	bus := NewBus()
	bridge, err := NewTelemetryBridge(conf.BridgeConfig(), bus, agentLogger)
	if err != nil {
		return nil, multierr.Combine(err, logFile.Close())
	}

	s := &feedbackSensor{
		name:    name,
		logger:  agentLogger,
		cfg:     conf,
		bus:     bus,
		bridge:  bridge,
		logFile: logFile,
	}

	if !conf.Simulation {
		s.listener, err = ListenFrames(conf.ListenAddress, bridge.HandleRaw, agentLogger)
		if err != nil {
			return nil, multierr.Combine(err, bridge.Shutdown(), logFile.Close())
		}
	}

	return s, nil
}

func (s *feedbackSensor) Name() resource.Name {
	return s.name
}

// Bus exposes the topics this sensor publishes on.
func (s *feedbackSensor) Bus() *Bus {
	return s.bus
}

// ListenAddr is the bound UDP address, or nil in simulation.
func (s *feedbackSensor) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *feedbackSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	odom := s.bridge.Odometry()
	status := s.bridge.Status()
	stats := s.bridge.Stats()

	return map[string]interface{}{
		"robot_id":           s.cfg.RobotID,
		"x":                  odom.X,
		"y":                  odom.Y,
		"theta":              odom.Theta,
		"linear_velocity":    odom.LinearVelocity,
		"angular_velocity":   odom.AngularVelocity,
		"seq_id":             status.SequenceID,
		"status_code":        status.StatusCode,
		"status_message":     status.StatusMessage,
		"alive":              s.bridge.IsAlive(),
		"frames_ingested":    stats.FramesIngested,
		"frames_dropped":     stats.FramesDropped,
		"publish_failures":   stats.PublishFailures,
		"odometry_publishes": stats.OdometryPublishes,
	}, nil
}

func (s *feedbackSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, _ := cmd["command"].(string)
	switch name {
	case "reset_odom":
		s.bridge.ResetOdometry()
		return map[string]interface{}{"reset": s.cfg.RobotID}, nil

	case "status":
		status := s.bridge.Status()
		mm, err := toMap(status)
		if err != nil {
			return nil, err
		}
		mm["alive"] = s.bridge.IsAlive()
		mm["state"] = s.bridge.State().String()
		return mm, nil

	case "latest":
		topic, _ := cmd["topic"].(string)
		msg, ok := s.bus.Latest(RobotTopic(s.cfg.RobotID, topic))
		if !ok {
			return nil, fmt.Errorf("nothing published on %q yet", topic)
		}
		return toMap(msg)

	case "ingest":
		encoded, _ := cmd["frame"].(string)
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("frame must be base64: %w", err)
		}
		if err := s.bridge.HandleRaw(raw); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ingested": true}, nil
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

// toMap turns a message into a plain map so it survives the proto boundary.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	mm := map[string]interface{}{}
	if err := json.Unmarshal(data, &mm); err != nil {
		return nil, err
	}
	return mm, nil
}

func (s *feedbackSensor) Close(context.Context) error {
	var err error
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	return multierr.Combine(err, s.bridge.Shutdown(), s.logFile.Close())
}
