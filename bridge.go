package feedbackbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
)

// ErrBridgeStopped is returned when a bridge is used after Shutdown.
var ErrBridgeStopped = errors.New("feedback bridge is stopped")

// PublishError is a transport failure publishing a single message.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// BridgeState is the lifecycle state of a TelemetryBridge.
type BridgeState int32

const (
	StateRunning BridgeState = iota
	StateStopping
	StateStopped
)

func (s BridgeState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("BridgeState(%d)", int32(s))
}

// TelemetryBridge fans decoded frames out to per-robot topics and republishes
// odometry on a fixed period.
type TelemetryBridge struct {
	cfg    BridgeConfig
	logger logging.Logger
	pub    Publisher
	now    func() time.Time

	frameID string
	odomID  string
	period  time.Duration
	scan    ScanDescriptor

	// ingestMu serializes OnFrame callers.
	ingestMu sync.Mutex
	odom     guarded[*OdometryEstimator]

	statusMu sync.Mutex
	status   AgentStatus

	framesIngested    atomic.Uint64
	framesDropped     atomic.Uint64
	publishFailures   atomic.Uint64
	odometryPublishes atomic.Uint64

	state   atomic.Int32
	workers *goutils.StoppableWorkers
}

// NewTelemetryBridge validates cfg and starts the odometry publish loop.
func NewTelemetryBridge(cfg BridgeConfig, pub Publisher, logger logging.Logger) (*TelemetryBridge, error) {
	return newTelemetryBridge(cfg, pub, logger, time.Now)
}

func newTelemetryBridge(cfg BridgeConfig, pub Publisher, logger logging.Logger, now func() time.Time) (*TelemetryBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bridge config: %w", err)
	}
	if pub == nil {
		return nil, errors.New("need a publisher")
	}

	b := &TelemetryBridge{
		cfg:     cfg,
		logger:  logger,
		pub:     pub,
		now:     now,
		frameID: cfg.RobotID + "/base_link",
		odomID:  cfg.RobotID + "/odom",
		period:  cfg.PublishPeriod(),
		scan:    URG04LXDescriptor,
		status:  AgentStatus{RobotID: cfg.RobotID},
	}
	b.odom.v = NewOdometryEstimator(cfg.Wheels, now)
	b.state.Store(int32(StateRunning))

	logger.Infof("starting feedback bridge for %s, odometry every %v (simulation=%v)", cfg.RobotID, b.period, cfg.Simulation)
	b.workers = goutils.NewBackgroundStoppableWorkers(b.runOdometry)
	return b, nil
}

// RobotID is the robot this bridge serves.
func (b *TelemetryBridge) RobotID() string {
	return b.cfg.RobotID
}

// Period is the odometry publish period.
func (b *TelemetryBridge) Period() time.Duration {
	return b.period
}

func (b *TelemetryBridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

func (b *TelemetryBridge) topic(name string) string {
	return RobotTopic(b.cfg.RobotID, name)
}

// HandleRaw decodes a raw frame and ingests it. Frames that fail to decode
// are logged and dropped without touching any state.
func (b *TelemetryBridge) HandleRaw(raw []byte) error {
	frame, err := Decode(raw)
	if err != nil {
		b.framesDropped.Add(1)
		b.logger.Warnw("dropping undecodable frame", "robot", b.cfg.RobotID, "bytes", len(raw), "error", err)
		return err
	}
	return b.OnFrame(frame)
}

// OnFrame publishes the frame's IMU, scan and status fields and then records
// its encoder ticks for the next odometry step. A failed publish is logged
// and the remaining steps still run.
func (b *TelemetryBridge) OnFrame(frame SensorFrame) error {
	b.ingestMu.Lock()
	defer b.ingestMu.Unlock()
	if b.State() != StateRunning {
		return ErrBridgeStopped
	}

	now := b.now()
	header := Header{FrameID: b.frameID, Seq: frame.SequenceID, Stamp: now}

	b.publish(TopicIMU, ImuMessage{
		Header:             header,
		LinearAcceleration: frame.Accel,
		AngularVelocity:    frame.Gyro,
	})
	b.logger.Debugw("imu",
		"seq", frame.SequenceID,
		"accel_x", frame.Accel.X, "accel_y", frame.Accel.Y, "accel_z", frame.Accel.Z,
		"ang_x", frame.Gyro.X, "ang_y", frame.Gyro.Y, "ang_z", frame.Gyro.Z)

	b.publish(TopicScan, scanFromFrame(b.scan, header, frame.RangeSamples))

	b.publish(TopicStatusCode, StatusCode{Data: frame.StatusCode})
	b.publish(TopicStatusMessage, StatusMessage{Data: frame.StatusMessage})

	b.odom.with(func(est *OdometryEstimator) {
		est.UpdateEncoders(frame.EncoderLeft, frame.EncoderRight)
	})
	b.logger.Debugw("encoder ticks", "left", frame.EncoderLeft, "right", frame.EncoderRight)

	b.statusMu.Lock()
	b.status.SequenceID = frame.SequenceID
	b.status.StatusCode = frame.StatusCode
	b.status.StatusMessage = frame.StatusMessage
	b.status.EncoderLeft = frame.EncoderLeft
	b.status.EncoderRight = frame.EncoderRight
	b.status.ScanSamples = len(frame.RangeSamples)
	b.status.LastUpdate = now
	b.statusMu.Unlock()

	b.framesIngested.Add(1)
	return nil
}

func (b *TelemetryBridge) publish(name string, msg interface{}) bool {
	topic := b.topic(name)
	if err := b.pub.Publish(topic, msg); err != nil {
		b.publishFailures.Add(1)
		b.logger.Warnw("publish failed", "error", &PublishError{Topic: topic, Err: err})
		return false
	}
	return true
}

// runOdometry advances and publishes odometry once per period until ctx is done.
func (b *TelemetryBridge) runOdometry(ctx context.Context) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		b.publishOdometry()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// publishOdometry integrates under the lock and publishes both pose forms
// from the same snapshot after releasing it.
func (b *TelemetryBridge) publishOdometry() {
	var snap OdometrySnapshot
	b.odom.with(func(est *OdometryEstimator) {
		est.UpdateOdom()
		snap = est.Snapshot()
	})

	euler := snap.Euler()
	euler.Header.FrameID, euler.ChildFrameID = b.odomID, b.frameID
	quat := snap.Quaternion()
	quat.Header.FrameID, quat.ChildFrameID = b.odomID, b.frameID

	okEuler := b.publish(TopicOdomEuler, euler)
	okQuat := b.publish(TopicOdomQuat, quat)
	if okEuler && okQuat {
		b.odometryPublishes.Add(1)
	}
}

// Odometry returns the current odometry state without advancing it.
func (b *TelemetryBridge) Odometry() OdometrySnapshot {
	var snap OdometrySnapshot
	b.odom.with(func(est *OdometryEstimator) {
		snap = est.Snapshot()
	})
	return snap
}

// ResetOdometry returns the pose to the origin.
func (b *TelemetryBridge) ResetOdometry() {
	b.odom.with(func(est *OdometryEstimator) {
		est.Reset()
	})
	b.logger.Infof("odometry reset for %s", b.cfg.RobotID)
}

// Status returns the latest agent status.
func (b *TelemetryBridge) Status() AgentStatus {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	return b.status
}

// IsAlive reports whether a frame arrived recently.
func (b *TelemetryBridge) IsAlive() bool {
	return b.Status().IsAlive(b.now())
}

func (b *TelemetryBridge) Stats() Stats {
	return Stats{
		FramesIngested:    b.framesIngested.Load(),
		FramesDropped:     b.framesDropped.Load(),
		PublishFailures:   b.publishFailures.Load(),
		OdometryPublishes: b.odometryPublishes.Load(),
	}
}

// Shutdown stops the publish loop and waits for it and any in-flight
// OnFrame call to finish. Calling it again returns ErrBridgeStopped.
func (b *TelemetryBridge) Shutdown() error {
	if !b.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrBridgeStopped
	}
	b.logger.Infof("killing feedback bridge for %s", b.cfg.RobotID)

	b.workers.Stop()
	b.ingestMu.Lock()
	b.state.Store(int32(StateStopped))
	b.ingestMu.Unlock()
	return nil
}
