package feedbackbridge

import "time"

// aliveWindow is how recent the last frame must be for a robot to count as alive.
const aliveWindow = 500 * time.Millisecond

// AgentStatus is the latest non-odometry feedback from a robot.
type AgentStatus struct {
	RobotID string

	SequenceID    uint32
	StatusCode    uint32
	StatusMessage string

	// Encoder ticks as last reported
	EncoderLeft  int32
	EncoderRight int32

	ScanSamples int

	LastUpdate time.Time
}

// IsAlive reports whether a frame arrived within the alive window before now.
func (s AgentStatus) IsAlive(now time.Time) bool {
	return !s.LastUpdate.IsZero() && now.Sub(s.LastUpdate) < aliveWindow
}

// Stats counts ingest and publish activity of one bridge.
type Stats struct {
	FramesIngested    uint64
	FramesDropped     uint64
	PublishFailures   uint64
	OdometryPublishes uint64
}
