package feedbackbridge

import (
	"time"

	"github.com/golang/geo/r3"
)

// Topic names, relative to the robot namespace.
const (
	TopicIMU           = "feedback/IMU"
	TopicScan          = "feedback/scan"
	TopicStatusCode    = "debug/status"
	TopicStatusMessage = "debug/msg"
	TopicOdomEuler     = "odom_data_euler"
	TopicOdomQuat      = "odom_data_quat"
)

// Service names answered by a Fleet.
const (
	ServiceAgentStatus = "agent_status"
	ServiceOdomReset   = "sys_odom_reset"
)

// RobotTopic namespaces topic under robotID.
func RobotTopic(robotID, topic string) string {
	return robotID + "/" + topic
}

// Header is stamped on every message that carries a frame of reference.
type Header struct {
	FrameID string
	Seq     uint32
	Stamp   time.Time
}

// ImuMessage carries one inertial sample.
type ImuMessage struct {
	Header             Header
	LinearAcceleration r3.Vector // m/s^2
	AngularVelocity    r3.Vector // rad/s
}

// ScanDescriptor is the fixed geometry of the laser range finder.
type ScanDescriptor struct {
	AngleMin       float64
	AngleMax       float64
	AngleIncrement float64
	TimeIncrement  float64
	ScanTime       float64
	RangeMin       float64
	RangeMax       float64
}

// URG04LXDescriptor is the Hokuyo URG-04LX-UG01 geometry fitted to every robot.
var URG04LXDescriptor = ScanDescriptor{
	AngleMin:       -2.0923497676849365 + 0.006135923322290182,
	AngleMax:       2.0923497676849365,
	AngleIncrement: 0.006135923322290182,
	TimeIncrement:  9.765627328306437e-05,
	ScanTime:       0.10000000149011612,
	RangeMin:       0.019999999552965164,
	RangeMax:       5.599999904632568,
}

// LaserScanMessage is one scan with ranges in metres.
type LaserScanMessage struct {
	Header Header
	ScanDescriptor
	Ranges []float64
}

// StatusCode is the robot's raw status value.
type StatusCode struct {
	Data uint32
}

// StatusMessage is the robot's free text status.
type StatusMessage struct {
	Data string
}

// scanFromFrame converts millimetre samples to metres. Values outside the
// descriptor range are passed through untouched.
func scanFromFrame(desc ScanDescriptor, header Header, samples []float64) LaserScanMessage {
	ranges := make([]float64, len(samples))
	for i, mm := range samples {
		ranges[i] = mm / 1000.0
	}
	return LaserScanMessage{Header: header, ScanDescriptor: desc, Ranges: ranges}
}
