package feedbackbridge

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

// WheelGeometry describes the differential drive used to turn encoder ticks
// into distance.
type WheelGeometry struct {
	MetersPerTick float64
	WheelBase     float64 // distance between the wheels, metres
}

// DefaultWheelGeometry matches the Khepera IV base.
var DefaultWheelGeometry = WheelGeometry{
	MetersPerTick: 0.147e-3,
	WheelBase:     0.1054,
}

// OdometrySnapshot is a copy of the estimator state taken in one read.
type OdometrySnapshot struct {
	Seq   uint32
	Stamp time.Time

	X, Y, Theta float64

	LinearVelocity  float64 // m/s along heading
	AngularVelocity float64 // rad/s about z
}

// EulerPose is the odometry estimate with orientation as roll/pitch/yaw.
type EulerPose struct {
	Header       Header
	ChildFrameID string

	Position         r3.Vector
	Roll, Pitch, Yaw float64

	LinearVelocity  r3.Vector
	AngularVelocity r3.Vector
}

// QuaternionPose is the odometry estimate with orientation as a unit quaternion.
type QuaternionPose struct {
	Header       Header
	ChildFrameID string

	Position    r3.Vector
	Orientation quat.Number

	LinearVelocity  r3.Vector
	AngularVelocity r3.Vector
}

// Euler returns the snapshot in roll/pitch/yaw form. Planar motion keeps
// roll and pitch at zero.
func (s OdometrySnapshot) Euler() EulerPose {
	return EulerPose{
		Header:          Header{Seq: s.Seq, Stamp: s.Stamp},
		Position:        r3.Vector{X: s.X, Y: s.Y},
		Yaw:             s.Theta,
		LinearVelocity:  r3.Vector{X: s.LinearVelocity},
		AngularVelocity: r3.Vector{Z: s.AngularVelocity},
	}
}

// Quaternion returns the snapshot with the heading as a unit quaternion.
func (s OdometrySnapshot) Quaternion() QuaternionPose {
	q := (&spatialmath.EulerAngles{Yaw: s.Theta}).Quaternion()
	if norm := quat.Abs(q); norm > 0 {
		q = quat.Scale(1/norm, q)
	}
	return QuaternionPose{
		Header:          Header{Seq: s.Seq, Stamp: s.Stamp},
		Position:        r3.Vector{X: s.X, Y: s.Y},
		Orientation:     q,
		LinearVelocity:  r3.Vector{X: s.LinearVelocity},
		AngularVelocity: r3.Vector{Z: s.AngularVelocity},
	}
}

// OdometryEstimator integrates wheel encoder ticks into a planar pose.
// It is not safe for concurrent use; the owning bridge guards it.
type OdometryEstimator struct {
	geom WheelGeometry
	now  func() time.Time

	left, right         int32
	prevLeft, prevRight int32

	x, y, theta float64
	linVel      float64
	angVel      float64

	seq      uint32
	stamp    time.Time
	lastStep time.Time
}

// NewOdometryEstimator returns an estimator at the origin. Encoder counters
// are assumed to start from zero.
func NewOdometryEstimator(geom WheelGeometry, now func() time.Time) *OdometryEstimator {
	if now == nil {
		now = time.Now
	}
	return &OdometryEstimator{geom: geom, now: now}
}

// UpdateEncoders records the latest absolute tick counts.
func (o *OdometryEstimator) UpdateEncoders(left, right int32) {
	o.left = left
	o.right = right
}

// tickDelta is the signed distance from prev to cur on a wrapping 32-bit counter.
func tickDelta(cur, prev int32) int32 {
	return int32(uint32(cur) - uint32(prev))
}

// UpdateOdom integrates the ticks seen since the previous step. With no new
// ticks the pose stays put while the stamp and velocities refresh.
func (o *OdometryEstimator) UpdateOdom() {
	now := o.now()

	dl := float64(tickDelta(o.left, o.prevLeft)) * o.geom.MetersPerTick
	dr := float64(tickDelta(o.right, o.prevRight)) * o.geom.MetersPerTick
	o.prevLeft, o.prevRight = o.left, o.right

	dist := (dl + dr) / 2
	dtheta := 0.0
	if o.geom.WheelBase > 0 {
		dtheta = (dr - dl) / o.geom.WheelBase
	}

	heading := o.theta + dtheta/2
	o.x += dist * math.Cos(heading)
	o.y += dist * math.Sin(heading)
	o.theta = normalizeAngle(o.theta + dtheta)

	o.linVel, o.angVel = 0, 0
	if !o.lastStep.IsZero() {
		if dt := now.Sub(o.lastStep).Seconds(); dt > 0 {
			o.linVel = dist / dt
			o.angVel = dtheta / dt
		}
	}
	o.lastStep = now
	o.stamp = now
	o.seq++
}

// Reset moves the pose back to the origin. The latest tick counts become the
// new baseline.
func (o *OdometryEstimator) Reset() {
	o.prevLeft, o.prevRight = o.left, o.right
	o.x, o.y, o.theta = 0, 0, 0
	o.linVel, o.angVel = 0, 0
}

// Snapshot copies the current state.
func (o *OdometryEstimator) Snapshot() OdometrySnapshot {
	return OdometrySnapshot{
		Seq:             o.seq,
		Stamp:           o.stamp,
		X:               o.x,
		Y:               o.y,
		Theta:           o.theta,
		LinearVelocity:  o.linVel,
		AngularVelocity: o.angVel,
	}
}

// PoseEuler returns the current pose with Euler orientation.
func (o *OdometryEstimator) PoseEuler() EulerPose {
	return o.Snapshot().Euler()
}

// PoseQuaternion returns the current pose with quaternion orientation.
func (o *OdometryEstimator) PoseQuaternion() QuaternionPose {
	return o.Snapshot().Quaternion()
}

func normalizeAngle(a float64) float64 {
	return math.Remainder(a, 2*math.Pi)
}

// guarded pairs a value with the single mutex that must be held to touch it.
type guarded[T any] struct {
	mu sync.Mutex
	v  T
}

func (g *guarded[T]) with(fn func(T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g.v)
}
