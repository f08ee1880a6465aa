package feedbackbridge

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rdk/logging"
)

type published struct {
	topic string
	msg   interface{}
}

// recordingPublisher keeps every message and fails topics listed in fail.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	fail map[string]error
}

func (p *recordingPublisher) Publish(topic string, msg interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[topic]; err != nil {
		return err
	}
	p.msgs = append(p.msgs, published{topic: topic, msg: msg})
	return nil
}

func (p *recordingPublisher) on(topic string) []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []interface{}
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m.msg)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func testBridgeConfig(freq float64) BridgeConfig {
	return BridgeConfig{RobotID: "khepera1", PublishFrequencyHz: freq, Wheels: DefaultWheelGeometry}
}

func newTestBridge(t *testing.T, freq float64, pub Publisher) *TelemetryBridge {
	t.Helper()
	b, err := NewTelemetryBridge(testBridgeConfig(freq), pub, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		if b.State() == StateRunning {
			test.That(t, b.Shutdown(), test.ShouldBeNil)
		}
	})
	return b
}

func TestBridgeFrameScenario(t *testing.T) {
	pub := &recordingPublisher{}
	b := newTestBridge(t, 10, pub)
	test.That(t, b.Period(), test.ShouldEqual, 50*time.Millisecond)

	start := time.Now()
	err := b.OnFrame(SensorFrame{
		SequenceID:   1,
		Accel:        r3.Vector{Z: 9.8},
		RangeSamples: []float64{1000, 2000},
		EncoderLeft:  100,
		EncoderRight: 100,
	})
	test.That(t, err, test.ShouldBeNil)

	imus := pub.on("khepera1/" + TopicIMU)
	test.That(t, imus, test.ShouldHaveLength, 1)
	imu := imus[0].(ImuMessage)
	test.That(t, imu.LinearAcceleration.Z, test.ShouldAlmostEqual, 9.8)
	test.That(t, imu.Header.FrameID, test.ShouldEqual, "khepera1/base_link")
	test.That(t, imu.Header.Seq, test.ShouldEqual, uint32(1))

	scans := pub.on("khepera1/" + TopicScan)
	test.That(t, scans, test.ShouldHaveLength, 1)
	scan := scans[0].(LaserScanMessage)
	test.That(t, scan.Ranges, test.ShouldResemble, []float64{1.0, 2.0})
	test.That(t, scan.ScanDescriptor, test.ShouldResemble, URG04LXDescriptor)

	test.That(t, pub.on("khepera1/"+TopicStatusCode), test.ShouldHaveLength, 1)
	test.That(t, pub.on("khepera1/"+TopicStatusMessage), test.ShouldHaveLength, 1)

	wantX := 100 * DefaultWheelGeometry.MetersPerTick
	var euler EulerPose
	var quatPose QuaternionPose
	for {
		eulers := pub.on("khepera1/" + TopicOdomEuler)
		quats := pub.on("khepera1/" + TopicOdomQuat)
		if len(eulers) > 0 && len(quats) > 0 {
			euler = eulers[len(eulers)-1].(EulerPose)
			quatPose = quats[len(quats)-1].(QuaternionPose)
			if math.Abs(euler.Position.X-wantX) < 1e-9 && euler.Header.Seq == quatPose.Header.Seq {
				break
			}
		}
		test.That(t, time.Since(start) < 200*time.Millisecond, test.ShouldBeTrue)
		time.Sleep(5 * time.Millisecond)
	}
	test.That(t, quatPose.Position.X, test.ShouldAlmostEqual, wantX)
	test.That(t, euler.Header.FrameID, test.ShouldEqual, "khepera1/odom")
	test.That(t, euler.ChildFrameID, test.ShouldEqual, "khepera1/base_link")
}

func TestBridgeRangesAreNotClamped(t *testing.T) {
	pub := &recordingPublisher{}
	b := newTestBridge(t, 10, pub)

	test.That(t, b.OnFrame(SensorFrame{RangeSamples: []float64{5599, 1, 9000}}), test.ShouldBeNil)
	scan := pub.on("khepera1/" + TopicScan)[0].(LaserScanMessage)
	test.That(t, scan.Ranges[0], test.ShouldAlmostEqual, 5.599, 1e-12)
	test.That(t, scan.Ranges[1], test.ShouldAlmostEqual, 0.001, 1e-12)
	test.That(t, scan.Ranges[2], test.ShouldAlmostEqual, 9.0, 1e-12)
}

func TestBridgePublishFailureIsIsolated(t *testing.T) {
	pub := &recordingPublisher{fail: map[string]error{
		"khepera1/" + TopicIMU: errors.New("transport down"),
	}}
	b := newTestBridge(t, 10, pub)

	err := b.OnFrame(SensorFrame{SequenceID: 9, EncoderLeft: 10, EncoderRight: 10})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pub.on("khepera1/"+TopicIMU), test.ShouldBeEmpty)
	test.That(t, pub.on("khepera1/"+TopicScan), test.ShouldHaveLength, 1)
	test.That(t, pub.on("khepera1/"+TopicStatusCode), test.ShouldHaveLength, 1)
	test.That(t, pub.on("khepera1/"+TopicStatusMessage), test.ShouldHaveLength, 1)
	test.That(t, b.Stats().PublishFailures, test.ShouldEqual, uint64(1))
	test.That(t, b.Status().SequenceID, test.ShouldEqual, uint32(9))
	test.That(t, b.Status().EncoderLeft, test.ShouldEqual, int32(10))
}

func TestBridgeDropsUndecodableFrames(t *testing.T) {
	pub := &recordingPublisher{}
	b := newTestBridge(t, 1, pub)
	before := pub.count()

	err := b.HandleRaw([]byte{0x0a})
	var de *DecodeError
	test.That(t, errors.As(err, &de), test.ShouldBeTrue)
	test.That(t, pub.count(), test.ShouldEqual, before)
	test.That(t, b.Stats().FramesDropped, test.ShouldEqual, uint64(1))
	test.That(t, b.Status().LastUpdate.IsZero(), test.ShouldBeTrue)

	raw := Encode(SensorFrame{SequenceID: 5, StatusMessage: "ok"})
	test.That(t, b.HandleRaw(raw), test.ShouldBeNil)
	test.That(t, b.Status().StatusMessage, test.ShouldEqual, "ok")
	test.That(t, b.Stats().FramesIngested, test.ShouldEqual, uint64(1))
	test.That(t, b.IsAlive(), test.ShouldBeTrue)
}

func TestBridgeRejectsBadFrequency(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, freq := range []float64{0, -5, 600} {
		_, err := NewTelemetryBridge(testBridgeConfig(freq), &recordingPublisher{}, logger)
		test.That(t, errors.Is(err, ErrInvalidFrequency), test.ShouldBeTrue)
	}
	_, err := NewTelemetryBridge(testBridgeConfig(10), nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBridgeShutdown(t *testing.T) {
	pub := &recordingPublisher{}
	b := newTestBridge(t, 100, pub)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(pub.on("khepera1/"+TopicOdomEuler)), test.ShouldBeGreaterThan, 1)
	})

	test.That(t, b.Shutdown(), test.ShouldBeNil)
	test.That(t, b.State(), test.ShouldEqual, StateStopped)
	after := pub.count()

	time.Sleep(5 * b.Period())
	test.That(t, pub.count(), test.ShouldEqual, after)

	test.That(t, b.Shutdown(), test.ShouldEqual, ErrBridgeStopped)
	test.That(t, b.OnFrame(SensorFrame{}), test.ShouldEqual, ErrBridgeStopped)
	test.That(t, pub.count(), test.ShouldEqual, after)
}

func TestBridgeResetOdometry(t *testing.T) {
	pub := &recordingPublisher{}
	b := newTestBridge(t, 100, pub)

	test.That(t, b.OnFrame(SensorFrame{EncoderLeft: 1000, EncoderRight: 1000}), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, b.Odometry().X, test.ShouldBeGreaterThan, 0.0)
	})

	b.ResetOdometry()
	test.That(t, b.Odometry().X, test.ShouldEqual, 0.0)
	time.Sleep(3 * b.Period())
	test.That(t, b.Odometry().X, test.ShouldEqual, 0.0)
}

// Both pose topics must come from the same integration step even while
// frames race the publish loop.
func TestBridgeConcurrentIngestPublishesConsistentPoses(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	yaws := map[uint32]float64{}
	quats := map[uint32]float64{}
	bus.Subscribe("khepera1/"+TopicOdomEuler, func(_ string, msg interface{}) error {
		p := msg.(EulerPose)
		mu.Lock()
		yaws[p.Header.Seq] = p.Yaw
		mu.Unlock()
		return nil
	})
	bus.Subscribe("khepera1/"+TopicOdomQuat, func(_ string, msg interface{}) error {
		p := msg.(QuaternionPose)
		mu.Lock()
		quats[p.Header.Seq] = yawFromQuaternion(p.Orientation)
		mu.Unlock()
		return nil
	})

	b, err := NewTelemetryBridge(testBridgeConfig(250), bus, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				// spin in place so every step changes the heading
				ticks := int32(i * 37 * (w + 1))
				if err := b.OnFrame(SensorFrame{SequenceID: uint32(i), EncoderLeft: -ticks, EncoderRight: ticks}); err != nil {
					t.Error(err)
				}
				if i%20 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()
	time.Sleep(5 * b.Period())
	test.That(t, b.Shutdown(), test.ShouldBeNil)

	mu.Lock()
	defer mu.Unlock()
	test.That(t, len(yaws), test.ShouldBeGreaterThan, 0)
	matched := 0
	for seq, yaw := range yaws {
		q, ok := quats[seq]
		if !ok {
			continue
		}
		matched++
		test.That(t, math.Abs(math.Remainder(q-yaw, 2*math.Pi)), test.ShouldBeLessThan, 1e-9)
	}
	test.That(t, matched, test.ShouldEqual, len(yaws))
}
