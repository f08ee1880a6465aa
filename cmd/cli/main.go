package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"

	"feedbackbridge"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	configPath := flag.String("config", "fleet.yaml", "fleet config file")
	debug := flag.Bool("debug", false, "log every frame")
	flag.Parse()

	logger := logging.NewLogger("feedback")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg, err := feedbackbridge.LoadFleetConfig(*configPath)
	if err != nil {
		return err
	}

	bus := feedbackbridge.NewBus()
	fleet, err := feedbackbridge.NewFleet(cfg, bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := fleet.Close(); err != nil {
			logger.Errorw("error stopping fleet", "error", err)
		}
	}()

	for _, id := range fleet.Agents() {
		bus.Subscribe(feedbackbridge.RobotTopic(id, feedbackbridge.TopicOdomEuler), func(topic string, msg interface{}) error {
			pose := msg.(feedbackbridge.EulerPose)
			logger.Debugw("odometry", "topic", topic, "x", pose.Position.X, "y", pose.Position.Y, "yaw", pose.Yaw)
			return nil
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Simulation {
		sim := goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
			simulateFrames(ctx, fleet)
		})
		defer sim.Stop()
	}

	logger.Infof("serving %d agents", len(fleet.Agents()))
	<-ctx.Done()
	return nil
}

// simulateFrames drives every robot in a slow left turn at 10Hz.
func simulateFrames(ctx context.Context, fleet *feedbackbridge.Fleet) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var seq uint32
	var left, right int32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		left += 40
		right += 60
		frame := feedbackbridge.SensorFrame{
			SequenceID:    seq,
			Accel:         r3.Vector{Z: 9.8},
			RangeSamples:  []float64{1000, 1500, 2000},
			EncoderLeft:   left,
			EncoderRight:  right,
			StatusMessage: "simulated",
		}
		raw := feedbackbridge.Encode(frame)
		for _, id := range fleet.Agents() {
			if b, ok := fleet.Bridge(id); ok {
				_ = b.HandleRaw(raw)
			}
		}
	}
}
