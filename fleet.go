package feedbackbridge

import (
	"fmt"
	"io"
	"sort"

	"go.uber.org/multierr"

	"go.viam.com/rdk/logging"
)

// AgentStatusResponse answers the agent_status service.
type AgentStatusResponse struct {
	Agents []string
	Alive  map[string]bool
}

// OdomResetResponse answers the sys_odom_reset service.
type OdomResetResponse struct {
	Reset []string
}

type agent struct {
	bridge   *TelemetryBridge
	listener *FrameListener
	logFile  io.Closer
}

// Fleet runs one bridge per configured robot on a shared bus and answers the
// agent_status and sys_odom_reset services.
type Fleet struct {
	logger logging.Logger
	bus    *Bus
	agents map[string]*agent

	services []string
}

// NewFleet starts a bridge for every agent in cfg. Unless cfg.Simulation is
// set, agents with a listen address get a UDP frame listener.
func NewFleet(cfg *FleetConfig, bus *Bus, logger logging.Logger) (_ *Fleet, err error) {
	f := &Fleet{logger: logger, bus: bus, agents: map[string]*agent{}}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, f.Close())
		}
	}()

	for _, ac := range cfg.Agents {
		a := &agent{}
		f.agents[ac.ID] = a

		agentLogger, logFile, err := NewAgentLogger(logger, ac.ID, cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open log for %s: %w", ac.ID, err)
		}
		a.logFile = logFile

		a.bridge, err = NewTelemetryBridge(cfg.BridgeConfig(ac), bus, agentLogger)
		if err != nil {
			return nil, err
		}

		if cfg.Simulation || ac.ListenAddress == "" {
			continue
		}
		a.listener, err = ListenFrames(ac.ListenAddress, a.bridge.HandleRaw, agentLogger)
		if err != nil {
			return nil, err
		}
	}

	for name, fn := range map[string]ServiceHandler{
		ServiceAgentStatus: f.agentStatus,
		ServiceOdomReset:   f.resetOdometry,
	} {
		if err := bus.RegisterService(name, fn); err != nil {
			return nil, err
		}
		f.services = append(f.services, name)
	}
	return f, nil
}

// Agents returns the sorted robot ids.
func (f *Fleet) Agents() []string {
	ids := make([]string, 0, len(f.agents))
	for id := range f.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bridge returns the bridge for robotID.
func (f *Fleet) Bridge(robotID string) (*TelemetryBridge, bool) {
	a, ok := f.agents[robotID]
	if !ok || a.bridge == nil {
		return nil, false
	}
	return a.bridge, true
}

func (f *Fleet) agentStatus(interface{}) (interface{}, error) {
	resp := AgentStatusResponse{Agents: f.Agents(), Alive: map[string]bool{}}
	for _, id := range resp.Agents {
		if b, ok := f.Bridge(id); ok {
			resp.Alive[id] = b.IsAlive()
		}
	}
	return resp, nil
}

// resetOdometry resets every robot, or only the ids given as a []string request.
func (f *Fleet) resetOdometry(request interface{}) (interface{}, error) {
	ids := f.Agents()
	if req, ok := request.([]string); ok && len(req) > 0 {
		ids = req
	}
	var resp OdomResetResponse
	for _, id := range ids {
		b, ok := f.Bridge(id)
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", id)
		}
		b.ResetOdometry()
		resp.Reset = append(resp.Reset, id)
	}
	return resp, nil
}

// Close stops listeners before bridges so no frame arrives at a stopped bridge.
func (f *Fleet) Close() error {
	for _, name := range f.services {
		f.bus.UnregisterService(name)
	}
	f.services = nil

	var err error
	for _, id := range f.Agents() {
		a := f.agents[id]
		if a.listener != nil {
			err = multierr.Append(err, a.listener.Close())
		}
		if a.bridge != nil {
			err = multierr.Append(err, a.bridge.Shutdown())
		}
		if a.logFile != nil {
			err = multierr.Append(err, a.logFile.Close())
		}
	}
	f.agents = map[string]*agent{}
	return err
}
