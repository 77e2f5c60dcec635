// Package safety implements the Safety Supervisor: coordinate validation
// and E-stop fan-out. It is the single point of coordinate validation;
// drivers MAY re-validate but MUST NOT relax the envelope it enforces.
package safety

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridgeerr"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/config"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/plc"
)

// RobotStopper is satisfied by the Robot Driver.
type RobotStopper interface {
	EmergencyStop(ctx context.Context) error
}

// PLCStopper is satisfied by the PLC Driver.
type PLCStopper interface {
	WriteStatus(code plc.StatusCode) error
	WriteControlBits(patch plc.ControlBitsPatch) error
}

// Supervisor validates poses against the configured workspace envelope and
// fans out emergency stops. It holds the emergency-active flag itself,
// mirroring the teacher's map-backed EStopManager, so both the Bridge and
// the External Adapter can consult IsActive without owning that state
// themselves.
type Supervisor struct {
	envelope config.Envelope
	robot    RobotStopper
	plcDrv   PLCStopper
	logger   *zap.Logger

	mu     sync.RWMutex
	active bool
}

func New(envelope config.Envelope, robot RobotStopper, plcDrv PLCStopper, logger *zap.Logger) *Supervisor {
	return &Supervisor{envelope: envelope, robot: robot, plcDrv: plcDrv, logger: logger}
}

// SetRobotStopper wires the Robot Driver in after construction, breaking the
// constructor cycle between the Supervisor (which the Robot Driver needs as
// its coordinate Validator) and the Robot Driver (which the Supervisor needs
// as its RobotStopper). Must be called before Emergency is ever invoked.
func (s *Supervisor) SetRobotStopper(robot RobotStopper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.robot = robot
}

// Validate checks a pose against the workspace envelope, returning
// OutOfEnvelope{axis, value, bound} on the first axis that violates it.
func (s *Supervisor) Validate(x, y, z, r float32) error {
	if x < s.envelope.MinX || x > s.envelope.MaxX {
		return outOfEnvelope("x", x, s.envelope.MinX, s.envelope.MaxX)
	}
	if y < s.envelope.MinY || y > s.envelope.MaxY {
		return outOfEnvelope("y", y, s.envelope.MinY, s.envelope.MaxY)
	}
	if z < s.envelope.MinZ || z > s.envelope.MaxZ {
		return outOfEnvelope("z", z, s.envelope.MinZ, s.envelope.MaxZ)
	}
	if r < s.envelope.MinR || r > s.envelope.MaxR {
		return outOfEnvelope("r", r, s.envelope.MinR, s.envelope.MaxR)
	}
	return nil
}

func outOfEnvelope(axis string, value, min, max float32) error {
	bound := max
	if value < min {
		bound = min
	}
	return bridgeerr.New(bridgeerr.KindOutOfEnvelope, "pose outside workspace envelope", map[string]any{
		"axis": axis, "value": value, "bound": bound,
	})
}

// Emergency fans out immediate stop to the robot and PLC drivers in
// parallel, sets StatusCode=EmergencyStop, writes the E-stop marker bit,
// and marks the supervisor active so callers stop dispatching motion until
// Release is called (on the PLC bit's observed falling edge).
func (s *Supervisor) Emergency(ctx context.Context) error {
	s.mu.Lock()
	s.active = true
	robot := s.robot
	s.mu.Unlock()

	var wg sync.WaitGroup
	var robotErr, plcErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		robotErr = robot.EmergencyStop(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := s.plcDrv.WriteStatus(plc.StatusEmergencyStop); err != nil {
			plcErr = err
			return
		}
		plcErr = s.plcDrv.WriteControlBits(plc.ControlBitsPatch{EStop: plc.Bool(true)})
	}()
	wg.Wait()

	if robotErr != nil {
		s.logger.Warn("emergency stop: robot driver stop failed", zap.Error(robotErr))
	}
	if plcErr != nil {
		s.logger.Warn("emergency stop: plc write failed", zap.Error(plcErr))
	}
	if robotErr != nil {
		return robotErr
	}
	return plcErr
}

// Release clears the emergency-active latch once the E-stop bit has been
// observed cleared.
func (s *Supervisor) Release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *Supervisor) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}
