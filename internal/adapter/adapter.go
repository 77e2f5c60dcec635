package adapter

import (
	"context"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridgeerr"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/config"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/plc"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/robotdriver"
)

// BridgeState mirrors the Bridge Coordinator's own state enum. Declared here
// (not imported) so this package never imports internal/bridge — the
// dependency runs the other way: the Bridge imports this package to publish
// onto the Bus.
type BridgeState int

const (
	StateStopped BridgeState = iota
	StateRunning
	StateHalted
)

func (s BridgeState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	case StateHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// BridgeFace is the subset of the Bridge Coordinator the Adapter drives.
// Satisfied structurally by *bridge.Coordinator; kept here instead of
// imported so this package and internal/bridge never depend on each other
// in both directions.
type BridgeFace interface {
	Start(ctx context.Context) error
	Stop()
	SubmitMoveTo(ctx context.Context, pose robotdriver.Pose) error
	SubmitHome(ctx context.Context) error
	SubmitSuction(ctx context.Context, on bool) error
	SubmitGripper(ctx context.Context, on bool) error
	SubmitSpeed(ctx context.Context, velocityRatio, accelerationRatio int) error
	RequestEmergencyStop(ctx context.Context) error
	State() BridgeState
	LatestPose() robotdriver.Pose
	LatestStatus() plc.StatusCode
	RobotConnected() bool
	PLCConnected() bool
}

// SafetyFace is the subset of the Safety Supervisor the Adapter consults
// before every external motion request, per the component contract.
type SafetyFace interface {
	Validate(x, y, z, r float32) error
	IsActive() bool
}

// Adapter is a pure translation layer: it owns no state beyond the Bus and
// references to the Bridge/Safety Supervisor/Config it forwards to or reads
// from. It never calls the Robot Driver or PLC Driver directly.
type Adapter struct {
	bridge BridgeFace
	safety SafetyFace
	cfg    *config.Config
	bus    *Bus
}

func New(bridge BridgeFace, safety SafetyFace, cfg *config.Config, bus *Bus) *Adapter {
	return &Adapter{bridge: bridge, safety: safety, cfg: cfg, bus: bus}
}

func (a *Adapter) rejectIfHaltedOrEmergency() error {
	if a.bridge.State() == StateHalted {
		return bridgeerr.Coordinator(bridgeerr.KindBridgeHalted, "bridge is halted", nil)
	}
	if a.safety.IsActive() {
		return bridgeerr.Coordinator(bridgeerr.KindEmergencyActive, "emergency stop is active", nil)
	}
	return nil
}

// MoveTo validates then forwards to the Bridge. The Bridge itself
// re-validates (it MUST NOT relax the envelope) but rejecting here avoids
// issuing wire traffic for an external request that was never going anywhere.
func (a *Adapter) MoveTo(ctx context.Context, pose robotdriver.Pose) error {
	if err := a.rejectIfHaltedOrEmergency(); err != nil {
		return err
	}
	if err := a.safety.Validate(pose.X, pose.Y, pose.Z, pose.R); err != nil {
		return err
	}
	return a.bridge.SubmitMoveTo(ctx, pose)
}

func (a *Adapter) Home(ctx context.Context) error {
	if err := a.rejectIfHaltedOrEmergency(); err != nil {
		return err
	}
	return a.bridge.SubmitHome(ctx)
}

// Stop is always allowed, even while Halted or in emergency — it only ever
// quiesces motion.
func (a *Adapter) Stop() {
	a.bridge.Stop()
}

func (a *Adapter) SetSuction(ctx context.Context, on bool) error {
	if err := a.rejectIfHaltedOrEmergency(); err != nil {
		return err
	}
	return a.bridge.SubmitSuction(ctx, on)
}

func (a *Adapter) SetGripper(ctx context.Context, on bool) error {
	if err := a.rejectIfHaltedOrEmergency(); err != nil {
		return err
	}
	return a.bridge.SubmitGripper(ctx, on)
}

// EmergencyStop is never rejected — it is the override, not a motion
// request.
func (a *Adapter) EmergencyStop(ctx context.Context) error {
	return a.bridge.RequestEmergencyStop(ctx)
}

func (a *Adapter) SetSpeed(ctx context.Context, velocityRatio, accelerationRatio int) error {
	if err := a.rejectIfHaltedOrEmergency(); err != nil {
		return err
	}
	return a.bridge.SubmitSpeed(ctx, velocityRatio, accelerationRatio)
}

// Subscribe exposes the Bus directly; kept as a thin pass-through so callers
// only ever import this package, never the Bus's internals.
func (a *Adapter) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	return a.bus.Subscribe(kinds...)
}

// Queries (pull).

func (a *Adapter) LatestPose() robotdriver.Pose {
	return a.bridge.LatestPose()
}

func (a *Adapter) LatestStatus() plc.StatusCode {
	return a.bridge.LatestStatus()
}

func (a *Adapter) BridgeState() BridgeState {
	return a.bridge.State()
}

// ConnectionStates reports both drivers' connectivity in one call, since
// callers (a UI status bar) almost always want both together.
func (a *Adapter) ConnectionStates() (robotConnected, plcConnected bool) {
	return a.bridge.RobotConnected(), a.bridge.PLCConnected()
}

func (a *Adapter) ConfigSnapshot() *config.Config {
	return a.cfg
}
