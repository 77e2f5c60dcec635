// Package bridge implements the Bridge Coordinator: a cooperative polling
// loop that translates PLC intent into robot motion, mirrors robot feedback
// back into PLC memory, and enforces the Stopped/Running/Halted state
// machine. The Bridge is the only component that issues motion commands.
package bridge

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/adapter"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridgeerr"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/config"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/plc"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/robotdriver"
)

// RobotDriverFace is the subset of the Robot Driver the Bridge drives.
type RobotDriverFace interface {
	IsConnected() bool
	MoveTo(ctx context.Context, pose robotdriver.Pose, mode robotdriver.Mode) (uint32, error)
	Home(ctx context.Context) (uint32, error)
	ClearQueue(ctx context.Context) error
	EmergencyStop(ctx context.Context) error
	GetStatus(ctx context.Context) (robotdriver.Status, error)
	GetPose(ctx context.Context) (robotdriver.Pose, error)
	SetGripper(ctx context.Context, on bool) error
	SetSpeed(ctx context.Context, velocityRatio, accelerationRatio int) error
}

// PLCDriverFace is the subset of the PLC Driver the Bridge drives.
type PLCDriverFace interface {
	IsConnected() bool
	ReadControlBits() (plc.ControlBits, error)
	WriteControlBits(patch plc.ControlBitsPatch) error
	ReadTargetPose() (plc.Pose, error)
	WriteFeedbackPose(p plc.Pose) error
	WriteStatus(code plc.StatusCode) error
}

// SafetyFace is the subset of the Safety Supervisor the Bridge consults
// before every motion submission, per the component contract.
type SafetyFace interface {
	Validate(x, y, z, r float32) error
	Emergency(ctx context.Context) error
	Release()
	IsActive() bool
}

// Publisher is satisfied by *adapter.Bus.
type Publisher interface {
	Publish(ev adapter.Event)
}

// Coordinator is the Bridge. It holds weak references to both drivers (per
// the data model's ownership rule) and owns its internal tick state alone;
// external readers only ever see snapshots through the query methods below.
type Coordinator struct {
	robot  RobotDriverFace
	plcDrv PLCDriverFace
	safety SafetyFace
	bus    Publisher
	cfg    config.BridgeConfig
	logger *zap.Logger

	fsmMu sync.Mutex
	fsm   *fsm

	mu                sync.RWMutex
	busy              bool
	prevBits          plc.ControlBits
	emergencyLatch    bool
	status            plc.StatusCode
	consecutiveErrors int
	lastQueueIndex    uint32
	lastPose          robotdriver.Pose
	lastFeedbackWrite robotdriver.Pose
	lastFeedbackPush  time.Time
	prevRobotConn     bool
	prevPLCConn       bool

	tickStop chan struct{}
	tickDone chan struct{}
}

func New(robot RobotDriverFace, plcDrv PLCDriverFace, safety SafetyFace, bus Publisher, cfg config.BridgeConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		robot:  robot,
		plcDrv: plcDrv,
		safety: safety,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		fsm:    newFSM(Stopped),
	}
}

// Start is the external Start command: Stopped->Running or Halted->Running
// (operator acknowledgement is the act of calling Start again after a halt).
// Requires both drivers connected.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.robot.IsConnected() || !c.plcDrv.IsConnected() {
		return bridgeerr.Coordinator(bridgeerr.KindDriverUnavailable, "cannot start: a driver is not connected", map[string]any{
			"robot_connected": c.robot.IsConnected(), "plc_connected": c.plcDrv.IsConnected(),
		})
	}

	c.fsmMu.Lock()
	ok := c.fsm.transitionTo(Running)
	c.fsmMu.Unlock()
	if !ok {
		return bridgeerr.Coordinator(bridgeerr.KindInvalidStateForOp, "cannot start from current state", nil)
	}

	c.mu.Lock()
	c.consecutiveErrors = 0
	c.mu.Unlock()

	c.publishState(Running)

	if c.tickStop == nil {
		c.tickStop = make(chan struct{})
		c.tickDone = make(chan struct{})
		go c.runLoop(ctx)
	}
	return nil
}

// Stop is the external Stop command: Running->Stopped, always allowed.
func (c *Coordinator) Stop() {
	c.fsmMu.Lock()
	c.fsm.transitionTo(Stopped)
	c.fsmMu.Unlock()
	c.publishState(Stopped)
}

func (c *Coordinator) State() State {
	c.fsmMu.Lock()
	defer c.fsmMu.Unlock()
	return c.fsm.current
}

func (c *Coordinator) publishState(s State) {
	c.bus.Publish(adapter.Event{Kind: adapter.EventBridgeStateChanged, Payload: map[string]any{"state": s.String()}})
}

// runLoop is the tick loop: a time.Ticker-driven goroutine. Because it is
// the single consumer of ticker.C and processes one tick to completion
// before the next receive, ticks are inherently non-overlapping — a slow
// tick causes later ticker fires to be dropped rather than queued, matching
// "ticks are non-overlapping: if a tick runs long, subsequent ticks are
// skipped, not queued."
func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.tickDone)
	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.tickStop:
			return
		case <-ticker.C:
			if c.State() != Running {
				continue
			}
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if err := c.doTick(ctx); err != nil {
		c.logger.Warn("bridge tick failed", zap.Error(err))
		c.onTickError()
		return
	}
	c.mu.Lock()
	c.consecutiveErrors = 0
	c.mu.Unlock()
}

func (c *Coordinator) onTickError() {
	c.mu.Lock()
	c.consecutiveErrors++
	halt := c.consecutiveErrors >= c.cfg.ErrorThreshold
	c.mu.Unlock()
	if !halt {
		return
	}
	c.fsmMu.Lock()
	c.fsm.force(Halted)
	c.fsmMu.Unlock()
	c.logger.Error("bridge halted: consecutive tick error threshold reached", zap.Int("threshold", c.cfg.ErrorThreshold))
	c.publishState(Halted)
}

// doTick runs the six-step algorithm in strict order.
func (c *Coordinator) doTick(ctx context.Context) error {
	// 1. Read ControlBits and TargetPose from the PLC.
	bits, err := c.plcDrv.ReadControlBits()
	if err != nil {
		return err
	}
	target, err := c.plcDrv.ReadTargetPose()
	if err != nil {
		return err
	}

	c.mu.RLock()
	prevBits := c.prevBits
	busy := c.busy
	emergencyLatch := c.emergencyLatch
	c.mu.RUnlock()

	// 2. Emergency handling.
	if bits.EStop && !prevBits.EStop {
		if err := c.safety.Emergency(ctx); err != nil {
			c.logger.Warn("emergency fan-out reported an error", zap.Error(err))
		}
		c.setStatus(plc.StatusEmergencyStop)
		c.mu.Lock()
		c.emergencyLatch = true
		c.prevBits = bits
		c.mu.Unlock()
		c.bus.Publish(adapter.Event{Kind: adapter.EventEmergencyStop, Payload: map[string]any{"active": true}})
		return nil
	}
	if !bits.EStop && prevBits.EStop {
		c.safety.Release()
		c.mu.Lock()
		c.emergencyLatch = false
		c.mu.Unlock()
		emergencyLatch = false
		c.bus.Publish(adapter.Event{Kind: adapter.EventEmergencyStop, Payload: map[string]any{"active": false}})
	}

	// 3. Command dispatch: edge-triggered, gated on !busy && !emergencyLatch,
	// tie-broken stop > home > start.
	stopEdge := bits.Stop && !prevBits.Stop
	homeEdge := bits.Home && !prevBits.Home
	startEdge := bits.Start && !prevBits.Start

	if !busy && !emergencyLatch {
		switch {
		case stopEdge:
			if err := c.robot.ClearQueue(ctx); err != nil {
				return err
			}
			c.setStatus(plc.StatusStopped)
			if err := c.plcDrv.WriteControlBits(plc.ControlBitsPatch{Stop: plc.Bool(false)}); err != nil {
				return err
			}
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
		case homeEdge:
			idx, err := c.robot.Home(ctx)
			if err != nil {
				return err
			}
			c.setStatus(plc.StatusHoming)
			if err := c.plcDrv.WriteControlBits(plc.ControlBitsPatch{Home: plc.Bool(false)}); err != nil {
				return err
			}
			c.mu.Lock()
			c.lastQueueIndex = idx
			c.mu.Unlock()
		case startEdge:
			pose := robotdriver.Pose{X: target.X, Y: target.Y, Z: target.Z, R: 0}
			if err := c.safety.Validate(pose.X, pose.Y, pose.Z, pose.R); err != nil {
				return err
			}
			idx, err := c.robot.MoveTo(ctx, pose, robotdriver.LinearXYZ)
			if err != nil {
				return err
			}
			c.setStatus(plc.StatusExecuting)
			if err := c.plcDrv.WriteControlBits(plc.ControlBitsPatch{Start: plc.Bool(false)}); err != nil {
				return err
			}
			c.mu.Lock()
			c.busy = true
			c.lastQueueIndex = idx
			c.mu.Unlock()
		}
	}

	// 4. Progress check.
	c.mu.RLock()
	busy = c.busy
	lastIdx := c.lastQueueIndex
	c.mu.RUnlock()
	if busy {
		robotStatus, err := c.robot.GetStatus(ctx)
		if err != nil {
			return err
		}
		if robotStatus.CurrentIndex >= lastIdx {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
			c.setStatus(plc.StatusIdle)
		}
	}

	// 5. Feedback.
	pose, err := c.robot.GetPose(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastPose = pose
	changed := axisChanged(pose, c.lastFeedbackWrite, float32(c.cfg.PoseEpsilonMm))
	if changed {
		c.lastFeedbackWrite = pose
	}
	pushDue := time.Since(c.lastFeedbackPush) >= c.cfg.FeedbackMinInterval()
	if pushDue {
		c.lastFeedbackPush = time.Now()
	}
	c.mu.Unlock()

	if changed {
		if err := c.plcDrv.WriteFeedbackPose(plc.Pose{X: pose.X, Y: pose.Y, Z: pose.Z}); err != nil {
			return err
		}
	}
	if pushDue {
		c.bus.Publish(adapter.Event{Kind: adapter.EventPoseUpdated, Payload: map[string]any{
			"x": pose.X, "y": pose.Y, "z": pose.Z, "r": pose.R,
		}})
	}

	robotConn := c.robot.IsConnected()
	plcConn := c.plcDrv.IsConnected()
	c.mu.Lock()
	prevRobotConn := c.prevRobotConn
	prevPLCConn := c.prevPLCConn
	c.prevRobotConn = robotConn
	c.prevPLCConn = plcConn
	c.mu.Unlock()
	if robotConn != prevRobotConn {
		kind := adapter.EventRobotDisconnected
		if robotConn {
			kind = adapter.EventRobotConnected
		}
		c.bus.Publish(adapter.Event{Kind: kind})
	}
	if plcConn != prevPLCConn {
		kind := adapter.EventPLCDisconnected
		if plcConn {
			kind = adapter.EventPLCConnected
		}
		c.bus.Publish(adapter.Event{Kind: kind})
	}

	// 6. Save previous edge-detection state.
	c.mu.Lock()
	c.prevBits = bits
	c.mu.Unlock()
	return nil
}

func axisChanged(a, b robotdriver.Pose, epsilon float32) bool {
	return diff(a.X, b.X) > epsilon || diff(a.Y, b.Y) > epsilon || diff(a.Z, b.Z) > epsilon
}

func diff(a, b float32) float32 {
	return float32(math.Abs(float64(a - b)))
}

func (c *Coordinator) setStatus(code plc.StatusCode) {
	c.mu.Lock()
	c.status = code
	c.mu.Unlock()
	if err := c.plcDrv.WriteStatus(code); err != nil {
		c.logger.Warn("failed to write status code", zap.Error(err))
	}
	c.bus.Publish(adapter.Event{Kind: adapter.EventStatusChanged, Payload: map[string]any{"code": int(code)}})
}

// SubmitMoveTo, SubmitHome, etc. are the External Adapter's entry points
// into the Bridge. They bypass PLC-bit edge detection (an external command
// is already an edge). SubmitMoveTo and SubmitHome still go through the
// busy/emergency gate, and SubmitMoveTo also through the Safety Supervisor;
// SubmitSuction, SubmitGripper and SubmitSpeed are forwarded without that gate.
func (c *Coordinator) SubmitMoveTo(ctx context.Context, pose robotdriver.Pose) error {
	if err := c.rejectIfBusyOrEmergency(); err != nil {
		return err
	}
	if err := c.safety.Validate(pose.X, pose.Y, pose.Z, pose.R); err != nil {
		return err
	}
	idx, err := c.robot.MoveTo(ctx, pose, robotdriver.LinearXYZ)
	if err != nil {
		return err
	}
	c.setStatus(plc.StatusExecuting)
	c.mu.Lock()
	c.busy = true
	c.lastQueueIndex = idx
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) SubmitHome(ctx context.Context) error {
	if err := c.rejectIfBusyOrEmergency(); err != nil {
		return err
	}
	idx, err := c.robot.Home(ctx)
	if err != nil {
		return err
	}
	c.setStatus(plc.StatusHoming)
	c.mu.Lock()
	c.lastQueueIndex = idx
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) SubmitSuction(ctx context.Context, on bool) error {
	return c.plcDrv.WriteControlBits(plc.ControlBitsPatch{Suction: plc.Bool(on)})
}

// SubmitGripper has no PLC marker address of its own (the memory map names
// only Suction among end-effector bits); unlike motion, it is immediate and
// idempotent on the wire, so it goes straight to the Robot Driver without
// touching PLC state or the busy/queue-index bookkeeping.
func (c *Coordinator) SubmitGripper(ctx context.Context, on bool) error {
	return c.robot.SetGripper(ctx, on)
}

// SubmitSpeed re-issues the PTP velocity/acceleration ratios at runtime,
// bypassing PLC state entirely (there is no marker address for speed in the
// memory map) the same way SubmitGripper does.
func (c *Coordinator) SubmitSpeed(ctx context.Context, velocityRatio, accelerationRatio int) error {
	return c.robot.SetSpeed(ctx, velocityRatio, accelerationRatio)
}

func (c *Coordinator) RequestEmergencyStop(ctx context.Context) error {
	if err := c.robot.EmergencyStop(ctx); err != nil {
		c.logger.Warn("external emergency stop: robot driver stop failed", zap.Error(err))
	}
	c.setStatus(plc.StatusEmergencyStop)
	c.mu.Lock()
	c.emergencyLatch = true
	c.mu.Unlock()
	c.bus.Publish(adapter.Event{Kind: adapter.EventEmergencyStop, Payload: map[string]any{"active": true}})
	return c.plcDrv.WriteControlBits(plc.ControlBitsPatch{EStop: plc.Bool(true)})
}

func (c *Coordinator) rejectIfBusyOrEmergency() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.busy {
		return bridgeerr.Coordinator(bridgeerr.KindInvalidStateForOp, "bridge is busy with a prior motion", nil)
	}
	if c.emergencyLatch {
		return bridgeerr.Coordinator(bridgeerr.KindEmergencyActive, "emergency stop is active", nil)
	}
	return nil
}

func (c *Coordinator) LatestPose() robotdriver.Pose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPose
}

func (c *Coordinator) LatestStatus() plc.StatusCode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Coordinator) RobotConnected() bool { return c.robot.IsConnected() }
func (c *Coordinator) PLCConnected() bool   { return c.plcDrv.IsConnected() }
