package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/adapter"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/config"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/plc"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/robotdriver"
)

type fakeRobot struct {
	mu          sync.Mutex
	connected   bool
	pose        robotdriver.Pose
	status      robotdriver.Status
	moveCalls   int
	homeCalls   int
	stopCalls   int
	estops      int
	gripperSets int
	speedSets   int
}

func (f *fakeRobot) IsConnected() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }

func (f *fakeRobot) MoveTo(ctx context.Context, pose robotdriver.Pose, mode robotdriver.Mode) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveCalls++
	return 1, nil
}

func (f *fakeRobot) Home(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homeCalls++
	return 1, nil
}

func (f *fakeRobot) ClearQueue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeRobot) EmergencyStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estops++
	return nil
}

func (f *fakeRobot) GetStatus(ctx context.Context) (robotdriver.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeRobot) GetPose(ctx context.Context) (robotdriver.Pose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pose, nil
}

func (f *fakeRobot) SetGripper(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gripperSets++
	return nil
}

func (f *fakeRobot) SetSpeed(ctx context.Context, velocityRatio, accelerationRatio int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speedSets++
	return nil
}

type fakePLC struct {
	mu          sync.Mutex
	connected   bool
	bits        plc.ControlBits
	target      plc.Pose
	writtenBits []plc.ControlBitsPatch
	statuses    []plc.StatusCode
	feedback    []plc.Pose
}

func (f *fakePLC) IsConnected() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }

func (f *fakePLC) ReadControlBits() (plc.ControlBits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits, nil
}

func (f *fakePLC) WriteControlBits(patch plc.ControlBitsPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writtenBits = append(f.writtenBits, patch)
	if patch.Start != nil {
		f.bits.Start = *patch.Start
	}
	if patch.Stop != nil {
		f.bits.Stop = *patch.Stop
	}
	if patch.Home != nil {
		f.bits.Home = *patch.Home
	}
	if patch.EStop != nil {
		f.bits.EStop = *patch.EStop
	}
	return nil
}

func (f *fakePLC) ReadTargetPose() (plc.Pose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, nil
}

func (f *fakePLC) WriteFeedbackPose(p plc.Pose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, p)
	return nil
}

func (f *fakePLC) WriteStatus(code plc.StatusCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, code)
	return nil
}

type fakeSafety struct {
	mu          sync.Mutex
	active      bool
	emergencies int
	rejectAll   bool
}

func (f *fakeSafety) Validate(x, y, z, r float32) error {
	if f.rejectAll {
		return errFakeRejected
	}
	return nil
}

func (f *fakeSafety) Emergency(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencies++
	f.active = true
	return nil
}

func (f *fakeSafety) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
}

func (f *fakeSafety) IsActive() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.active }

var errFakeRejected = &fakeRejectedErr{}

type fakeRejectedErr struct{}

func (*fakeRejectedErr) Error() string { return "rejected" }

type fakeBus struct {
	mu     sync.Mutex
	events []adapter.Event
}

func (f *fakeBus) Publish(ev adapter.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeBus) count(kind adapter.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func testCfg() config.BridgeConfig {
	return config.BridgeConfig{
		PollIntervalMs: 10,
		ErrorThreshold: 3,
		PoseEpsilonMm:  0.1,
		FeedbackMaxHz:  20,
	}
}

// TestStartEdgeDispatchesMoveOnce covers scenario S3: a rising edge on the
// Start bit issues exactly one MoveTo, and the bit is cleared afterward so a
// held-high level does not re-fire.
func TestStartEdgeDispatchesMoveOnce(t *testing.T) {
	robot := &fakeRobot{connected: true, status: robotdriver.Status{CurrentIndex: 1}}
	plcDrv := &fakePLC{connected: true, bits: plc.ControlBits{Start: true}, target: plc.Pose{X: 100, Y: 0, Z: 150}}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	c := New(robot, plcDrv, saf, bus, testCfg(), zap.NewNop())
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if robot.moveCalls != 1 {
		t.Fatalf("expected exactly one MoveTo dispatch, got %d", robot.moveCalls)
	}

	// Bit was cleared by the tick; a held-high level (no new edge) must not
	// dispatch a second move even though busy has cleared by then.
	robot.mu.Lock()
	robot.moveCalls = 0
	robot.mu.Unlock()
	plcDrv.mu.Lock()
	plcDrv.bits.Start = true // simulate the external device re-asserting without ever clearing
	plcDrv.mu.Unlock()

	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("second doTick failed: %v", err)
	}
	if robot.moveCalls != 0 {
		t.Fatalf("expected no re-dispatch on a held-high (non-edge) Start bit, got %d", robot.moveCalls)
	}
}

// TestEmergencyLatchBlocksDispatchUntilReleased covers scenario S4: an EStop
// rising edge fans out to the Safety Supervisor and latches, blocking further
// command dispatch until the bit's falling edge is observed.
func TestEmergencyLatchBlocksDispatchUntilReleased(t *testing.T) {
	robot := &fakeRobot{connected: true}
	plcDrv := &fakePLC{connected: true, bits: plc.ControlBits{EStop: true}}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	c := New(robot, plcDrv, saf, bus, testCfg(), zap.NewNop())
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if saf.emergencies != 1 {
		t.Fatalf("expected exactly one Emergency fan-out, got %d", saf.emergencies)
	}

	c.mu.RLock()
	latched := c.emergencyLatch
	c.mu.RUnlock()
	if !latched {
		t.Fatal("expected emergencyLatch to be set after an EStop rising edge")
	}

	// Start edge arrives while still latched: must be rejected, not dispatched.
	plcDrv.mu.Lock()
	plcDrv.bits.Start = true
	plcDrv.mu.Unlock()
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if robot.moveCalls != 0 {
		t.Fatal("expected no motion dispatch while emergency latch is active")
	}

	// Falling edge on EStop releases the latch.
	plcDrv.mu.Lock()
	plcDrv.bits.EStop = false
	plcDrv.mu.Unlock()
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if saf.IsActive() {
		t.Fatal("expected Release to clear the Safety Supervisor's active flag")
	}
}

// TestTieBreakStopBeatsHomeAndStart covers the documented tie-break order:
// when multiple control bits rise in the same tick, Stop wins over Home and
// Start.
func TestTieBreakStopBeatsHomeAndStart(t *testing.T) {
	robot := &fakeRobot{connected: true}
	plcDrv := &fakePLC{connected: true, bits: plc.ControlBits{Stop: true, Home: true, Start: true}}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	c := New(robot, plcDrv, saf, bus, testCfg(), zap.NewNop())
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if robot.stopCalls != 1 {
		t.Fatalf("expected Stop to win the tie-break, got stopCalls=%d", robot.stopCalls)
	}
	if robot.homeCalls != 0 || robot.moveCalls != 0 {
		t.Fatalf("expected Home and Start to be skipped this tick, got homeCalls=%d moveCalls=%d", robot.homeCalls, robot.moveCalls)
	}
}

func TestBusyGateBlocksNewDispatchUntilProgress(t *testing.T) {
	robot := &fakeRobot{connected: true, status: robotdriver.Status{CurrentIndex: 0}}
	plcDrv := &fakePLC{connected: true, bits: plc.ControlBits{Start: true}, target: plc.Pose{X: 100}}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	c := New(robot, plcDrv, saf, bus, testCfg(), zap.NewNop())
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if robot.moveCalls != 1 {
		t.Fatalf("expected initial move dispatch, got %d", robot.moveCalls)
	}

	// A fresh Start edge while still busy (robot hasn't reached the index yet).
	plcDrv.mu.Lock()
	plcDrv.bits.Start = false
	plcDrv.mu.Unlock()
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	plcDrv.mu.Lock()
	plcDrv.bits.Start = true
	plcDrv.mu.Unlock()
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if robot.moveCalls != 1 {
		t.Fatalf("expected busy gate to block a second dispatch, got moveCalls=%d", robot.moveCalls)
	}

	// Robot reports progress: index reached, busy clears, subsequent edge dispatches.
	robot.mu.Lock()
	robot.status.CurrentIndex = 1
	robot.mu.Unlock()
	plcDrv.mu.Lock()
	plcDrv.bits.Start = false
	plcDrv.mu.Unlock()
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	plcDrv.mu.Lock()
	plcDrv.bits.Start = true
	plcDrv.mu.Unlock()
	if err := c.doTick(context.Background()); err != nil {
		t.Fatalf("doTick failed: %v", err)
	}
	if robot.moveCalls != 2 {
		t.Fatalf("expected a second dispatch once busy cleared, got moveCalls=%d", robot.moveCalls)
	}
}

func TestErrorThresholdHaltsBridge(t *testing.T) {
	robot := &fakeRobot{connected: false} // IsConnected() false doesn't error doTick directly; use a ReadControlBits failure instead
	plcDrv := &failingPLC{}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	cfg := testCfg()
	cfg.ErrorThreshold = 2
	c := New(robot, plcDrv, saf, bus, cfg, zap.NewNop())
	c.fsm.force(Running)

	for i := 0; i < 2; i++ {
		c.tick(context.Background())
	}

	if c.State() != Halted {
		t.Fatalf("expected bridge to halt after %d consecutive errors, state=%v", cfg.ErrorThreshold, c.State())
	}
	if bus.count(adapter.EventBridgeStateChanged) == 0 {
		t.Fatal("expected a bridge_state_changed event on halt")
	}
}

type failingPLC struct{}

func (f *failingPLC) IsConnected() bool                                { return true }
func (f *failingPLC) ReadControlBits() (plc.ControlBits, error)        { return plc.ControlBits{}, errFakeRejected }
func (f *failingPLC) WriteControlBits(patch plc.ControlBitsPatch) error { return nil }
func (f *failingPLC) ReadTargetPose() (plc.Pose, error)                { return plc.Pose{}, nil }
func (f *failingPLC) WriteFeedbackPose(p plc.Pose) error               { return nil }
func (f *failingPLC) WriteStatus(code plc.StatusCode) error            { return nil }

func TestSubmitMoveToRejectedWhileBusy(t *testing.T) {
	robot := &fakeRobot{connected: true}
	plcDrv := &fakePLC{connected: true}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	c := New(robot, plcDrv, saf, bus, testCfg(), zap.NewNop())
	c.mu.Lock()
	c.busy = true
	c.mu.Unlock()

	if err := c.SubmitMoveTo(context.Background(), robotdriver.Pose{X: 100}); err == nil {
		t.Fatal("expected SubmitMoveTo to reject while busy")
	}
}

func TestSubmitMoveToRejectedDuringEmergency(t *testing.T) {
	robot := &fakeRobot{connected: true}
	plcDrv := &fakePLC{connected: true}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	c := New(robot, plcDrv, saf, bus, testCfg(), zap.NewNop())
	c.mu.Lock()
	c.emergencyLatch = true
	c.mu.Unlock()

	if err := c.SubmitMoveTo(context.Background(), robotdriver.Pose{X: 100}); err == nil {
		t.Fatal("expected SubmitMoveTo to reject during an active emergency")
	}
}

func TestStartRequiresBothDriversConnected(t *testing.T) {
	robot := &fakeRobot{connected: false}
	plcDrv := &fakePLC{connected: true}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	c := New(robot, plcDrv, saf, bus, testCfg(), zap.NewNop())
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when the robot driver is not connected")
	}
	defer c.Stop()
}

func TestStartSucceedsWithBothDriversConnected(t *testing.T) {
	robot := &fakeRobot{connected: true}
	plcDrv := &fakePLC{connected: true}
	saf := &fakeSafety{}
	bus := &fakeBus{}

	cfg := testCfg()
	cfg.PollIntervalMs = 5
	c := New(robot, plcDrv, saf, bus, cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	c.Stop()
}
