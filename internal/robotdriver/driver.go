// Package robotdriver implements the Robot Driver: typed request/response
// over the Frame Codec, queued-command semantics, and alarm-state handling.
package robotdriver

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridgeerr"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/codec"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/transport"
)

// These two end-effector command ids are not among the "selected command ids
// used by the core" table; they follow the same immediate-control shape as
// SetEndEffectorSuctionCup and should be confirmed against firmware before
// use on real hardware.
const (
	cmdSetEndEffectorGripper byte = 63
	cmdSetEndEffectorLaser   byte = 61
)

// Validator is satisfied by the Safety Supervisor. The Robot Driver
// re-validates independently per the workspace envelope contract; it MUST
// NOT relax whatever bound the Validator enforces.
type Validator interface {
	Validate(x, y, z, r float32) error
}

// ConnectOptions carries the PTP and home parameters sent during Connect's
// initialization sequence.
type ConnectOptions struct {
	VelocityRatio     int
	AccelerationRatio int
	Home              Pose
	RequestTimeout    time.Duration
}

// Driver is the Robot Driver. One Driver owns one Session: one Transport,
// one pending-request registry, one read loop, one reaper.
type Driver struct {
	logger    *zap.Logger
	validator Validator

	transport transport.Duplex
	decoder   *codec.Decoder
	reg       *registry

	writeMu sync.Mutex
	epoch   atomic.Uint64

	connected atomic.Bool
	sessionID string

	requestTimeout time.Duration

	readCancel  context.CancelFunc
	reaperStop  chan struct{}
	reaperDone  chan struct{}

	mu               sync.Mutex
	lastQueueIndex   uint32
	currentExecIndex uint32
}

func New(tp transport.Duplex, validator Validator, logger *zap.Logger) *Driver {
	return &Driver{
		transport: tp,
		validator: validator,
		decoder:   codec.NewDecoder(),
		reg:       newRegistry(),
		logger:    logger,
	}
}

// Connect opens the Transport and runs the initialization sequence named in
// the Robot Driver contract, in order. Any failure fails Connect with
// InitializationFailed and disconnects the transport. The alarm-clear step
// is step 1 and is never skipped.
func (d *Driver) Connect(ctx context.Context, opts ConnectOptions) error {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	d.requestTimeout = opts.RequestTimeout
	d.sessionID = uuid.New().String()
	d.epoch.Add(1)

	if err := d.transport.Open(ctx); err != nil {
		return bridgeerr.New(bridgeerr.KindInitializationFailed, "transport open failed", map[string]any{"cause": err.Error()})
	}

	readCtx, cancel := context.WithCancel(context.Background())
	d.readCancel = cancel
	go d.readLoop(readCtx)

	d.reaperStop = make(chan struct{})
	d.reaperDone = make(chan struct{})
	go d.reaperLoop()

	init := []func(context.Context) error{
		func(ctx context.Context) error { return d.clearAllAlarms(ctx) },
		func(ctx context.Context) error { return d.clearQueueInit(ctx) },
		func(ctx context.Context) error { return d.setPTPCommonParams(ctx, opts.VelocityRatio, opts.AccelerationRatio) },
		func(ctx context.Context) error {
			return d.setPTPCoordinateParams(ctx, opts.VelocityRatio, opts.AccelerationRatio)
		},
		func(ctx context.Context) error { return d.setHomeParams(ctx, opts.Home) },
		func(ctx context.Context) error { return d.startQueueExec(ctx) },
	}
	for _, step := range init {
		if err := step(ctx); err != nil {
			d.disconnectLocked(bridgeerr.New(bridgeerr.KindInitializationFailed, "init sequence step failed", map[string]any{"cause": err.Error()}))
			return bridgeerr.New(bridgeerr.KindInitializationFailed, "initialization sequence failed", map[string]any{"cause": err.Error()})
		}
	}

	d.connected.Store(true)
	d.logger.Info("robot driver connected", zap.String("session_id", d.sessionID))
	return nil
}

// Disconnect tears down the session: pending requests are cancelled before
// the transport is closed so response writers never observe a closed
// channel, and the transport is released on every exit path.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.disconnectLocked(bridgeerr.New(bridgeerr.KindClosed, "disconnect requested", nil))
	return nil
}

func (d *Driver) disconnectLocked(failReason error) {
	d.connected.Store(false)
	d.reg.failAll(bridgeerr.New(bridgeerr.KindConnectionLost, "session disconnected", nil))
	if d.readCancel != nil {
		d.readCancel()
	}
	if d.reaperStop != nil {
		close(d.reaperStop)
		<-d.reaperDone
	}
	_ = d.transport.Close()
	_ = failReason
}

func (d *Driver) IsConnected() bool {
	return d.connected.Load()
}

// readLoop is the sole reader of the Transport. It feeds the streaming
// decoder and dispatches each decoded frame to the registry. Parsing is
// always single-threaded within the driver.
func (d *Driver) readLoop(ctx context.Context) {
	buf := make([]byte, 512)
	r := d.transport.Reader()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := r.Read(buf)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return
			}
			d.connected.Store(false)
			d.reg.failAll(bridgeerr.New(bridgeerr.KindConnectionLost, "transport read failed", map[string]any{"cause": err.Error()}))
			return
		}
		d.decoder.Feed(buf[:n])
		for {
			frame, ok, decErr := d.decoder.Next()
			if decErr != nil {
				d.logger.Debug("frame decode error, resynchronizing", zap.Error(decErr))
				continue
			}
			if !ok {
				break
			}
			d.reg.deliver(frame.ID, d.epoch.Load(), frame.Params, nil)
		}
	}
}

// reaperLoop sweeps expired registry entries at a fixed tick, failing them
// with RequestTimeout without affecting the rest of the session.
func (d *Driver) reaperLoop() {
	defer close(d.reaperDone)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.reaperStop:
			return
		case now := <-ticker.C:
			d.reg.reapExpired(now, bridgeerr.New(bridgeerr.KindRequestTimeout, "request timed out", nil))
		}
	}
}

// send writes one frame and waits for its matching response, honoring the
// caller's context for cancellation. Writes are serialized so the
// underlying write is always a single atomic frame.
func (d *Driver) send(ctx context.Context, id, ctrl byte, params []byte) ([]byte, error) {
	epoch := d.epoch.Load()
	pr := d.reg.register(id, epoch, d.requestTimeout)

	out, err := codec.Encode(id, ctrl, params)
	if err != nil {
		return nil, err
	}

	d.writeMu.Lock()
	_, werr := d.transport.Write(out)
	d.writeMu.Unlock()
	if werr != nil {
		d.reg.deliver(id, epoch, nil, werr)
		return nil, werr
	}

	select {
	case res := <-pr.replyCh:
		return res.params, res.err
	case <-ctx.Done():
		return nil, bridgeerr.New(bridgeerr.KindCancelled, "request cancelled", nil)
	}
}

func (d *Driver) clearAllAlarms(ctx context.Context) error {
	_, err := d.send(ctx, cmdClearAllAlarms, codec.CtrlWrite, nil)
	return err
}

func (d *Driver) clearQueueInit(ctx context.Context) error {
	_, err := d.send(ctx, cmdQueuedCmdClear, 0, nil)
	return err
}

func (d *Driver) setPTPCommonParams(ctx context.Context, velocityRatio, accelerationRatio int) error {
	params := make([]byte, 8)
	binary.LittleEndian.PutUint32(params[0:4], math.Float32bits(float32(velocityRatio)))
	binary.LittleEndian.PutUint32(params[4:8], math.Float32bits(float32(accelerationRatio)))
	_, err := d.send(ctx, cmdSetPTPCommonParams, codec.CtrlWrite|codec.CtrlQueued, params)
	return err
}

func (d *Driver) setPTPCoordinateParams(ctx context.Context, velocityRatio, accelerationRatio int) error {
	params := make([]byte, 16)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(params[i*4:i*4+4], math.Float32bits(float32(velocityRatio)))
	}
	_ = accelerationRatio // per-axis accel mirrors velocity ratio in this simplified ratio model
	_, err := d.send(ctx, cmdSetPTPCoordinateParams, codec.CtrlWrite|codec.CtrlQueued, params)
	return err
}

func (d *Driver) setHomeParams(ctx context.Context, home Pose) error {
	_, err := d.send(ctx, cmdSetHomeParams, codec.CtrlWrite|codec.CtrlQueued, encodePose(home))
	return err
}

// SetSpeed re-issues the PTP common and per-axis coordinate parameter
// commands at runtime, the same pair Connect's init sequence sends once up
// front. Ratios are 1..100 percent, matching the driver's public contract.
func (d *Driver) SetSpeed(ctx context.Context, velocityRatio, accelerationRatio int) error {
	if err := d.setPTPCommonParams(ctx, velocityRatio, accelerationRatio); err != nil {
		return err
	}
	return d.setPTPCoordinateParams(ctx, velocityRatio, accelerationRatio)
}

func (d *Driver) startQueueExec(ctx context.Context) error {
	_, err := d.send(ctx, cmdQueuedCmdStartExec, codec.CtrlWrite, nil)
	return err
}

// GetPose performs a synchronous, non-queued read of the robot's pose.
func (d *Driver) GetPose(ctx context.Context) (Pose, error) {
	params, err := d.send(ctx, cmdGetPose, 0, nil)
	if err != nil {
		return Pose{}, err
	}
	return decodePose(params)
}

// MoveTo validates the target pose, clears alarms, and submits a queued PTP
// motion command, returning the QueueIndex the robot assigns.
func (d *Driver) MoveTo(ctx context.Context, pose Pose, mode Mode) (uint32, error) {
	if err := d.validator.Validate(pose.X, pose.Y, pose.Z, pose.R); err != nil {
		return 0, err
	}
	if err := d.clearAllAlarms(ctx); err != nil {
		return 0, err
	}
	params := append([]byte{byte(mode)}, encodePose(pose)...)
	out, err := d.send(ctx, cmdSetPTPCmd, codec.CtrlWrite|codec.CtrlQueued, params)
	if err != nil {
		return 0, err
	}
	idx := decodeQueueIndex(out)
	d.mu.Lock()
	d.lastQueueIndex = idx
	d.mu.Unlock()
	return idx, nil
}

// Home submits a queued home command.
func (d *Driver) Home(ctx context.Context) (uint32, error) {
	out, err := d.send(ctx, cmdSetHomeCmd, codec.CtrlWrite|codec.CtrlQueued, nil)
	if err != nil {
		return 0, err
	}
	idx := decodeQueueIndex(out)
	d.mu.Lock()
	d.lastQueueIndex = idx
	d.mu.Unlock()
	return idx, nil
}

// SetSuction is immediate and idempotent.
func (d *Driver) SetSuction(ctx context.Context, on bool) error {
	_, err := d.send(ctx, cmdSetEndEffectorSuctionCup, codec.CtrlWrite, []byte{boolByte(on)})
	return err
}

// SetGripper is immediate and idempotent.
func (d *Driver) SetGripper(ctx context.Context, on bool) error {
	_, err := d.send(ctx, cmdSetEndEffectorGripper, codec.CtrlWrite, []byte{boolByte(on)})
	return err
}

// SetLaser is immediate and idempotent.
func (d *Driver) SetLaser(ctx context.Context, on bool) error {
	_, err := d.send(ctx, cmdSetEndEffectorLaser, codec.CtrlWrite, []byte{boolByte(on)})
	return err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// WaitForIndex polls the robot's current-executing index at a fixed cadence
// until current >= idx or the deadline expires.
func (d *Driver) WaitForIndex(ctx context.Context, idx uint32, deadline time.Time) (WaitResult, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !d.connected.Load() {
			return AbortedByDisconnect, nil
		}
		status, err := d.GetStatus(ctx)
		if err == nil && status.CurrentIndex >= idx {
			return Reached, nil
		}
		if time.Now().After(deadline) {
			return TimedOut, nil
		}
		select {
		case <-ctx.Done():
			return AbortedByDisconnect, nil
		case <-ticker.C:
		}
	}
}

// ClearQueue abandons all outstanding queued work immediately.
func (d *Driver) ClearQueue(ctx context.Context) error {
	_, err := d.send(ctx, cmdQueuedCmdClear, 0, nil)
	return err
}

// EmergencyStop clears the queue then disables the queue executor.
// Idempotent.
func (d *Driver) EmergencyStop(ctx context.Context) error {
	if err := d.ClearQueue(ctx); err != nil {
		return err
	}
	// Disabling the executor reuses the start-exec command id with the
	// write bit cleared to signal "stop", matching the firmware's single
	// toggle semantics for the queue executor.
	_, err := d.send(ctx, cmdQueuedCmdStartExec, 0, nil)
	return err
}

// GetStatus reads the current queue index, idle flag, and alarm bitfield.
func (d *Driver) GetStatus(ctx context.Context) (Status, error) {
	idxBytes, err := d.send(ctx, cmdQueuedCmdCurrentIndex, 0, nil)
	if err != nil {
		return Status{}, err
	}
	alarmBytes, err := d.send(ctx, cmdGetAlarmsState, 0, nil)
	if err != nil {
		return Status{}, err
	}
	current := decodeQueueIndex(idxBytes)
	var alarms uint16
	if len(alarmBytes) >= 2 {
		alarms = binary.LittleEndian.Uint16(alarmBytes[:2])
	}
	d.mu.Lock()
	idle := current >= d.lastQueueIndex
	d.mu.Unlock()
	return Status{CurrentIndex: current, Idle: idle, Alarms: alarms}, nil
}

func encodePose(p Pose) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(p.X))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(p.Y))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(p.Z))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(p.R))
	return buf
}

func decodePose(params []byte) (Pose, error) {
	if len(params) < 16 {
		return Pose{}, bridgeerr.New(bridgeerr.KindUnexpectedCommandId, "pose response too short", map[string]any{"len": len(params)})
	}
	return Pose{
		X: math.Float32frombits(binary.LittleEndian.Uint32(params[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(params[4:8])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(params[8:12])),
		R: math.Float32frombits(binary.LittleEndian.Uint32(params[12:16])),
	}, nil
}

func decodeQueueIndex(params []byte) uint32 {
	if len(params) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(params[0:4])
}
