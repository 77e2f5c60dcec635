package robotdriver

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/codec"
)

// pipeTransport is an in-memory Duplex used to simulate the robot's firmware
// responding to the driver's initialization sequence (scenario S2).
type pipeTransport struct {
	toRobot   *io.PipeWriter
	fromRobot *io.PipeReader
	robotIn   *io.PipeReader
	robotOut  *io.PipeWriter
}

func newPipeTransport() *pipeTransport {
	aR, aW := io.Pipe() // driver writes -> robot reads
	bR, bW := io.Pipe() // robot writes -> driver reads
	return &pipeTransport{
		toRobot:   aW,
		fromRobot: bR,
		robotIn:   aR,
		robotOut:  bW,
	}
}

func (p *pipeTransport) Open(ctx context.Context) error  { return nil }
func (p *pipeTransport) Close() error                     { _ = p.toRobot.Close(); return nil }
func (p *pipeTransport) Write(b []byte) (int, error)      { return p.toRobot.Write(b) }
func (p *pipeTransport) Reader() io.Reader                { return p.fromRobot }
func (p *pipeTransport) Connected() bool                  { return true }

type alwaysOKValidator struct{}

func (alwaysOKValidator) Validate(x, y, z, r float32) error { return nil }

// runMockRobot reads frames from the driver and replies with a fixed-size
// success payload for each, simulating the firmware's connect sequence.
func runMockRobot(t *testing.T, pt *pipeTransport) {
	dec := codec.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := pt.robotIn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		for {
			frame, ok, _ := dec.Next()
			if !ok {
				break
			}
			resp := mockResponse(frame.ID)
			out, encErr := codec.Encode(frame.ID, 0, resp)
			if encErr != nil {
				t.Errorf("mock robot failed to encode response: %v", encErr)
				return
			}
			if _, werr := pt.robotOut.Write(out); werr != nil {
				return
			}
		}
	}
}

func mockResponse(id byte) []byte {
	switch id {
	case cmdQueuedCmdCurrentIndex, cmdSetHomeCmd, cmdSetPTPCmd:
		idx := make([]byte, 4)
		binary.LittleEndian.PutUint32(idx, 1)
		return idx
	case cmdGetAlarmsState:
		return []byte{0, 0}
	case cmdGetPose:
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(200))
		binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(0))
		binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(150))
		binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(0))
		return buf
	default:
		return nil
	}
}

func TestConnectSequence(t *testing.T) {
	pt := newPipeTransport()
	go runMockRobot(t, pt)

	d := New(pt, alwaysOKValidator{}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.Connect(ctx, ConnectOptions{
		VelocityRatio:     100,
		AccelerationRatio: 100,
		Home:              Pose{X: 200, Y: 0, Z: 150, R: 0},
		RequestTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !d.IsConnected() {
		t.Fatal("expected driver to report connected after successful Connect")
	}

	status, err := d.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Alarms != 0 {
		t.Fatalf("expected zero alarms after Connect, got %d", status.Alarms)
	}
}

func TestMoveToRejectsOutOfEnvelope(t *testing.T) {
	pt := newPipeTransport()
	go runMockRobot(t, pt)

	d := New(pt, rejectingValidator{}, zap.NewNop())
	ctx := context.Background()

	_, err := d.MoveTo(ctx, Pose{X: 400, Y: 0, Z: 100, R: 0}, LinearXYZ)
	if err == nil {
		t.Fatal("expected MoveTo to fail validation")
	}
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(x, y, z, r float32) error {
	return errOutOfEnvelope
}

var errOutOfEnvelope = &testEnvelopeErr{}

type testEnvelopeErr struct{}

func (*testEnvelopeErr) Error() string { return "out of envelope" }
