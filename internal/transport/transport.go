// Package transport exposes a duplex byte channel to the robot, over either
// USB-serial or TCP, behind a single interface the Robot Driver can
// reconnect on demand.
package transport

import (
	"context"
	"io"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridgeerr"
)

// Duplex is the interface the Robot Driver drives. It does not buffer
// application-level framing; that is the Frame Codec's job.
type Duplex interface {
	Open(ctx context.Context) error
	Close() error
	Write(p []byte) (int, error)
	Reader() io.Reader
	Connected() bool
}

// errNotConnected is returned by Write when called before Open or after
// Close (Reader then hands back a reader whose Read fails with Closed),
// matching the unified {NotConnected, IoError, Closed} failure model the
// Robot Driver expects from any transport.
func errNotConnected() error {
	return bridgeerr.New(bridgeerr.KindNotConnected, "transport is not connected", nil)
}

func errClosed() error {
	return bridgeerr.New(bridgeerr.KindClosed, "transport was closed", nil)
}

func errIO(cause error) error {
	return bridgeerr.New(bridgeerr.KindIoError, cause.Error(), nil)
}
