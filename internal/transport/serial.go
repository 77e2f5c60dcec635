package transport

import (
	"context"
	"io"
	"sync"

	"go.bug.st/serial"
)

// Serial is a Duplex backed by a USB-serial port, opened at the configured
// path and baud rate (115200 8N1 per the robot protocol's wire spec).
type Serial struct {
	path string
	baud int

	mu   sync.RWMutex
	port serial.Port
}

func NewSerial(path string, baud int) *Serial {
	return &Serial{path: path, baud: baud}
}

func (s *Serial) Open(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.path, mode)
	if err != nil {
		return errIO(err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return errIO(err)
	}
	return nil
}

func (s *Serial) Write(p []byte) (int, error) {
	s.mu.RLock()
	port := s.port
	s.mu.RUnlock()
	if port == nil {
		return 0, errNotConnected()
	}
	n, err := port.Write(p)
	if err != nil {
		return n, errIO(err)
	}
	return n, nil
}

func (s *Serial) Reader() io.Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.port == nil {
		return closedReader{}
	}
	return s.port
}

func (s *Serial) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port != nil
}
