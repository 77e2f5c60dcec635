// Package plc implements the PLC Driver Facade: typed read/write of bits,
// words, reals, and data-block regions over S7Comm, with connection
// supervision.
package plc

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/robinson/gos7"
	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridgeerr"
)

// HealthStatus is the result of HealthCheck.
type HealthStatus int

const (
	Connected HealthStatus = iota
	Disconnected
	HealthError
)

// Driver is the PLC Driver Facade. It owns exactly one S7Comm session.
type Driver struct {
	logger *zap.Logger

	ip   string
	rack int
	slot int

	readTimeout         time.Duration
	reconnectCooldown   time.Duration
	watchdogInterval    time.Duration

	mu        sync.RWMutex
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	connected bool
	lastAttempt time.Time

	markerLocksMu sync.Mutex
	markerLocks   map[byte]*sync.Mutex

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

func New(ip string, rack, slot int, readTimeout, reconnectCooldown, watchdogInterval time.Duration, logger *zap.Logger) *Driver {
	return &Driver{
		ip:                ip,
		rack:              rack,
		slot:              slot,
		readTimeout:       readTimeout,
		reconnectCooldown: reconnectCooldown,
		watchdogInterval:  watchdogInterval,
		markerLocks:       make(map[byte]*sync.Mutex),
		logger:            logger,
	}
}

// Connect dials the PLC with bounded retry: default 3 attempts, 1 second
// spacing, per the PLC Driver contract. Both the dial and every subsequent
// per-request round trip use the configured read timeout.
func (d *Driver) Connect() error {
	const attempts = 3
	const spacing = time.Second

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(spacing)
		}
		handler := gos7.NewTCPClientHandler(d.ip, d.rack, d.slot)
		handler.Timeout = d.readTimeout
		handler.IdleTimeout = d.readTimeout
		if err := handler.Connect(); err != nil {
			lastErr = err
			continue
		}
		d.mu.Lock()
		d.handler = handler
		d.client = gos7.NewClient(handler)
		d.connected = true
		d.lastAttempt = time.Now()
		d.mu.Unlock()
		d.logger.Info("plc driver connected", zap.String("ip", d.ip))
		return nil
	}
	d.mu.Lock()
	d.connected = false
	d.lastAttempt = time.Now()
	d.mu.Unlock()
	return bridgeerr.New(bridgeerr.KindConnectTimeout, "plc connect failed after retries", map[string]any{"cause": errString(lastErr)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Driver) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler != nil {
		d.handler.Close()
	}
	d.handler = nil
	d.client = nil
	d.connected = false
}

func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// markDead handles the "a read/write that discovers a dropped
// connection marks the session dead and schedules the next reconnect"
// contract: the failing call itself returns NotConnected without blocking.
func (d *Driver) markDead() {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}

func (d *Driver) currentClient() (gos7.Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected || d.client == nil {
		return nil, bridgeerr.New(bridgeerr.KindNotConnected, "plc is not connected", nil)
	}
	return d.client, nil
}

// ReadDB reads size bytes from the given data block at offset.
func (d *Driver) ReadDB(db, offset, size int) ([]byte, error) {
	client, err := d.currentClient()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := client.AGReadDB(db, offset, size, buf); err != nil {
		d.markDead()
		return nil, bridgeerr.New(bridgeerr.KindIoError, "db read failed", map[string]any{"cause": err.Error()})
	}
	return buf, nil
}

// WriteDB writes data to the given data block at offset.
func (d *Driver) WriteDB(db, offset int, data []byte) error {
	client, err := d.currentClient()
	if err != nil {
		return err
	}
	if err := client.AGWriteDB(db, offset, len(data), data); err != nil {
		d.markDead()
		return bridgeerr.New(bridgeerr.KindIoError, "db write failed", map[string]any{"cause": err.Error()})
	}
	return nil
}

// markerMutex returns the per-byte lock guarding read-modify-write access to
// a single marker byte, creating it on first use.
func (d *Driver) markerMutex(b byte) *sync.Mutex {
	d.markerLocksMu.Lock()
	defer d.markerLocksMu.Unlock()
	m, ok := d.markerLocks[b]
	if !ok {
		m = &sync.Mutex{}
		d.markerLocks[b] = m
	}
	return m
}

func (d *Driver) readMarkerByte(byteAddr byte) (byte, error) {
	client, err := d.currentClient()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 1)
	if err := client.ReadArea(gos7.S7AreaMK, 0, int(byteAddr), 1, gos7.S7WLByte, buf); err != nil {
		d.markDead()
		return 0, bridgeerr.New(bridgeerr.KindIoError, "marker read failed", map[string]any{"cause": err.Error()})
	}
	return buf[0], nil
}

func (d *Driver) writeMarkerByte(byteAddr, value byte) error {
	client, err := d.currentClient()
	if err != nil {
		return err
	}
	buf := []byte{value}
	if err := client.WriteArea(gos7.S7AreaMK, 0, int(byteAddr), 1, gos7.S7WLByte, buf); err != nil {
		d.markDead()
		return bridgeerr.New(bridgeerr.KindIoError, "marker write failed", map[string]any{"cause": err.Error()})
	}
	return nil
}

// ReadMarkerBit reads a single bit from marker memory.
func (d *Driver) ReadMarkerBit(byteAddr, bit byte) (bool, error) {
	lock := d.markerMutex(byteAddr)
	lock.Lock()
	defer lock.Unlock()
	b, err := d.readMarkerByte(byteAddr)
	if err != nil {
		return false, err
	}
	return b&(1<<bit) != 0, nil
}

// WriteMarkerBit performs a read-modify-write on the marker byte, serialized
// within the process so concurrent bit writes to the same byte never lose
// an update.
func (d *Driver) WriteMarkerBit(byteAddr, bit byte, value bool) error {
	lock := d.markerMutex(byteAddr)
	lock.Lock()
	defer lock.Unlock()
	b, err := d.readMarkerByte(byteAddr)
	if err != nil {
		return err
	}
	if value {
		b |= 1 << bit
	} else {
		b &^= 1 << bit
	}
	return d.writeMarkerByte(byteAddr, b)
}

// ReadReal reads a big-endian IEEE-754 float from a data block.
func (d *Driver) ReadReal(db, offset int) (float32, error) {
	buf, err := d.ReadDB(db, offset, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(buf)), nil
}

// WriteReal writes a big-endian IEEE-754 float to a data block.
func (d *Driver) WriteReal(db, offset int, value float32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(value))
	return d.WriteDB(db, offset, buf)
}

func (d *Driver) ReadInt16(db, offset int) (int16, error) {
	buf, err := d.ReadDB(db, offset, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(buf)), nil
}

func (d *Driver) WriteInt16(db, offset int, value int16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(value))
	return d.WriteDB(db, offset, buf)
}

func (d *Driver) ReadWord(db, offset int) (uint16, error) {
	buf, err := d.ReadDB(db, offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (d *Driver) WriteWord(db, offset int, value uint16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, value)
	return d.WriteDB(db, offset, buf)
}

func (d *Driver) ReadDWord(db, offset int) (uint32, error) {
	buf, err := d.ReadDB(db, offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (d *Driver) WriteDWord(db, offset int, value uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	return d.WriteDB(db, offset, buf)
}

// HealthCheck probes a known marker byte and a small DB read.
func (d *Driver) HealthCheck(db, offset int) HealthStatus {
	if !d.IsConnected() {
		return Disconnected
	}
	if _, err := d.readMarkerByte(0); err != nil {
		return HealthError
	}
	if _, err := d.ReadDB(db, offset, 1); err != nil {
		return HealthError
	}
	return Connected
}

// StartWatchdog launches the reconnection watchdog: it attempts reconnection
// whenever the driver is not connected and the last attempt is older than
// the reconnect cooldown.
func (d *Driver) StartWatchdog() {
	d.watchdogStop = make(chan struct{})
	d.watchdogDone = make(chan struct{})
	go func() {
		defer close(d.watchdogDone)
		ticker := time.NewTicker(d.watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.watchdogStop:
				return
			case <-ticker.C:
				d.mu.RLock()
				connected := d.connected
				since := time.Since(d.lastAttempt)
				d.mu.RUnlock()
				if !connected && since >= d.reconnectCooldown {
					if err := d.Connect(); err != nil {
						d.logger.Warn("plc reconnect attempt failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

func (d *Driver) StopWatchdog() {
	if d.watchdogStop == nil {
		return
	}
	close(d.watchdogStop)
	<-d.watchdogDone
}
