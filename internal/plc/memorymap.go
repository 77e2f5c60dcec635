package plc

// Memory map addresses, per the external interfaces table. The data block
// MUST be configured as non-optimized so these absolute offsets are stable.
const (
	markerByte = 0
	bitStart   = 0
	bitStop    = 1
	bitHome    = 2
	bitEStop   = 3
	bitSuction = 4
	bitReady   = 5
	bitBusy    = 6
	bitError   = 7

	feedbackDB = 1
	offsetTargetX  = 0
	offsetTargetY  = 4
	offsetTargetZ  = 8
	offsetCurrentX = 12
	offsetCurrentY = 16
	offsetCurrentZ = 20
	offsetStatus   = 24
)

// StatusCode mirrors the data model's StatusCode enumeration.
type StatusCode int16

const (
	StatusIdle StatusCode = iota
	StatusExecuting
	StatusError
	StatusHoming
	StatusStopped
	StatusEmergencyStop
)

// Pose is the plc package's own (x, y, z) view; r is not mirrored in the
// feedback region per the memory map (only x, y, z are defined there).
type Pose struct {
	X, Y, Z float32
}

// ControlBits mirrors the named booleans in marker memory. Ready/Busy/Error
// are Bridge->PLC; the rest are PLC->Bridge or bidirectional (EStop).
type ControlBits struct {
	Start   bool
	Stop    bool
	Home    bool
	EStop   bool
	Suction bool
	Ready   bool
	Busy    bool
	Error   bool
}

// ControlBitsPatch is a sparse mapping: only present keys are written.
type ControlBitsPatch struct {
	Start   *bool
	Stop    *bool
	Home    *bool
	EStop   *bool
	Suction *bool
	Ready   *bool
	Busy    *bool
	Error   *bool
}

// Bool returns a pointer to v, for building a sparse ControlBitsPatch.
func Bool(v bool) *bool { return &v }

// unpackControlBits decodes the raw control byte into named fields.
func unpackControlBits(b byte) ControlBits {
	return ControlBits{
		Start:   b&(1<<bitStart) != 0,
		Stop:    b&(1<<bitStop) != 0,
		Home:    b&(1<<bitHome) != 0,
		EStop:   b&(1<<bitEStop) != 0,
		Suction: b&(1<<bitSuction) != 0,
		Ready:   b&(1<<bitReady) != 0,
		Busy:    b&(1<<bitBusy) != 0,
		Error:   b&(1<<bitError) != 0,
	}
}

// applyControlPatch applies only the patch's present fields onto b, leaving
// every other bit untouched.
func applyControlPatch(b byte, patch ControlBitsPatch) byte {
	apply := func(bit byte, v *bool) {
		if v == nil {
			return
		}
		if *v {
			b |= 1 << bit
		} else {
			b &^= 1 << bit
		}
	}
	apply(bitStart, patch.Start)
	apply(bitStop, patch.Stop)
	apply(bitHome, patch.Home)
	apply(bitEStop, patch.EStop)
	apply(bitSuction, patch.Suction)
	apply(bitReady, patch.Ready)
	apply(bitBusy, patch.Busy)
	apply(bitError, patch.Error)
	return b
}

// ReadControlBits reads the whole control byte and unpacks every named bit.
func (d *Driver) ReadControlBits() (ControlBits, error) {
	lock := d.markerMutex(markerByte)
	lock.Lock()
	defer lock.Unlock()
	b, err := d.readMarkerByte(markerByte)
	if err != nil {
		return ControlBits{}, err
	}
	return unpackControlBits(b), nil
}

// WriteControlBits applies only the patch's present fields, read-modify-write
// against the single control byte under the same per-byte lock ReadControlBits
// uses, so the two never interleave.
func (d *Driver) WriteControlBits(patch ControlBitsPatch) error {
	lock := d.markerMutex(markerByte)
	lock.Lock()
	defer lock.Unlock()

	b, err := d.readMarkerByte(markerByte)
	if err != nil {
		return err
	}
	return d.writeMarkerByte(markerByte, applyControlPatch(b, patch))
}

// ReadPose reads three consecutive REALs (x, y, z) starting at offset in db.
func (d *Driver) ReadPose(db, offset int) (Pose, error) {
	x, err := d.ReadReal(db, offset)
	if err != nil {
		return Pose{}, err
	}
	y, err := d.ReadReal(db, offset+4)
	if err != nil {
		return Pose{}, err
	}
	z, err := d.ReadReal(db, offset+8)
	if err != nil {
		return Pose{}, err
	}
	return Pose{X: x, Y: y, Z: z}, nil
}

// WritePose writes three consecutive REALs (x, y, z) starting at offset in db.
func (d *Driver) WritePose(db, offset int, p Pose) error {
	if err := d.WriteReal(db, offset, p.X); err != nil {
		return err
	}
	if err := d.WriteReal(db, offset+4, p.Y); err != nil {
		return err
	}
	return d.WriteReal(db, offset+8, p.Z)
}

// ReadTargetPose reads the target pose region via ReadPose, bound to the
// fixed DB/offset the memory map names for PLC->Bridge target poses.
func (d *Driver) ReadTargetPose() (Pose, error) {
	return d.ReadPose(feedbackDB, offsetTargetX)
}

// WriteFeedbackPose writes the current-pose feedback region via WritePose,
// bound to the fixed DB/offset the memory map names for Bridge->PLC feedback.
func (d *Driver) WriteFeedbackPose(p Pose) error {
	return d.WritePose(feedbackDB, offsetCurrentX, p)
}

// WriteStatus writes the status code at the configured status offset.
func (d *Driver) WriteStatus(code StatusCode) error {
	return d.WriteInt16(feedbackDB, offsetStatus, int16(code))
}
