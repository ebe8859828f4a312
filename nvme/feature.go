package nvme

import "fmt"

// FeatureID identifies a controller feature.
type FeatureID uint8

const (
	FeatArbitration              FeatureID = 0x01
	FeatPowerManagement          FeatureID = 0x02
	FeatLBARangeType             FeatureID = 0x03
	FeatTemperatureThreshold     FeatureID = 0x04
	FeatErrorRecovery            FeatureID = 0x05
	FeatVolatileWriteCache       FeatureID = 0x06
	FeatNumberOfQueues           FeatureID = 0x07
	FeatInterruptCoalescing      FeatureID = 0x08
	FeatInterruptVectorConfig    FeatureID = 0x09
	FeatWriteAtomicity           FeatureID = 0x0A
	FeatAsyncEventConfig         FeatureID = 0x0B
	FeatAutonomousPowerState     FeatureID = 0x0C
	FeatHostMemoryBuffer         FeatureID = 0x0D
	FeatTimestamp                FeatureID = 0x0E
	FeatKeepAliveTimer           FeatureID = 0x0F
	FeatHostThermalManagement    FeatureID = 0x10
	FeatNonOpPowerStateConfig    FeatureID = 0x11
	FeatReadRecoveryLevel        FeatureID = 0x12
	FeatPredictableLatencyConfig FeatureID = 0x13
	FeatPredictableLatencyWindow FeatureID = 0x14
	FeatSoftwareProgressMarker   FeatureID = 0x80
	FeatHostIdentifier           FeatureID = 0x81
	FeatReservationNotifyMask    FeatureID = 0x82
	FeatReservationPersistence   FeatureID = 0x83
	FeatNamespaceWriteProtect    FeatureID = 0x84
)

// Select values for Get Features.
const (
	SelectCurrent      uint8 = 0
	SelectDefault      uint8 = 1
	SelectSaved        uint8 = 2
	SelectCapabilities uint8 = 3
)

// SetFeatures is the CDW10-15 layout of Set Features. CDW14 holds the
// UUID index.
type SetFeatures struct {
	FID       FeatureID
	Save      bool
	DW11      uint32
	DW12      uint32
	DW13      uint32
	DW15      uint32
	UUIDIndex uint8
}

func (SetFeatures) Opcode() Opcode { return OpSetFeatures }

func (d SetFeatures) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	op := d.Opcode()
	if dw[0], err = packDword(op,
		bits("fid", uint64(d.FID), 0, 8),
		flag("sv", d.Save, 31)); err != nil {
		return dw, err
	}
	dw[1], dw[2], dw[3], dw[5] = d.DW11, d.DW12, d.DW13, d.DW15
	if dw[4], err = packDword(op, bits("uuid_index", uint64(d.UUIDIndex), 0, 7)); err != nil {
		return dw, err
	}
	return dw, nil
}

// DecodeSetFeatures reads the Set Features dwords back out of a command.
func DecodeSetFeatures(c *Command) (SetFeatures, error) {
	if err := c.expect(OpSetFeatures); err != nil {
		return SetFeatures{}, err
	}
	dw := c.dwords()
	return SetFeatures{
		FID:       FeatureID(field(dw[0], 0, 8)),
		Save:      field(dw[0], 31, 1) == 1,
		DW11:      dw[1],
		DW12:      dw[2],
		DW13:      dw[3],
		DW15:      dw[5],
		UUIDIndex: uint8(field(dw[4], 0, 7)),
	}, nil
}

// GetFeatures is the CDW10-14 layout of Get Features.
type GetFeatures struct {
	FID       FeatureID
	Select    uint8
	DW11      uint32
	UUIDIndex uint8
}

func (GetFeatures) Opcode() Opcode { return OpGetFeatures }

func (d GetFeatures) Pack() ([6]uint32, error) {
	var dw [6]uint32
	var err error
	op := d.Opcode()
	if dw[0], err = packDword(op,
		bits("fid", uint64(d.FID), 0, 8),
		bits("sel", uint64(d.Select), 8, 3)); err != nil {
		return dw, err
	}
	dw[1] = d.DW11
	if dw[4], err = packDword(op, bits("uuid_index", uint64(d.UUIDIndex), 0, 7)); err != nil {
		return dw, err
	}
	return dw, nil
}

// DecodeGetFeatures reads the Get Features dwords back out of a command.
func DecodeGetFeatures(c *Command) (GetFeatures, error) {
	if err := c.expect(OpGetFeatures); err != nil {
		return GetFeatures{}, err
	}
	dw := c.dwords()
	return GetFeatures{
		FID:       FeatureID(field(dw[0], 0, 8)),
		Select:    uint8(field(dw[0], 8, 3)),
		DW11:      dw[1],
		UUIDIndex: uint8(field(dw[4], 0, 7)),
	}, nil
}

// SetFeaturesCommand builds Set Features. buf is optional; when present it
// is sent to the device (LBA Range Type, Host Identifier, ...).
func SetFeaturesCommand(nsid uint32, d SetFeatures, buf []byte) (Command, Transfer, error) {
	c, err := Build(Header{NSID: nsid}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	return c, featureTransfer(DirToDevice, buf), nil
}

// GetFeaturesCommand builds Get Features. buf is optional; when present
// the device writes the feature data structure into it.
func GetFeaturesCommand(nsid uint32, d GetFeatures, buf []byte) (Command, Transfer, error) {
	c, err := Build(Header{NSID: nsid}, d)
	if err != nil {
		return c, Transfer{}, err
	}
	return c, featureTransfer(DirFromDevice, buf), nil
}

func featureTransfer(dir Direction, buf []byte) Transfer {
	if len(buf) == 0 {
		return noTransfer()
	}
	return Transfer{Direction: dir, Mask: MaskPRP1Page, Buffer: buf}
}

// FeatureValue is a feature whose whole value fits in CDW11.
type FeatureValue interface {
	FeatureID() FeatureID
	Dword11() (uint32, error)
}

// SetFeatureValue builds Set Features for a typed value.
func SetFeatureValue(nsid uint32, v FeatureValue, save bool) (Command, Transfer, error) {
	dw11, err := v.Dword11()
	if err != nil {
		return Command{}, Transfer{}, err
	}
	return SetFeaturesCommand(nsid, SetFeatures{FID: v.FeatureID(), Save: save, DW11: dw11}, nil)
}

// PowerManagement is feature 0x02.
type PowerManagement struct {
	PS uint8 // power state, bits 4:0
	WH uint8 // workload hint, bits 7:5
}

func (PowerManagement) FeatureID() FeatureID { return FeatPowerManagement }

func (p PowerManagement) Dword11() (uint32, error) {
	return packDword(OpSetFeatures,
		bits("ps", uint64(p.PS), 0, 5),
		bits("wh", uint64(p.WH), 5, 3))
}

// DecodePowerManagement reads feature 0x02 from completion DW0.
func DecodePowerManagement(dw0 uint32) PowerManagement {
	return PowerManagement{
		PS: uint8(field(dw0, 0, 5)),
		WH: uint8(field(dw0, 5, 3)),
	}
}

// Arbitration is feature 0x01.
type Arbitration struct {
	Burst        uint8 // 2^n commands, bits 2:0
	LowWeight    uint8
	MediumWeight uint8
	HighWeight   uint8
}

func (Arbitration) FeatureID() FeatureID { return FeatArbitration }

func (a Arbitration) Dword11() (uint32, error) {
	return packDword(OpSetFeatures,
		bits("ab", uint64(a.Burst), 0, 3),
		bits("lpw", uint64(a.LowWeight), 8, 8),
		bits("mpw", uint64(a.MediumWeight), 16, 8),
		bits("hpw", uint64(a.HighWeight), 24, 8))
}

func DecodeArbitration(dw0 uint32) Arbitration {
	return Arbitration{
		Burst:        uint8(field(dw0, 0, 3)),
		LowWeight:    uint8(field(dw0, 8, 8)),
		MediumWeight: uint8(field(dw0, 16, 8)),
		HighWeight:   uint8(field(dw0, 24, 8)),
	}
}

// TemperatureThreshold is feature 0x04.
type TemperatureThreshold struct {
	Kelvin uint16
	Sensor uint8 // TMPSEL, bits 19:16
	Under  bool  // THSEL 01b selects the under temperature threshold
}

func (TemperatureThreshold) FeatureID() FeatureID { return FeatTemperatureThreshold }

func (t TemperatureThreshold) Dword11() (uint32, error) {
	var thsel uint64
	if t.Under {
		thsel = 1
	}
	return packDword(OpSetFeatures,
		bits("tmpth", uint64(t.Kelvin), 0, 16),
		bits("tmpsel", uint64(t.Sensor), 16, 4),
		bits("thsel", thsel, 20, 2))
}

func DecodeTemperatureThreshold(dw0 uint32) TemperatureThreshold {
	return TemperatureThreshold{Kelvin: uint16(field(dw0, 0, 16))}
}

// ErrorRecovery is feature 0x05.
type ErrorRecovery struct {
	TimeLimit uint16 // in 100ms units
	DULBE     bool
}

func (ErrorRecovery) FeatureID() FeatureID { return FeatErrorRecovery }

func (e ErrorRecovery) Dword11() (uint32, error) {
	return packDword(OpSetFeatures,
		bits("tler", uint64(e.TimeLimit), 0, 16),
		flag("dulbe", e.DULBE, 16))
}

// VolatileWriteCache is feature 0x06.
type VolatileWriteCache struct {
	Enabled bool
}

func (VolatileWriteCache) FeatureID() FeatureID { return FeatVolatileWriteCache }

func (v VolatileWriteCache) Dword11() (uint32, error) {
	return packDword(OpSetFeatures, flag("wce", v.Enabled, 0))
}

// NumberOfQueues is feature 0x07. Counts are 1-based here and 0-based on
// the wire.
type NumberOfQueues struct {
	SubmissionQueues uint32
	CompletionQueues uint32
}

func (NumberOfQueues) FeatureID() FeatureID { return FeatNumberOfQueues }

func (n NumberOfQueues) Dword11() (uint32, error) {
	if n.SubmissionQueues == 0 || n.CompletionQueues == 0 {
		return 0, fmt.Errorf("%w: number of queues must be at least 1", ErrInvalidArgument)
	}
	// 0xFFFF is reserved on the wire.
	if n.SubmissionQueues > 0xFFFF {
		return 0, &FieldError{Op: OpSetFeatures, Field: "nsqr", Value: uint64(n.SubmissionQueues), Width: 16}
	}
	if n.CompletionQueues > 0xFFFF {
		return 0, &FieldError{Op: OpSetFeatures, Field: "ncqr", Value: uint64(n.CompletionQueues), Width: 16}
	}
	return packDword(OpSetFeatures,
		bits("nsqr", uint64(n.SubmissionQueues-1), 0, 16),
		bits("ncqr", uint64(n.CompletionQueues-1), 16, 16))
}

// DecodeNumberOfQueues reads the allocated queue counts from completion DW0.
func DecodeNumberOfQueues(dw0 uint32) NumberOfQueues {
	return NumberOfQueues{
		SubmissionQueues: field(dw0, 0, 16) + 1,
		CompletionQueues: field(dw0, 16, 16) + 1,
	}
}

// InterruptCoalescing is feature 0x08.
type InterruptCoalescing struct {
	Threshold uint8 // 0-based aggregation threshold
	Time      uint8 // in 100us units
}

func (InterruptCoalescing) FeatureID() FeatureID { return FeatInterruptCoalescing }

func (c InterruptCoalescing) Dword11() (uint32, error) {
	return packDword(OpSetFeatures,
		bits("thr", uint64(c.Threshold), 0, 8),
		bits("time", uint64(c.Time), 8, 8))
}

// InterruptVectorConfig is feature 0x09.
type InterruptVectorConfig struct {
	Vector            uint16
	CoalescingDisable bool
}

func (InterruptVectorConfig) FeatureID() FeatureID { return FeatInterruptVectorConfig }

func (c InterruptVectorConfig) Dword11() (uint32, error) {
	return packDword(OpSetFeatures,
		bits("iv", uint64(c.Vector), 0, 16),
		flag("cd", c.CoalescingDisable, 16))
}

// KeepAliveTimer is feature 0x0F.
type KeepAliveTimer struct {
	TimeoutMs uint32
}

func (KeepAliveTimer) FeatureID() FeatureID { return FeatKeepAliveTimer }

func (k KeepAliveTimer) Dword11() (uint32, error) {
	return k.TimeoutMs, nil
}

var (
	_ FeatureValue = PowerManagement{}
	_ FeatureValue = Arbitration{}
	_ FeatureValue = TemperatureThreshold{}
	_ FeatureValue = ErrorRecovery{}
	_ FeatureValue = VolatileWriteCache{}
	_ FeatureValue = NumberOfQueues{}
	_ FeatureValue = InterruptCoalescing{}
	_ FeatureValue = InterruptVectorConfig{}
	_ FeatureValue = KeepAliveTimer{}
)
