package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lunixbochs/struc"
)

// IdentifyController is the Identify Controller data structure (CNS 01h).
type IdentifyController struct {
	VID       uint16      `struc:"uint16,little"`
	SSVID     uint16      `struc:"uint16,little"`
	SN        [20]uint8   `struc:"[20]uint8"`
	MN        [40]uint8   `struc:"[40]uint8"`
	FR        [8]uint8    `struc:"[8]uint8"`
	RAB       uint8       `struc:"uint8"`
	IEEE      [3]uint8    `struc:"[3]uint8"`
	CMIC      uint8       `struc:"uint8"`
	MDTS      uint8       `struc:"uint8"`
	CNTLID    uint16      `struc:"uint16,little"`
	VER       uint32      `struc:"uint32,little"`
	RTD3R     uint32      `struc:"uint32,little"`
	RTD3E     uint32      `struc:"uint32,little"`
	OAES      uint32      `struc:"uint32,little"`
	CTRATT    uint32      `struc:"uint32,little"`
	RRLS      uint16      `struc:"uint16,little"`
	Rsvd102   [9]uint8    `struc:"[9]uint8"`
	CNTRLTYPE uint8       `struc:"uint8"`
	FGUID     [16]uint8   `struc:"[16]uint8"`
	CRDT      [3]uint16   `struc:"[3]uint16,little"`
	Rsvd134   [122]uint8  `struc:"[122]uint8"`
	OACS      uint16      `struc:"uint16,little"`
	ACL       uint8       `struc:"uint8"`
	AERL      uint8       `struc:"uint8"`
	FRMW      uint8       `struc:"uint8"`
	LPA       uint8       `struc:"uint8"`
	ELPE      uint8       `struc:"uint8"`
	NPSS      uint8       `struc:"uint8"`
	AVSCC     uint8       `struc:"uint8"`
	APSTA     uint8       `struc:"uint8"`
	WCTEMP    uint16      `struc:"uint16,little"`
	CCTEMP    uint16      `struc:"uint16,little"`
	MTFA      uint16      `struc:"uint16,little"`
	HMPRE     uint32      `struc:"uint32,little"`
	HMMIN     uint32      `struc:"uint32,little"`
	TNVMCAP   [16]uint8   `struc:"[16]uint8"`
	UNVMCAP   [16]uint8   `struc:"[16]uint8"`
	RPMBS     uint32      `struc:"uint32,little"`
	EDSTT     uint16      `struc:"uint16,little"`
	DSTO      uint8       `struc:"uint8"`
	FWUG      uint8       `struc:"uint8"`
	KAS       uint16      `struc:"uint16,little"`
	HCTMA     uint16      `struc:"uint16,little"`
	MNTMT     uint16      `struc:"uint16,little"`
	MXTMT     uint16      `struc:"uint16,little"`
	SANICAP   uint32      `struc:"uint32,little"`
	HMMINDS   uint32      `struc:"uint32,little"`
	HMMAXD    uint16      `struc:"uint16,little"`
	NSETIDMAX uint16      `struc:"uint16,little"`
	ENDGIDMAX uint16      `struc:"uint16,little"`
	ANATT     uint8       `struc:"uint8"`
	ANACAP    uint8       `struc:"uint8"`
	ANAGRPMAX uint32      `struc:"uint32,little"`
	NANAGRPID uint32      `struc:"uint32,little"`
	PELS      uint32      `struc:"uint32,little"`
	Rsvd356   [156]uint8  `struc:"[156]uint8"`
	SQES      uint8       `struc:"uint8"`
	CQES      uint8       `struc:"uint8"`
	MAXCMD    uint16      `struc:"uint16,little"`
	NN        uint32      `struc:"uint32,little"`
	ONCS      uint16      `struc:"uint16,little"`
	FUSES     uint16      `struc:"uint16,little"`
	FNA       uint8       `struc:"uint8"`
	VWC       uint8       `struc:"uint8"`
	AWUN      uint16      `struc:"uint16,little"`
	AWUPF     uint16      `struc:"uint16,little"`
	NVSCC     uint8       `struc:"uint8"`
	NWPC      uint8       `struc:"uint8"`
	ACWU      uint16      `struc:"uint16,little"`
	Rsvd534   [2]uint8    `struc:"[2]uint8"`
	SGLS      uint32      `struc:"uint32,little"`
	MNAN      uint32      `struc:"uint32,little"`
	Rsvd544   [224]uint8  `struc:"[224]uint8"`
	SUBNQN    [256]uint8  `struc:"[256]uint8"`
	Rsvd1024  [768]uint8  `struc:"[768]uint8"`
	Fabrics   [256]uint8  `struc:"[256]uint8"`
	PSD       [1024]uint8 `struc:"[1024]uint8"`
	VS        [1024]uint8 `struc:"[1024]uint8"`
}

// PowerStateDescriptor is one of the 32 entries at byte 2048 of the
// Identify Controller data.
type PowerStateDescriptor struct {
	MaxPower        uint16   `struc:"uint16,little"`
	Rsvd2           uint8    `struc:"uint8"`
	Flags           uint8    `struc:"uint8"`
	EntryLatency    uint32   `struc:"uint32,little"`
	ExitLatency     uint32   `struc:"uint32,little"`
	ReadThroughput  uint8    `struc:"uint8"`
	ReadLatency     uint8    `struc:"uint8"`
	WriteThroughput uint8    `struc:"uint8"`
	WriteLatency    uint8    `struc:"uint8"`
	IdlePower       uint16   `struc:"uint16,little"`
	IdleScale       uint8    `struc:"uint8"`
	Rsvd19          uint8    `struc:"uint8"`
	ActivePower     uint16   `struc:"uint16,little"`
	ActiveWorkScale uint8    `struc:"uint8"`
	Rsvd23          [9]uint8 `struc:"[9]uint8"`
}

const powerStateSize = 32

// NonOperational reports the NOPS flag.
func (p *PowerStateDescriptor) NonOperational() bool {
	return p.Flags&0x2 != 0
}

// DecodeIdentifyController decodes a 4096-byte Identify Controller buffer.
func DecodeIdentifyController(b []byte) (*IdentifyController, error) {
	if len(b) < IdentifyDataSize {
		return nil, fmt.Errorf("%w: identify controller needs %d bytes, have %d", ErrBufferTooSmall, IdentifyDataSize, len(b))
	}
	id := &IdentifyController{}
	if err := struc.Unpack(bytes.NewReader(b[:IdentifyDataSize]), id); err != nil {
		return nil, fmt.Errorf("nvme: decode identify controller: %w", err)
	}
	return id, nil
}

// EncodeIdentifyController is the inverse of DecodeIdentifyController.
func EncodeIdentifyController(id *IdentifyController) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, id); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (id *IdentifyController) Serial() string   { return trimField(id.SN[:]) }
func (id *IdentifyController) Model() string    { return trimField(id.MN[:]) }
func (id *IdentifyController) Firmware() string { return trimField(id.FR[:]) }
func (id *IdentifyController) NQN() string      { return trimField(id.SUBNQN[:]) }

// Version returns the major, minor and tertiary version numbers.
func (id *IdentifyController) Version() (major, minor, tertiary int) {
	return int(id.VER >> 16), int(id.VER>>8) & 0xff, int(id.VER) & 0xff
}

// PowerStates decodes the NPSS+1 supported power state descriptors.
func (id *IdentifyController) PowerStates() ([]PowerStateDescriptor, error) {
	n := int(id.NPSS) + 1
	out := make([]PowerStateDescriptor, n)
	r := bytes.NewReader(id.PSD[:])
	for i := range out {
		if err := struc.Unpack(r, &out[i]); err != nil {
			return nil, fmt.Errorf("nvme: decode power state %d: %w", i, err)
		}
	}
	return out, nil
}

func trimField(b []byte) string {
	return strings.TrimRight(string(bytes.TrimRight(b, "\x00")), " ")
}

// IdentifyNamespace is the Identify Namespace data structure (CNS 00h).
type IdentifyNamespace struct {
	NSZE     uint64      `struc:"uint64,little"`
	NCAP     uint64      `struc:"uint64,little"`
	NUSE     uint64      `struc:"uint64,little"`
	NSFEAT   uint8       `struc:"uint8"`
	NLBAF    uint8       `struc:"uint8"`
	FLBAS    uint8       `struc:"uint8"`
	MC       uint8       `struc:"uint8"`
	DPC      uint8       `struc:"uint8"`
	DPS      uint8       `struc:"uint8"`
	NMIC     uint8       `struc:"uint8"`
	RESCAP   uint8       `struc:"uint8"`
	FPI      uint8       `struc:"uint8"`
	DLFEAT   uint8       `struc:"uint8"`
	NAWUN    uint16      `struc:"uint16,little"`
	NAWUPF   uint16      `struc:"uint16,little"`
	NACWU    uint16      `struc:"uint16,little"`
	NABSN    uint16      `struc:"uint16,little"`
	NABO     uint16      `struc:"uint16,little"`
	NABSPF   uint16      `struc:"uint16,little"`
	NOIOB    uint16      `struc:"uint16,little"`
	NVMCAP   [16]uint8   `struc:"[16]uint8"`
	NPWG     uint16      `struc:"uint16,little"`
	NPWA     uint16      `struc:"uint16,little"`
	NPDG     uint16      `struc:"uint16,little"`
	NPDA     uint16      `struc:"uint16,little"`
	NOWS     uint16      `struc:"uint16,little"`
	Rsvd74   [18]uint8   `struc:"[18]uint8"`
	ANAGRPID uint32      `struc:"uint32,little"`
	Rsvd96   [3]uint8    `struc:"[3]uint8"`
	NSATTR   uint8       `struc:"uint8"`
	NVMSETID uint16      `struc:"uint16,little"`
	ENDGID   uint16      `struc:"uint16,little"`
	NGUID    [16]uint8   `struc:"[16]uint8"`
	EUI64    [8]uint8    `struc:"[8]uint8"`
	LBAF     [16]uint32  `struc:"[16]uint32,little"`
	Rsvd192  [192]uint8  `struc:"[192]uint8"`
	VS       [3712]uint8 `struc:"[3712]uint8"`
}

// LBAFormat is one decoded LBA format descriptor.
type LBAFormat struct {
	MetadataSize  uint16
	DataSizeShift uint8
	RelativePerf  uint8
}

// DecodeIdentifyNamespace decodes a 4096-byte Identify Namespace buffer.
func DecodeIdentifyNamespace(b []byte) (*IdentifyNamespace, error) {
	if len(b) < IdentifyDataSize {
		return nil, fmt.Errorf("%w: identify namespace needs %d bytes, have %d", ErrBufferTooSmall, IdentifyDataSize, len(b))
	}
	ns := &IdentifyNamespace{}
	if err := struc.Unpack(bytes.NewReader(b[:IdentifyDataSize]), ns); err != nil {
		return nil, fmt.Errorf("nvme: decode identify namespace: %w", err)
	}
	return ns, nil
}

func EncodeIdentifyNamespace(ns *IdentifyNamespace) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, ns); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Format returns LBA format i.
func (ns *IdentifyNamespace) Format(i int) LBAFormat {
	v := ns.LBAF[i&0xf]
	return LBAFormat{
		MetadataSize:  uint16(v),
		DataSizeShift: uint8(v >> 16),
		RelativePerf:  uint8(v>>24) & 0x3,
	}
}

// MakeLBAFormat packs an LBA format descriptor.
func MakeLBAFormat(f LBAFormat) uint32 {
	return uint32(f.MetadataSize) | uint32(f.DataSizeShift)<<16 | uint32(f.RelativePerf&0x3)<<24
}

// BlockSize returns the data size of the formatted LBA format.
func (ns *IdentifyNamespace) BlockSize() int {
	return 1 << ns.Format(int(ns.FLBAS&0xf)).DataSizeShift
}

// GUID returns NGUID as a UUID value.
func (ns *IdentifyNamespace) GUID() uuid.UUID {
	return uuid.UUID(ns.NGUID)
}

// UUIDEntry is one entry of the UUID list (CNS 17h). Index is the value
// to place in a command's UUID index field.
type UUIDEntry struct {
	Index       uint8
	Association uint8
	UUID        uuid.UUID
}

const uuidEntrySize = 32

// DecodeUUIDList decodes the UUID list, stopping at the first zero UUID.
func DecodeUUIDList(b []byte) ([]UUIDEntry, error) {
	if len(b) < IdentifyDataSize {
		return nil, fmt.Errorf("%w: uuid list needs %d bytes, have %d", ErrBufferTooSmall, IdentifyDataSize, len(b))
	}
	var out []UUIDEntry
	for i := 0; i < IdentifyDataSize/uuidEntrySize; i++ {
		e := b[i*uuidEntrySize:]
		id, err := uuid.FromBytes(e[16:32])
		if err != nil {
			return nil, err
		}
		if id == uuid.Nil {
			break
		}
		out = append(out, UUIDEntry{Index: uint8(i + 1), Association: e[0] & 0x3, UUID: id})
	}
	return out, nil
}

// EncodeUUIDList writes entries in UUID list format.
func EncodeUUIDList(b []byte, ids []uuid.UUID) error {
	if len(b) < IdentifyDataSize || len(ids) > IdentifyDataSize/uuidEntrySize-1 {
		return fmt.Errorf("%w: cannot encode %d uuids into %d bytes", ErrBufferTooSmall, len(ids), len(b))
	}
	for i, id := range ids {
		copy(b[i*uuidEntrySize+16:], id[:])
	}
	return nil
}

// DecodeNamespaceList decodes an active namespace list (CNS 02h).
func DecodeNamespaceList(b []byte) []uint32 {
	var out []uint32
	for i := 0; i+4 <= len(b) && i < IdentifyDataSize; i += 4 {
		nsid := binary.LittleEndian.Uint32(b[i:])
		if nsid == 0 {
			break
		}
		out = append(out, nsid)
	}
	return out
}

// EncodeControllerList writes an NVMe controller list into b.
func EncodeControllerList(b []byte, ids []uint16) {
	binary.LittleEndian.PutUint16(b, uint16(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint16(b[2+2*i:], id)
	}
}

// LBARangeType is one entry of the LBA Range Type feature (FID 03h).
type LBARangeType struct {
	Type       uint8     `struc:"uint8"`
	Attributes uint8     `struc:"uint8"`
	Rsvd2      [14]uint8 `struc:"[14]uint8"`
	SLBA       uint64    `struc:"uint64,little"`
	NLB        uint64    `struc:"uint64,little"`
	GUID       [16]uint8 `struc:"[16]uint8"`
	Rsvd48     [16]uint8 `struc:"[16]uint8"`
}

// LBARangeTypeSize is the size of one LBA range type entry.
const LBARangeTypeSize = 64

// DecodeLBARangeTypes decodes n entries.
func DecodeLBARangeTypes(b []byte, n int) ([]LBARangeType, error) {
	if len(b) < n*LBARangeTypeSize {
		return nil, fmt.Errorf("%w: %d ranges need %d bytes, have %d", ErrBufferTooSmall, n, n*LBARangeTypeSize, len(b))
	}
	out := make([]LBARangeType, n)
	r := bytes.NewReader(b)
	for i := range out {
		if err := struc.Unpack(r, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeLBARangeTypes writes entries into b.
func EncodeLBARangeTypes(b []byte, entries []LBARangeType) error {
	if len(b) < len(entries)*LBARangeTypeSize {
		return fmt.Errorf("%w: %d ranges need %d bytes, have %d", ErrBufferTooSmall, len(entries), len(entries)*LBARangeTypeSize, len(b))
	}
	var buf bytes.Buffer
	for i := range entries {
		if err := struc.Pack(&buf, &entries[i]); err != nil {
			return err
		}
	}
	copy(b, buf.Bytes())
	return nil
}

// RangeGUID returns the entry's GUID as a UUID value.
func (r *LBARangeType) RangeGUID() uuid.UUID {
	return uuid.UUID(r.GUID)
}

// NamespaceParams holds the host settable fields of the Identify Namespace
// structure sent with a Namespace Management create.
type NamespaceParams struct {
	NSZE     uint64
	NCAP     uint64
	FLBAS    uint8 // LBA format index
	DPS      uint8
	NMIC     uint8
	ANAGRPID uint32
	NVMSetID uint16
}

// Encode writes the fields at their Identify Namespace offsets and zeroes
// the rest of b.
func (s NamespaceParams) Encode(b []byte) {
	clear(b)
	binary.LittleEndian.PutUint64(b[0:], s.NSZE)
	binary.LittleEndian.PutUint64(b[8:], s.NCAP)
	b[26] = s.FLBAS
	b[29] = s.DPS
	b[30] = s.NMIC
	binary.LittleEndian.PutUint32(b[92:], s.ANAGRPID)
	binary.LittleEndian.PutUint16(b[100:], s.NVMSetID)
}

func DecodeNamespaceParams(b []byte) (NamespaceParams, error) {
	if len(b) < IdentifyDataSize {
		return NamespaceParams{}, fmt.Errorf("%w: namespace structure needs %d bytes, have %d", ErrBufferTooSmall, IdentifyDataSize, len(b))
	}
	return NamespaceParams{
		NSZE:     binary.LittleEndian.Uint64(b[0:]),
		NCAP:     binary.LittleEndian.Uint64(b[8:]),
		FLBAS:    b[26] & 0xF,
		DPS:      b[29],
		NMIC:     b[30],
		ANAGRPID: binary.LittleEndian.Uint32(b[92:]),
		NVMSetID: binary.LittleEndian.Uint16(b[100:]),
	}, nil
}
