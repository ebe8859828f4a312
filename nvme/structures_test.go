package nvme

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/lunixbochs/struc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyLayoutSizes(t *testing.T) {
	n, err := struc.Sizeof(&IdentifyController{})
	require.NoError(t, err)
	assert.Equal(t, IdentifyDataSize, n)

	n, err = struc.Sizeof(&IdentifyNamespace{})
	require.NoError(t, err)
	assert.Equal(t, IdentifyDataSize, n)

	n, err = struc.Sizeof(&PowerStateDescriptor{})
	require.NoError(t, err)
	assert.Equal(t, powerStateSize, n)

	n, err = struc.Sizeof(&LBARangeType{})
	require.NoError(t, err)
	assert.Equal(t, LBARangeTypeSize, n)
}

func TestDecodeIdentifyController(t *testing.T) {
	b := make([]byte, IdentifyDataSize)
	binary.LittleEndian.PutUint16(b[0:], 0x8086)
	copy(b[4:], "SN0001              ")
	copy(b[24:], "dnvme test controller")
	copy(b[64:], "1.0")
	binary.LittleEndian.PutUint32(b[80:], 0x00010400)
	b[263] = 1 // NPSS
	b[512] = 0x66
	b[513] = 0x44
	binary.LittleEndian.PutUint32(b[516:], 4)
	binary.LittleEndian.PutUint16(b[2048:], 2500)
	binary.LittleEndian.PutUint16(b[2048+32:], 900)
	b[2048+32+3] = 0x2

	id, err := DecodeIdentifyController(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8086), id.VID)
	assert.Equal(t, "SN0001", id.Serial())
	assert.Equal(t, "dnvme test controller", id.Model())
	assert.Equal(t, "1.0", id.Firmware())
	assert.Equal(t, uint8(0x66), id.SQES)
	assert.Equal(t, uint8(0x44), id.CQES)
	assert.Equal(t, uint32(4), id.NN)

	major, minor, ter := id.Version()
	assert.Equal(t, []int{1, 4, 0}, []int{major, minor, ter})

	ps, err := id.PowerStates()
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, uint16(2500), ps[0].MaxPower)
	assert.Equal(t, uint16(900), ps[1].MaxPower)
	assert.True(t, ps[1].NonOperational())

	enc, err := EncodeIdentifyController(id)
	require.NoError(t, err)
	assert.Equal(t, b, enc)

	_, err = DecodeIdentifyController(b[:100])
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestIdentifyNamespaceFormats(t *testing.T) {
	ns := &IdentifyNamespace{NSZE: 1 << 20, NCAP: 1 << 20, NLBAF: 1, FLBAS: 1}
	ns.LBAF[0] = MakeLBAFormat(LBAFormat{DataSizeShift: 9})
	ns.LBAF[1] = MakeLBAFormat(LBAFormat{MetadataSize: 8, DataSizeShift: 12, RelativePerf: 1})
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	copy(ns.NGUID[:], id[:])

	b, err := EncodeIdentifyNamespace(ns)
	require.NoError(t, err)
	require.Len(t, b, IdentifyDataSize)
	assert.Equal(t, uint64(1<<20), binary.LittleEndian.Uint64(b[0:]))
	assert.Equal(t, uint8(1), b[26])

	got, err := DecodeIdentifyNamespace(b)
	require.NoError(t, err)
	assert.Equal(t, 4096, got.BlockSize())
	assert.Equal(t, LBAFormat{MetadataSize: 8, DataSizeShift: 12, RelativePerf: 1}, got.Format(1))
	assert.Equal(t, id, got.GUID())
}

func TestUUIDList(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	b := make([]byte, IdentifyDataSize)
	require.NoError(t, EncodeUUIDList(b, ids))

	got, err := DecodeUUIDList(b)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint8(1), got[0].Index)
	assert.Equal(t, ids[1], got[1].UUID)

	_, err = DecodeUUIDList(b[:64])
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestNamespaceList(t *testing.T) {
	b := make([]byte, IdentifyDataSize)
	binary.LittleEndian.PutUint32(b[0:], 1)
	binary.LittleEndian.PutUint32(b[4:], 3)
	assert.Equal(t, []uint32{1, 3}, DecodeNamespaceList(b))
}

func TestLBARangeTypes(t *testing.T) {
	entries := []LBARangeType{
		{Type: 1, Attributes: 1, SLBA: 0, NLB: 1023},
		{Type: 2, SLBA: 1024, NLB: 2047},
	}
	entries[1].GUID[0] = 0xAB

	b := make([]byte, 2*LBARangeTypeSize)
	require.NoError(t, EncodeLBARangeTypes(b, entries))
	assert.Equal(t, uint64(1024), binary.LittleEndian.Uint64(b[64+16:]))

	got, err := DecodeLBARangeTypes(b, 2)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	assert.Equal(t, byte(0xAB), got[1].RangeGUID()[0])

	assert.ErrorIs(t, EncodeLBARangeTypes(b[:10], entries), ErrBufferTooSmall)
}
