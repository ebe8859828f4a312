package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteDwords(t *testing.T) {
	d := ReadWrite{
		Op:           OpWrite,
		SLBA:         0x0000000100000010,
		Blocks:       8,
		PRInfo:       0x9,
		FUA:          true,
		LimitedRetry: true,
		DSM:          0x21,
		EILBRT:       0xCAFEF00D,
		ELBAT:        0x1234,
		ELBATM:       0xFFFF,
	}
	buf := make([]byte, 8*512)
	c, xfer, err := ReadWriteCommand(1, d, buf)
	require.NoError(t, err)

	assert.Equal(t, uint8(0x01), c.OpcodeByte())
	assert.Equal(t, uint32(1), c.NSID())
	assert.Equal(t, uint32(0x10), c.DW(10))
	assert.Equal(t, uint32(0x1), c.DW(11))
	assert.Equal(t, uint32(1<<31|1<<30|0x9<<26|7), c.DW(12))
	assert.Equal(t, uint32(0x21), c.DW(13))
	assert.Equal(t, uint32(0xCAFEF00D), c.DW(14))
	assert.Equal(t, uint32(0xFFFF1234), c.DW(15))
	assert.Equal(t, DirToDevice, xfer.Direction)
	require.NoError(t, xfer.Validate(OpWrite))

	got, err := DecodeReadWrite(&c, OpWrite)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestReadWriteRejects(t *testing.T) {
	_, _, err := ReadWriteCommand(1, ReadWrite{Op: OpRead, Blocks: 0}, make([]byte, 512))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = ReadWriteCommand(1, ReadWrite{Op: OpRead, Blocks: 1}, nil)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, _, err = ReadWriteCommand(1, ReadWrite{Op: OpFlush, Blocks: 1}, make([]byte, 512))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Build(Header{}, ReadWrite{Op: OpRead, Blocks: 1, Deallocate: true})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriteZeroesAndFlush(t *testing.T) {
	c, xfer, err := WriteZeroesCommand(1, ReadWrite{Op: OpWriteZeroes, SLBA: 100, Blocks: 4, Deallocate: true})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x08), c.OpcodeByte())
	assert.Equal(t, uint32(1<<25|3), c.DW(12))
	assert.Equal(t, DirNone, xfer.Direction)

	c, xfer, err = FlushCommand(1)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x00), c.OpcodeByte())
	assert.Equal(t, uint32(1), c.NSID())
	require.NoError(t, xfer.Validate(OpFlush))
}

func TestDatasetManagement(t *testing.T) {
	ranges := []DSMRange{
		{Blocks: 8, SLBA: 0},
		{Attributes: 1, Blocks: 16, SLBA: 1 << 40},
	}
	buf := make([]byte, 4096)
	c, xfer, err := DatasetManagementCommand(1, DatasetManagement{Deallocate: true}, ranges, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.DW(10))
	assert.Equal(t, uint32(1<<2), c.DW(11))
	assert.Equal(t, 2*DSMRangeSize, xfer.Len())

	d, err := DecodeDatasetManagement(&c)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), d.Ranges)

	got, err := DecodeDSMRanges(xfer.Buffer, 2)
	require.NoError(t, err)
	assert.Equal(t, ranges, got)

	_, _, err = DatasetManagementCommand(1, DatasetManagement{}, nil, buf)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = DatasetManagementCommand(1, DatasetManagement{}, ranges, buf[:16])
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}
