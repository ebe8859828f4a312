package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControllerConfig(t *testing.T) {
	cc := ControllerConfig{Enable: true, CSS: 0, MPS: 0, AMS: 1, SHN: 1, IOSQES: 6, IOCQES: 4}
	v := cc.Encode()
	assert.Equal(t, uint32(4<<20|6<<16|1<<14|1<<11|1), v)
	assert.Equal(t, cc, DecodeControllerConfig(v))

	// Fields are truncated to their width.
	assert.Equal(t, uint32(0xF<<7), ControllerConfig{MPS: 0xFF}.Encode())
}

func TestControllerStatus(t *testing.T) {
	assert.Equal(t, ControllerStatus{Ready: true}, DecodeControllerStatus(1))
	assert.Equal(t, ControllerStatus{Fatal: true, ShutdownStatus: 2}, DecodeControllerStatus(0x2|2<<2))
	assert.Equal(t, ControllerStatus{SubsystemReset: true, ProcessingPause: true}, DecodeControllerStatus(1<<4|1<<5))
}

func TestMSIXControl(t *testing.T) {
	m := MSIXControl(0x003F)
	assert.False(t, m.Enabled())
	assert.False(t, m.Masked())
	assert.Equal(t, 64, m.TableSize())

	m = MSIXControl(MSIXEnable | MSIXFunctionMask | 0x7FF)
	assert.True(t, m.Enabled())
	assert.True(t, m.Masked())
	assert.Equal(t, 2048, m.TableSize())
}
