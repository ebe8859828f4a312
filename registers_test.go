package dnvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-dnvme/nvme"
)

func TestControllerRegisters(t *testing.T) {
	dev, _, _ := bootedDevice(t)

	cc, err := dev.ControllerConfiguration()
	require.NoError(t, err)
	assert.True(t, cc.Enable)
	assert.Equal(t, uint8(6), cc.IOSQES, "64 byte SQ entries")
	assert.Equal(t, uint8(4), cc.IOCQES, "16 byte CQ entries")

	csts, err := dev.ControllerStatus()
	require.NoError(t, err)
	assert.True(t, csts.Ready)
	assert.False(t, csts.Fatal)

	require.NoError(t, dev.Disable())
	cc, err = dev.ControllerConfiguration()
	require.NoError(t, err)
	assert.False(t, cc.Enable)
	csts, err = dev.ControllerStatus()
	require.NoError(t, err)
	assert.False(t, csts.Ready)
}

func TestMSIX(t *testing.T) {
	dev, _, _ := newTestDevice(t, nil)

	off, err := dev.MSIXCapability()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x50), off, "found behind the power management capability")

	n, err := dev.MSIXEntryCount()
	require.NoError(t, err)
	assert.Equal(t, SimMaxQueues, n)

	ctl, err := dev.MSIXControl()
	require.NoError(t, err)
	assert.False(t, ctl.Enabled())

	require.NoError(t, dev.EnableMSIX())
	ctl, err = dev.MSIXControl()
	require.NoError(t, err)
	assert.True(t, ctl.Enabled())
	assert.Equal(t, SimMaxQueues, ctl.TableSize(), "table size kept")
}

func TestMSIXMissing(t *testing.T) {
	dev, _, _ := newTestDevice(t, nil)

	// End the capability list at the power management entry.
	require.NoError(t, dev.WriteRegister(SpacePCIHeader, 0x41, []byte{0}))
	_, err := dev.MSIXEntryCount()
	assert.True(t, IsCode(err, ErrCodeNotSupported), "%v", err)

	require.NoError(t, dev.WriteRegister(SpacePCIHeader, nvme.PCIStatus, []byte{0, 0}))
	err = dev.EnableMSIX()
	assert.True(t, IsCode(err, ErrCodeNotSupported), "%v", err)
}

func TestRegisterHelpersNeedRegisterTransport(t *testing.T) {
	dev, err := New(plainTransport{NewSimulatedController("plain")}, &Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ControllerConfiguration()
	assert.True(t, IsCode(err, ErrCodeNotSupported))
	_, err = dev.MSIXControl()
	assert.True(t, IsCode(err, ErrCodeNotSupported))
}
