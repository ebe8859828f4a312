package dnvme

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Typed accessors for the controller and PCI registers most tests touch.
// All of them go through ReadRegister and WriteRegister.

func (d *Device) readU16(space RegisterSpace, offset uint32) (uint16, error) {
	var b [2]byte
	if err := d.ReadRegister(space, offset, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (d *Device) readU32(space RegisterSpace, offset uint32) (uint32, error) {
	var b [4]byte
	if err := d.ReadRegister(space, offset, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (d *Device) writeU16(space RegisterSpace, offset uint32, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return d.WriteRegister(space, offset, b[:])
}

// ControllerConfiguration reads CC.
func (d *Device) ControllerConfiguration() (nvme.ControllerConfig, error) {
	v, err := d.readU32(SpaceBAR01, nvme.RegCC)
	if err != nil {
		return nvme.ControllerConfig{}, err
	}
	return nvme.DecodeControllerConfig(v), nil
}

// ControllerStatus reads CSTS.
func (d *Device) ControllerStatus() (nvme.ControllerStatus, error) {
	v, err := d.readU32(SpaceBAR01, nvme.RegCSTS)
	if err != nil {
		return nvme.ControllerStatus{}, err
	}
	return nvme.DecodeControllerStatus(v), nil
}

// MSIXCapability walks the PCI capability list and returns the config
// space offset of the MSI-X capability.
func (d *Device) MSIXCapability() (uint32, error) {
	status, err := d.readU16(SpacePCIHeader, nvme.PCIStatus)
	if err != nil {
		return 0, err
	}
	if status&nvme.PCIStatusCapList == 0 {
		return 0, d.noMSIX("device has no capability list")
	}

	var b [2]byte
	if err := d.ReadRegister(SpacePCIHeader, nvme.PCICapPointer, b[:1]); err != nil {
		return 0, err
	}
	ptr := uint32(b[0] &^ 0x3)
	// 48 capabilities fit in the 192 bytes after the header
	for i := 0; ptr != 0 && i < 48; i++ {
		if err := d.ReadRegister(SpacePCIHeader, ptr, b[:]); err != nil {
			return 0, err
		}
		if b[0] == nvme.PCICapIDMSIX {
			return ptr, nil
		}
		ptr = uint32(b[1] &^ 0x3)
	}
	return 0, d.noMSIX("no MSI-X capability")
}

func (d *Device) noMSIX(msg string) error {
	e := NewError("msix-capability", ErrCodeNotSupported, msg)
	e.Device = d.path
	return e
}

// MSIXControl reads the MSI-X message control word.
func (d *Device) MSIXControl() (nvme.MSIXControl, error) {
	capOff, err := d.MSIXCapability()
	if err != nil {
		return 0, err
	}
	v, err := d.readU16(SpacePCIHeader, capOff+nvme.MSIXControlOffset)
	return nvme.MSIXControl(v), err
}

// MSIXEntryCount returns the size of the MSI-X table.
func (d *Device) MSIXEntryCount() (int, error) {
	ctl, err := d.MSIXControl()
	if err != nil {
		return 0, err
	}
	return ctl.TableSize(), nil
}

// EnableMSIX sets the MSI-X enable bit. The driver still has to be told
// with Options.Admin.IRQ (or a re-bootstrap) before vectors are used.
func (d *Device) EnableMSIX() error {
	capOff, err := d.MSIXCapability()
	if err != nil {
		return err
	}
	v, err := d.readU16(SpacePCIHeader, capOff+nvme.MSIXControlOffset)
	if err != nil {
		return err
	}
	if err := d.writeU16(SpacePCIHeader, capOff+nvme.MSIXControlOffset, v|nvme.MSIXEnable); err != nil {
		return err
	}
	d.logger.Debug("msix enabled", "cap", fmt.Sprintf("%#x", capOff), "table_size", nvme.MSIXControl(v).TableSize())
	return nil
}
