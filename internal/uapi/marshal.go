package uapi

import (
	"encoding/binary"
)

// Marshal converts an ioctl argument to the byte layout the driver expects.
// It returns nil for types this package does not define.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *Send64B:
		return marshalSend64B(val)
	case *CreateAdmnQ:
		buf := make([]byte, SizeofCreateAdmnQ)
		binary.LittleEndian.PutUint32(buf[0:4], val.Type)
		binary.LittleEndian.PutUint32(buf[4:8], val.Elements)
		return buf
	case *PrepSQ:
		buf := make([]byte, SizeofPrepSQ)
		binary.LittleEndian.PutUint32(buf[0:4], val.Elements)
		binary.LittleEndian.PutUint16(buf[4:6], val.SQID)
		binary.LittleEndian.PutUint16(buf[6:8], val.CQID)
		buf[8] = val.Contig
		return buf
	case *PrepCQ:
		buf := make([]byte, SizeofPrepCQ)
		binary.LittleEndian.PutUint32(buf[0:4], val.Elements)
		binary.LittleEndian.PutUint16(buf[4:6], val.CQID)
		buf[6] = val.Contig
		return buf
	case *ReapInquiry:
		buf := make([]byte, SizeofReapInquiry)
		binary.LittleEndian.PutUint16(buf[0:2], val.QID)
		binary.LittleEndian.PutUint32(buf[4:8], val.NumRemaining)
		binary.LittleEndian.PutUint32(buf[8:12], val.ISRCount)
		return buf
	case *Reap:
		return marshalReap(val)
	case *DriverMetrics:
		buf := make([]byte, SizeofDriverMetrics)
		binary.LittleEndian.PutUint32(buf[0:4], val.DriverVersion)
		binary.LittleEndian.PutUint32(buf[4:8], val.APIVersion)
		return buf
	case *Interrupts:
		return marshalInterrupts(val)
	case *DeviceMetrics:
		return marshalInterrupts(&val.IRQActive)
	case *RWGeneric:
		buf := make([]byte, SizeofRWGeneric)
		binary.LittleEndian.PutUint32(buf[0:4], val.Type)
		binary.LittleEndian.PutUint32(buf[4:8], val.Offset)
		binary.LittleEndian.PutUint32(buf[8:12], val.NBytes)
		binary.LittleEndian.PutUint32(buf[12:16], val.AccType)
		binary.LittleEndian.PutUint64(buf[16:24], val.Buffer)
		return buf
	case *LogStr:
		buf := make([]byte, SizeofLogStr)
		binary.LittleEndian.PutUint16(buf[0:2], val.SLen)
		binary.LittleEndian.PutUint64(buf[8:16], val.LogStr)
		return buf
	}
	return nil
}

// Unmarshal reads the driver's output fields back into v.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *Send64B:
		return unmarshalSend64B(data, val)
	case *ReapInquiry:
		if len(data) < SizeofReapInquiry {
			return ErrInsufficientData
		}
		val.QID = binary.LittleEndian.Uint16(data[0:2])
		val.NumRemaining = binary.LittleEndian.Uint32(data[4:8])
		val.ISRCount = binary.LittleEndian.Uint32(data[8:12])
		return nil
	case *Reap:
		return unmarshalReap(data, val)
	case *DriverMetrics:
		if len(data) < SizeofDriverMetrics {
			return ErrInsufficientData
		}
		val.DriverVersion = binary.LittleEndian.Uint32(data[0:4])
		val.APIVersion = binary.LittleEndian.Uint32(data[4:8])
		return nil
	case *Interrupts:
		return unmarshalInterrupts(data, val)
	case *DeviceMetrics:
		return unmarshalInterrupts(data, &val.IRQActive)
	}
	return ErrInvalidType
}

func marshalSend64B(cmd *Send64B) []byte {
	buf := make([]byte, SizeofSend64B)

	binary.LittleEndian.PutUint32(buf[0:4], cmd.BitMask)
	binary.LittleEndian.PutUint64(buf[8:16], cmd.DataBufPtr)
	buf[16] = cmd.DataDir
	binary.LittleEndian.PutUint64(buf[24:32], cmd.CmdBufPtr)
	binary.LittleEndian.PutUint32(buf[32:36], cmd.MetaBufID)
	binary.LittleEndian.PutUint32(buf[36:40], cmd.DataBufSize)
	binary.LittleEndian.PutUint16(buf[40:42], cmd.UniqueID)
	binary.LittleEndian.PutUint16(buf[42:44], cmd.QID)

	return buf
}

func unmarshalSend64B(data []byte, cmd *Send64B) error {
	if len(data) < SizeofSend64B {
		return ErrInsufficientData
	}

	cmd.BitMask = binary.LittleEndian.Uint32(data[0:4])
	cmd.DataBufPtr = binary.LittleEndian.Uint64(data[8:16])
	cmd.DataDir = data[16]
	cmd.CmdBufPtr = binary.LittleEndian.Uint64(data[24:32])
	cmd.MetaBufID = binary.LittleEndian.Uint32(data[32:36])
	cmd.DataBufSize = binary.LittleEndian.Uint32(data[36:40])
	cmd.UniqueID = binary.LittleEndian.Uint16(data[40:42])
	cmd.QID = binary.LittleEndian.Uint16(data[42:44])

	return nil
}

func marshalReap(r *Reap) []byte {
	buf := make([]byte, SizeofReap)

	binary.LittleEndian.PutUint16(buf[0:2], r.QID)
	binary.LittleEndian.PutUint32(buf[4:8], r.Elements)
	binary.LittleEndian.PutUint32(buf[8:12], r.NumRemaining)
	binary.LittleEndian.PutUint32(buf[12:16], r.NumReaped)
	binary.LittleEndian.PutUint64(buf[16:24], r.Buffer)
	binary.LittleEndian.PutUint32(buf[24:28], r.ISRCount)
	binary.LittleEndian.PutUint32(buf[28:32], r.Size)

	return buf
}

func unmarshalReap(data []byte, r *Reap) error {
	if len(data) < SizeofReap {
		return ErrInsufficientData
	}

	r.QID = binary.LittleEndian.Uint16(data[0:2])
	r.Elements = binary.LittleEndian.Uint32(data[4:8])
	r.NumRemaining = binary.LittleEndian.Uint32(data[8:12])
	r.NumReaped = binary.LittleEndian.Uint32(data[12:16])
	r.Buffer = binary.LittleEndian.Uint64(data[16:24])
	r.ISRCount = binary.LittleEndian.Uint32(data[24:28])
	r.Size = binary.LittleEndian.Uint32(data[28:32])

	return nil
}

func marshalInterrupts(irq *Interrupts) []byte {
	buf := make([]byte, SizeofInterrupts)
	binary.LittleEndian.PutUint16(buf[0:2], irq.NumIRQs)
	binary.LittleEndian.PutUint32(buf[4:8], irq.IRQType)
	return buf
}

func unmarshalInterrupts(data []byte, irq *Interrupts) error {
	if len(data) < SizeofInterrupts {
		return ErrInsufficientData
	}
	irq.NumIRQs = binary.LittleEndian.Uint16(data[0:2])
	irq.IRQType = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// MarshalError is returned by Unmarshal.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
