package uapi

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// Test structure sizes match the driver header
func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"Send64B", unsafe.Sizeof(Send64B{}), 48},
		{"CreateAdmnQ", unsafe.Sizeof(CreateAdmnQ{}), 8},
		{"PrepSQ", unsafe.Sizeof(PrepSQ{}), 12},
		{"PrepCQ", unsafe.Sizeof(PrepCQ{}), 8},
		{"ReapInquiry", unsafe.Sizeof(ReapInquiry{}), 12},
		{"Reap", unsafe.Sizeof(Reap{}), 32},
		{"DriverMetrics", unsafe.Sizeof(DriverMetrics{}), 8},
		{"Interrupts", unsafe.Sizeof(Interrupts{}), 8},
		{"RWGeneric", unsafe.Sizeof(RWGeneric{}), 24},
		{"LogStr", unsafe.Sizeof(LogStr{}), 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestFieldOffsets(t *testing.T) {
	var s Send64B
	var r Reap
	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"send.data_buf_ptr", unsafe.Offsetof(s.DataBufPtr), 8},
		{"send.data_dir", unsafe.Offsetof(s.DataDir), 16},
		{"send.cmd_buf_ptr", unsafe.Offsetof(s.CmdBufPtr), 24},
		{"send.meta_buf_id", unsafe.Offsetof(s.MetaBufID), 32},
		{"send.data_buf_size", unsafe.Offsetof(s.DataBufSize), 36},
		{"send.unique_id", unsafe.Offsetof(s.UniqueID), 40},
		{"send.q_id", unsafe.Offsetof(s.QID), 42},
		{"reap.elements", unsafe.Offsetof(r.Elements), 4},
		{"reap.buffer", unsafe.Offsetof(r.Buffer), 16},
		{"reap.size", unsafe.Offsetof(r.Size), 28},
	}
	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("%s offset = %d, want %d", o.name, o.got, o.want)
		}
	}
}

func TestIoctlEncoding(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		// _IOWR('N', 5, 48)
		{"SEND_64B_CMD", IOCTL_SEND_64B_CMD, 3<<30 | 48<<16 | 'N'<<8 | 5},
		// _IOW('N', 7, 8)
		{"CREATE_ADMN_Q", IOCTL_CREATE_ADMN_Q, 1<<30 | 8<<16 | 'N'<<8 | 7},
		{"PREPARE_SQ_CREATION", IOCTL_PREPARE_SQ_CREATION, 1<<30 | 12<<16 | 'N'<<8 | 8},
		{"PREPARE_CQ_CREATION", IOCTL_PREPARE_CQ_CREATION, 1<<30 | 8<<16 | 'N'<<8 | 9},
		{"REAP_INQUIRY", IOCTL_REAP_INQUIRY, 3<<30 | 12<<16 | 'N'<<8 | 12},
		{"REAP", IOCTL_REAP, 3<<30 | 32<<16 | 'N'<<8 | 13},
		{"GET_DRIVER_METRICS", IOCTL_GET_DRIVER_METRICS, 2<<30 | 8<<16 | 'N'<<8 | 14},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = 0x%08x, want 0x%08x", tt.name, tt.got, tt.want)
		}
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	t.Run("Send64B", func(t *testing.T) {
		original := &Send64B{
			BitMask:     MASK_PRP1_PAGE | MASK_PRP2_PAGE,
			DataBufPtr:  0x7f0000001000,
			DataDir:     DMA_FROM_DEVICE,
			CmdBufPtr:   0x7f0000002000,
			MetaBufID:   3,
			DataBufSize: 4096,
			UniqueID:    0x1234,
			QID:         1,
		}
		data := Marshal(original)
		if len(data) != SizeofSend64B {
			t.Fatalf("Marshal returned %d bytes, want %d", len(data), SizeofSend64B)
		}
		if got := binary.LittleEndian.Uint16(data[42:44]); got != 1 {
			t.Errorf("q_id at offset 42 = %d, want 1", got)
		}

		var decoded Send64B
		if err := Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if decoded != *original {
			t.Errorf("round trip mismatch: got %+v, want %+v", decoded, *original)
		}
	})

	t.Run("Reap", func(t *testing.T) {
		original := &Reap{QID: 2, Elements: 4, NumRemaining: 1, NumReaped: 4, Buffer: 0xdead0000, ISRCount: 9, Size: 64}
		var decoded Reap
		if err := Unmarshal(Marshal(original), &decoded); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if decoded != *original {
			t.Errorf("round trip mismatch: got %+v, want %+v", decoded, *original)
		}
	})

	t.Run("PrepSQ", func(t *testing.T) {
		data := Marshal(&PrepSQ{Elements: 64, SQID: 1, CQID: 1, Contig: 1})
		if binary.LittleEndian.Uint32(data[0:4]) != 64 || data[8] != 1 {
			t.Errorf("unexpected layout % x", data)
		}
	})
}

func TestUnmarshalErrors(t *testing.T) {
	if err := Unmarshal(make([]byte, 4), &Reap{}); err != ErrInsufficientData {
		t.Errorf("short reap: got %v, want %v", err, ErrInsufficientData)
	}
	if err := Unmarshal(make([]byte, 64), &PrepCQ{}); err != ErrInvalidType {
		t.Errorf("input-only struct: got %v, want %v", err, ErrInvalidType)
	}
	if Marshal(42) != nil {
		t.Error("Marshal of an unknown type should return nil")
	}
}
