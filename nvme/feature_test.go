package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowerManagementDword(t *testing.T) {
	tests := []struct {
		name    string
		pm      PowerManagement
		want    uint32
		wantErr bool
	}{
		{"ps2", PowerManagement{PS: 2}, 0x02, false},
		{"ps31 wh7", PowerManagement{PS: 31, WH: 7}, 0xFF, false},
		{"ps overflow", PowerManagement{PS: 32}, 0, true},
		{"wh overflow", PowerManagement{WH: 8}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.pm.Dword11()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.pm, DecodePowerManagement(got))
		})
	}
}

func TestSetFeatureValueCommand(t *testing.T) {
	c, xfer, err := SetFeatureValue(0, PowerManagement{PS: 2, WH: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x09), c.OpcodeByte())
	assert.Equal(t, uint32(1<<31|0x02), c.DW(10))
	assert.Equal(t, uint32(1<<5|2), c.DW(11))
	assert.Equal(t, DirNone, xfer.Direction)
	require.NoError(t, xfer.Validate(OpSetFeatures))

	d, err := DecodeSetFeatures(&c)
	require.NoError(t, err)
	assert.Equal(t, FeatPowerManagement, d.FID)
	assert.True(t, d.Save)
}

func TestGetFeaturesCommand(t *testing.T) {
	buf := make([]byte, 4096)
	c, xfer, err := GetFeaturesCommand(1, GetFeatures{FID: FeatLBARangeType, Select: SelectDefault}, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<8|0x03), c.DW(10))
	assert.Equal(t, DirFromDevice, xfer.Direction)
	assert.Equal(t, MaskPRP1Page, xfer.Mask)
	require.NoError(t, xfer.Validate(OpGetFeatures))

	_, xfer, err = GetFeaturesCommand(0, GetFeatures{FID: FeatPowerManagement}, nil)
	require.NoError(t, err)
	assert.Equal(t, DirNone, xfer.Direction)
	assert.Equal(t, MaskNonPRP, xfer.Mask)
}

func TestTypedFeatureValues(t *testing.T) {
	tests := []struct {
		name string
		v    FeatureValue
		want uint32
	}{
		{"arbitration", Arbitration{Burst: 3, LowWeight: 1, MediumWeight: 2, HighWeight: 4}, 4<<24 | 2<<16 | 1<<8 | 3},
		{"temperature", TemperatureThreshold{Kelvin: 350, Sensor: 1, Under: true}, 1<<20 | 1<<16 | 350},
		{"error recovery", ErrorRecovery{TimeLimit: 10, DULBE: true}, 1<<16 | 10},
		{"write cache", VolatileWriteCache{Enabled: true}, 1},
		{"queues", NumberOfQueues{SubmissionQueues: 8, CompletionQueues: 4}, 3<<16 | 7},
		{"coalescing", InterruptCoalescing{Threshold: 5, Time: 2}, 2<<8 | 5},
		{"vector config", InterruptVectorConfig{Vector: 3, CoalescingDisable: true}, 1<<16 | 3},
		{"keep alive", KeepAliveTimer{TimeoutMs: 15000}, 15000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.v.Dword11()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NumberOfQueues{}.Dword11()
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NumberOfQueues{SubmissionQueues: 0x10000, CompletionQueues: 1}.Dword11()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, NumberOfQueues{SubmissionQueues: 8, CompletionQueues: 4}, DecodeNumberOfQueues(3<<16|7))
	assert.Equal(t, Arbitration{Burst: 3, LowWeight: 1, MediumWeight: 2, HighWeight: 4}, DecodeArbitration(4<<24|2<<16|1<<8|3))
}
