//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-dnvme"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// requireRoot skips the test if not running as root
func requireRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("This test requires root privileges")
	}
}

// requireDevice skips unless the dnvme driver exposes a controller node.
func requireDevice(t *testing.T) string {
	path := os.Getenv("DNVME_DEVICE")
	if path == "" {
		path = dnvme.DefaultDevicePath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Skipf("dnvme device %s not available", path)
	}
	return path
}

func openDevice(t *testing.T) (*dnvme.Device, context.Context) {
	requireRoot(t)
	path := requireDevice(t)

	dev, err := dnvme.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	require.NoError(t, dev.Bootstrap(ctx))
	return dev, ctx
}

func await(t *testing.T, ctx context.Context, dev *dnvme.Device, cqID, cid uint16, err error) nvme.Completion {
	t.Helper()
	require.NoError(t, err)
	c, err := dev.AwaitCompletion(ctx, cqID, cid)
	require.NoError(t, err)
	require.NoError(t, c.Err())
	return c
}

func TestIntegrationIdentify(t *testing.T) {
	dev, ctx := openDevice(t)

	buf := make([]byte, nvme.IdentifyDataSize)
	cid, err := dev.IdentifyController(buf)
	await(t, ctx, dev, nvme.AdminQueueID, cid, err)

	id, err := nvme.DecodeIdentifyController(buf)
	require.NoError(t, err)
	assert.NotZero(t, id.VID)
	assert.NotEmpty(t, id.Model())
	t.Logf("controller %s %s fw %s, %d namespaces", id.Model(), id.Serial(), id.Firmware(), id.NN)
}

func TestIntegrationQueuePair(t *testing.T) {
	dev, ctx := openDevice(t)

	cid, err := dev.CreateIOCompletionQueue(dnvme.QueueDescriptor{ID: 1, Elements: 16, Contiguous: true}, nil)
	await(t, ctx, dev, nvme.AdminQueueID, cid, err)
	cid, err = dev.CreateIOSubmissionQueue(dnvme.QueueDescriptor{ID: 1, CQID: 1, Elements: 16, Contiguous: true}, nil)
	await(t, ctx, dev, nvme.AdminQueueID, cid, err)

	cid, err = dev.Flush(1, 1)
	await(t, ctx, dev, 1, cid, err)

	cid, err = dev.DeleteIOSubmissionQueue(1)
	await(t, ctx, dev, nvme.AdminQueueID, cid, err)
	cid, err = dev.DeleteIOCompletionQueue(1)
	await(t, ctx, dev, nvme.AdminQueueID, cid, err)

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.IOCommands)
	assert.GreaterOrEqual(t, snap.AdminCommands, uint64(4))
}

func TestIntegrationDriverMetrics(t *testing.T) {
	dev, _ := openDevice(t)

	m, err := dev.DriverMetrics()
	if dnvme.IsCode(err, dnvme.ErrCodeNotSupported) {
		t.Skip("driver metrics not supported")
	}
	require.NoError(t, err)
	t.Logf("driver %#x api %#x", m.DriverVersion, m.APIVersion)
}
