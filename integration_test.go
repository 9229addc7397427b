//go:build integration

package uio_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-uio"
)

// These tests need a real UIO device. Point UIO_DEVICE at it, e.g.
//
//	UIO_DEVICE=/dev/uio0 go test -tags integration -run Integration .
func requireDevice(t *testing.T) string {
	t.Helper()
	path := os.Getenv("UIO_DEVICE")
	if path == "" {
		t.Skip("UIO_DEVICE not set")
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("%s not available: %v", path, err)
	}
	return path
}

func TestIntegrationDescribe(t *testing.T) {
	path := requireDevice(t)

	desc, err := uio.Describe(path)
	require.NoError(t, err)
	assert.NotEmpty(t, desc.Name)
	t.Logf("%s: name=%s version=%s event=%d maps=%d", path, desc.Name, desc.Version, desc.Event, len(desc.Maps))
}

func TestIntegrationMapAndRead(t *testing.T) {
	path := requireDevice(t)

	dev, err := uio.Open(path, nil)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Map(uio.DefaultMapSize))
	assert.Equal(t, uio.DeviceStateMapped, dev.State())

	uid, err := dev.ReadRegister(0x8)
	require.NoError(t, err)
	t.Logf("IP UID: 0x%08x", uid)

	_, err = dev.ReadRegister(0x3)
	assert.ErrorIs(t, err, uio.ErrInvalidOffset)
}

func TestIntegrationInterruptTimeout(t *testing.T) {
	path := requireDevice(t)

	dev, err := uio.Open(path, nil)
	require.NoError(t, err)
	defer dev.Close()

	// an idle device should not interrupt within a short window
	res, err := dev.IRQCycle(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	t.Logf("cycle: %s seq=%d", res.Outcome, res.Seq)
	require.NoError(t, dev.MaskInterrupt())
}
