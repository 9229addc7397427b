package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSim(t *testing.T, size int) *Device {
	t.Helper()
	d, err := New(size)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Node().Close()
		d.Close()
	})
	return d
}

func writeToken(t *testing.T, n *Node, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	w, err := n.Write(buf[:])
	require.NoError(t, err)
	require.Equal(t, 4, w)
}

func readCount(t *testing.T, n *Node) uint32 {
	t.Helper()
	var buf [4]byte
	r, err := n.Read(buf[:])
	require.NoError(t, err)
	require.Equal(t, 4, r)
	return binary.NativeEndian.Uint32(buf[:])
}

func TestNewRejectsBadSize(t *testing.T) {
	for _, size := range []int{0, -4, 6} {
		_, err := New(size)
		assert.Error(t, err, "size %d", size)
	}
}

func TestRegisterWindowIsShared(t *testing.T) {
	d := newSim(t, 0x1000)

	region, err := d.Node().Map(0x1000)
	require.NoError(t, err)
	defer d.Node().Unmap(region)

	d.Poke(0x8, 0xcafef00d)
	assert.Equal(t, uint32(0xcafef00d), binary.NativeEndian.Uint32(region[8:12]))

	binary.NativeEndian.PutUint32(region[4:8], 7)
	assert.Equal(t, uint32(7), d.Peek(0x4))
}

func TestMapLargerThanWindowFails(t *testing.T) {
	d := newSim(t, 0x1000)

	_, err := d.Node().Map(0x2000)
	assert.True(t, errors.Is(err, unix.EINVAL))

	size, err := d.Node().WindowSize()
	require.NoError(t, err)
	assert.Equal(t, 0x1000, size)
}

func TestTriggerWhenArmedDelivers(t *testing.T) {
	d := newSim(t, 0x100)
	n := d.Node()

	writeToken(t, n, 1)
	require.NoError(t, d.WaitArmed(context.Background()))
	assert.True(t, d.Armed())

	require.NoError(t, d.Trigger())
	assert.Equal(t, uint32(1), readCount(t, n))
	assert.False(t, d.Armed(), "delivery masks the line")
	assert.Equal(t, uint64(1), d.Unmasks())
}

func TestTriggerWhileMaskedIsLatched(t *testing.T) {
	d := newSim(t, 0x100)
	n := d.Node()

	require.NoError(t, d.Trigger())
	require.NoError(t, d.Trigger())
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, uint32(2), d.Count())

	writeToken(t, n, 1)
	// both latched events collapse into one delivery carrying the latest count
	assert.Equal(t, uint32(2), readCount(t, n))
	assert.Equal(t, 0, d.Pending())
}

func TestLatchDelayMeasuresOldestEvent(t *testing.T) {
	d := newSim(t, 0x100)
	n := d.Node()
	assert.Zero(t, d.LatchDelay())

	require.NoError(t, d.Trigger())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Trigger())

	writeToken(t, n, 1)
	assert.Equal(t, uint32(2), readCount(t, n))
	assert.GreaterOrEqual(t, d.LatchDelay(), 20*time.Millisecond)

	// a delivery straight to an armed line leaves the last latch delay alone
	before := d.LatchDelay()
	writeToken(t, n, 1)
	require.NoError(t, d.WaitArmed(context.Background()))
	require.NoError(t, d.Trigger())
	assert.Equal(t, uint32(3), readCount(t, n))
	assert.Equal(t, before, d.LatchDelay())
}

func TestMaskTokenDisarms(t *testing.T) {
	d := newSim(t, 0x100)
	n := d.Node()

	writeToken(t, n, 1)
	require.NoError(t, d.WaitArmed(context.Background()))
	writeToken(t, n, 0)

	require.Eventually(t, func() bool { return !d.Armed() }, time.Second, time.Millisecond)
	require.NoError(t, d.Trigger())
	assert.Equal(t, 1, d.Pending())
}

func TestTriggerAfter(t *testing.T) {
	d := newSim(t, 0x100)
	n := d.Node()

	writeToken(t, n, 1)
	require.NoError(t, d.WaitArmed(context.Background()))

	start := time.Now()
	errCh := d.TriggerAfter(30 * time.Millisecond)
	assert.Equal(t, uint32(1), readCount(t, n))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.NoError(t, <-errCh)
}

func TestWaitArmedHonorsContext(t *testing.T) {
	d := newSim(t, 0x100)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WaitArmed(ctx), context.DeadlineExceeded)
}

func TestNodeRejectsWrongSizedIO(t *testing.T) {
	d := newSim(t, 0x100)
	n := d.Node()

	_, err := n.Write([]byte{1})
	assert.ErrorIs(t, err, unix.EINVAL)
	_, err = n.Read(make([]byte, 8))
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestDescribe(t *testing.T) {
	d := newSim(t, 0x100)
	name, version, err := d.Node().Describe()
	require.NoError(t, err)
	assert.Equal(t, Name, name)
	assert.Equal(t, Version, version)
}

func TestCloseIsIdempotent(t *testing.T) {
	d, err := New(0x100)
	require.NoError(t, err)

	require.NoError(t, d.Node().Close())
	assert.ErrorIs(t, d.Node().Close(), os.ErrClosed)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.Trigger(), ErrClosed)
	assert.ErrorIs(t, d.WaitArmed(context.Background()), ErrClosed)
}
