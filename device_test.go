package uio

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-uio/internal/logging"
	"github.com/ehrlich-b/go-uio/sim"
)

func quietOptions() *Options {
	return &Options{Logger: logging.Nop()}
}

// debugOptions logs JSON lines into buf at debug level
func debugOptions(buf *bytes.Buffer) *Options {
	return &Options{Logger: NewLogger(&LogConfig{
		Level:  logging.LevelDebug,
		Format: "json",
		Output: buf,
		Sync:   true,
	})}
}

func openSim(t *testing.T, size int) (*Device, *sim.Device) {
	t.Helper()
	dev, hw, err := OpenSimulated(size, quietOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		dev.Close()
		hw.Close()
	})
	return dev, hw
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open("/dev/uio-does-not-exist", quietOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, IsErrno(err, syscall.ENOENT))
}

func TestOpenNodeRejectsNil(t *testing.T) {
	_, err := OpenNode(nil, "none", quietOptions())
	assert.ErrorIs(t, err, ErrOpen)
}

func TestWriteReadBack(t *testing.T) {
	dev, hw := openSim(t, 0x1000)

	values := []uint32{0, 1, 0xdeadbeef, 0xffffffff, 0x80000000}
	for _, off := range []uint32{0x0, 0x4, 0x8, 0xffc} {
		for _, v := range values {
			readback, err := dev.WriteRegister(off, v)
			require.NoError(t, err)
			assert.Equal(t, v, readback, "read-back at 0x%x", off)

			got, err := dev.ReadRegister(off)
			require.NoError(t, err)
			assert.Equal(t, v, got)
			assert.Equal(t, v, hw.Peek(off), "hardware side sees the store")
		}
	}
}

func TestReadSeesHardwareChanges(t *testing.T) {
	dev, hw := openSim(t, 0x100)

	hw.Poke(0x8, 0x00c0ffee)
	v, err := dev.ReadRegister(0x8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00c0ffee), v)

	hw.Poke(0x8, 0x1)
	v, err = dev.ReadRegister(0x8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1), v, "reads are never cached")
}

func TestRegisterOffsetValidation(t *testing.T) {
	dev, _ := openSim(t, 0x1000)

	tests := []struct {
		name   string
		offset uint32
	}{
		{"misaligned", 0x3},
		{"misaligned byte address", 0x1},
		{"end of window", 0x1000},
		{"far outside", 0xfffffffc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dev.ReadRegister(tt.offset)
			assert.ErrorIs(t, err, ErrInvalidOffset)

			_, err = dev.WriteRegister(tt.offset, 1)
			assert.ErrorIs(t, err, ErrInvalidOffset)

			var uerr *Error
			require.True(t, errors.As(err, &uerr))
			assert.Equal(t, int64(tt.offset), uerr.Offset)
		})
	}

	assert.Equal(t, uint64(8), dev.MetricsSnapshot().RegisterErrors)
}

func TestRegisterAccessRequiresMapping(t *testing.T) {
	hw, err := sim.New(0x100)
	require.NoError(t, err)
	defer hw.Close()

	dev, err := OpenNode(hw.Node(), "sim", quietOptions())
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, DeviceStateOpen, dev.State())

	_, err = dev.ReadRegister(0)
	assert.ErrorIs(t, err, ErrNotMapped)
	_, err = dev.WriteRegister(0, 1)
	assert.ErrorIs(t, err, ErrNotMapped)

	require.NoError(t, dev.Map(0x100))
	assert.True(t, dev.IsMapped())
	assert.Equal(t, 0x100, dev.Size())

	require.NoError(t, dev.Unmap())
	_, err = dev.ReadRegister(0)
	assert.ErrorIs(t, err, ErrNotMapped)
	assert.ErrorIs(t, dev.Unmap(), ErrNotMapped)
}

func TestMapValidation(t *testing.T) {
	hw, err := sim.New(0x1000)
	require.NoError(t, err)
	defer hw.Close()

	dev, err := OpenNode(hw.Node(), "sim", quietOptions())
	require.NoError(t, err)
	defer dev.Close()

	for _, size := range []int{0, -4, 6} {
		assert.ErrorIs(t, dev.Map(size), ErrMap, "size %d", size)
	}

	err = dev.Map(0x2000)
	assert.ErrorIs(t, err, ErrMap)
	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, 0x2000, uerr.Size)

	assert.Equal(t, DeviceStateOpen, dev.State(), "failed maps leave the device open")
}

func TestMapTwiceKeepsFirstMapping(t *testing.T) {
	node := NewMockNode(0x100)
	dev, err := OpenNode(node, "mock", quietOptions())
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Map(0x100))
	_, err = dev.WriteRegister(0x10, 0x55)
	require.NoError(t, err)

	assert.ErrorIs(t, dev.Map(0x40), ErrMap)

	// the first mapping is still live and nothing new was mapped
	v, err := dev.ReadRegister(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x55), v)
	mapCalls, _, _, _ := node.CallCounts()
	assert.Equal(t, 1, mapCalls)
	assert.Equal(t, 0x100, dev.Size())
}

func TestMapPropagatesNodeError(t *testing.T) {
	node := NewMockNode(0x100)
	node.MapErr = syscall.ENOMEM
	dev, err := OpenNode(node, "mock", quietOptions())
	require.NoError(t, err)
	defer dev.Close()

	err = dev.Map(0x100)
	assert.ErrorIs(t, err, ErrMap)
	assert.True(t, IsErrno(err, syscall.ENOMEM))
}

func TestCloseReleasesEverything(t *testing.T) {
	node := NewMockNode(0x100)
	dev, err := OpenNode(node, "mock", quietOptions())
	require.NoError(t, err)
	require.NoError(t, dev.Map(0x100))

	require.NoError(t, dev.Close())
	assert.Equal(t, DeviceStateClosed, dev.State())
	assert.True(t, node.IsClosed())
	assert.Equal(t, -1, dev.Fd())

	_, unmapCalls, _, closeCalls := node.CallCounts()
	assert.Equal(t, 1, unmapCalls)
	assert.Equal(t, 1, closeCalls)

	// second close is a no-op
	require.NoError(t, dev.Close())
	_, unmapCalls, _, closeCalls = node.CallCounts()
	assert.Equal(t, 1, unmapCalls)
	assert.Equal(t, 1, closeCalls)

	_, err = dev.ReadRegister(0)
	assert.ErrorIs(t, err, ErrNotMapped)
	assert.ErrorIs(t, dev.Map(0x100), ErrMap)
	assert.ErrorIs(t, dev.Map(0x100), ErrNotOpen)
	assert.ErrorIs(t, dev.UnmaskInterrupt(), ErrNotOpen)
}

func TestCloseReportsNodeError(t *testing.T) {
	node := NewMockNode(0x100)
	node.CloseErr = syscall.EIO
	dev, err := OpenNode(node, "mock", quietOptions())
	require.NoError(t, err)

	err = dev.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Equal(t, DeviceStateClosed, dev.State())
}

func TestUnmaskWritesToken(t *testing.T) {
	node := NewMockNode(0x100)
	dev, err := OpenNode(node, "mock", quietOptions())
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.UnmaskInterrupt())
	require.NoError(t, dev.MaskInterrupt())
	require.NoError(t, dev.UnmaskInterrupt())

	assert.Equal(t, []uint32{UnmaskToken, MaskToken, UnmaskToken}, node.Tokens())
	assert.Equal(t, uint64(2), dev.MetricsSnapshot().Unmasks)
}

func TestUnmaskFailures(t *testing.T) {
	node := NewMockNode(0x100)
	dev, err := OpenNode(node, "mock", quietOptions())
	require.NoError(t, err)
	defer dev.Close()

	node.WriteErr = syscall.EIO
	err = dev.UnmaskInterrupt()
	assert.ErrorIs(t, err, ErrIRQ)
	assert.True(t, IsErrno(err, syscall.EIO))

	node.WriteErr = nil
	node.ShortWrite = true
	assert.ErrorIs(t, dev.UnmaskInterrupt(), ErrIRQ)

	assert.Equal(t, uint64(2), dev.MetricsSnapshot().UnmaskErrors)
}

func TestConcurrentRegisterAccess(t *testing.T) {
	dev, _ := openSim(t, 0x1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			off := uint32(g * 4)
			for i := 0; i < 1000; i++ {
				v := uint32(g<<24 | i)
				readback, err := dev.WriteRegister(off, v)
				if !assert.NoError(t, err) || !assert.Equal(t, v, readback) {
					return
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), dev.MetricsSnapshot().RegisterWrites)
}

func TestDeviceInfo(t *testing.T) {
	dev, _ := openSim(t, 0x100)

	info := dev.Info()
	assert.Equal(t, "sim:"+sim.Name, info.Path)
	assert.Equal(t, sim.Name, info.Name)
	assert.Equal(t, sim.Version, info.Version)
	assert.Equal(t, DeviceStateMapped, info.State)
	assert.Equal(t, 0x100, info.Size)

	b, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"mapped"`)
}

func TestCustomObserver(t *testing.T) {
	obs := &countingObserver{}
	hw, err := sim.New(0x100)
	require.NoError(t, err)
	defer hw.Close()

	dev, err := OpenNode(hw.Node(), "sim", &Options{Logger: logging.Nop(), Observer: obs})
	require.NoError(t, err)
	defer dev.Close()
	require.NoError(t, dev.Map(0x100))

	_, err = dev.ReadRegister(0)
	require.NoError(t, err)
	_, err = dev.WriteRegister(0, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, obs.reads)
	assert.Equal(t, 1, obs.writes)
	// a custom observer replaces the built-in metrics
	assert.Equal(t, uint64(0), dev.MetricsSnapshot().RegisterReads)
}

type countingObserver struct {
	NoOpObserver
	mu     sync.Mutex
	reads  int
	writes int
	irqs   []Outcome
	missed uint32
}

func (o *countingObserver) ObserveRegisterRead(uint32, bool) {
	o.mu.Lock()
	o.reads++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveRegisterWrite(uint32, uint32, uint32, bool) {
	o.mu.Lock()
	o.writes++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveIRQ(outcome Outcome, _ uint32, _ uint64) {
	o.mu.Lock()
	o.irqs = append(o.irqs, outcome)
	o.mu.Unlock()
}

func (o *countingObserver) ObserveMissed(n uint32) {
	o.mu.Lock()
	o.missed += n
	o.mu.Unlock()
}
