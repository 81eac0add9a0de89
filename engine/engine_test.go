package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkiagia/pipewire/bufferpool"
	"github.com/gkiagia/pipewire/clock"
	"github.com/gkiagia/pipewire/dll"
	"github.com/gkiagia/pipewire/format"
	"github.com/gkiagia/pipewire/pcm"
)

func newTestEngine(t *testing.T, m *mockDevice, cfg Config) *Engine {
	t.Helper()

	cfg.OpenDevice = func(*Config) (Device, error) { return m, nil }
	e := New(cfg)
	t.Cleanup(e.Destroy)

	return e
}

func configure(t *testing.T, e *Engine) {
	t.Helper()

	require.NoError(t, e.Open())
	_, err := e.SetFormat(StreamFormat{Encoding: format.S16LE, Rate: 48000, Channels: 2}, 0)
	require.NoError(t, err)
}

func makeDescriptors(n int, size uint32) []*bufferpool.Descriptor {
	descriptors := make([]*bufferpool.Descriptor, n)
	for i := range descriptors {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i + 1)
		}
		descriptors[i] = &bufferpool.Descriptor{ID: uint32(i), Data: data, MaxSize: size}
	}

	return descriptors
}

func TestPlaybackStartPrimesRing(t *testing.T) {
	m := newMockDevice(false, 4096)
	rec := &recorder{}
	e := newTestEngine(t, m, Config{
		Name:       "play",
		Direction:  Playback,
		MinLatency: 1024,
		Callbacks:  rec,
	})
	configure(t, e)

	descriptors := makeDescriptors(2, 4096)
	require.NoError(t, e.UseBuffers(descriptors))
	require.NoError(t, e.SubmitBuffer(0, bufferpool.Chunk{Size: 4096, Stride: 4}))
	require.NoError(t, e.SubmitBuffer(1, bufferpool.Chunk{Size: 4096, Stride: 4}))

	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())

	// Both submitted buffers went into the ring back to back, the device
	// was started exactly once, and the buffers are back with the host.
	assert.Equal(t, 1, m.startCount)
	assert.Equal(t, int64(2048), m.filled)
	assert.Equal(t, descriptors[0].Data, m.ring[:4096])
	assert.Equal(t, descriptors[1].Data, m.ring[4096:8192])
	assert.Equal(t, []uint32{0, 1}, rec.reused)
	assert.True(t, descriptors[0].Out())
	assert.True(t, descriptors[1].Out())

	// Once the queue drains below a threshold the engine asks for data,
	// pointing at the stream position it reached.
	m.filled = 512
	require.NoError(t, e.Invoke(func() error { return e.tickPlayback() }))

	assert.Equal(t, StatusNeedBuffer, e.io.Status)
	assert.Equal(t, uint64(2048*4), e.io.RangeOffset)
	assert.Equal(t, uint32(1024*4), e.io.RangeMinSize)
	assert.Equal(t, []IOStatus{StatusNeedBuffer}, rec.ready)
}

func TestPlaybackStartWithoutDataPrimesSilence(t *testing.T) {
	m := newMockDevice(false, 4096)
	for i := range m.ring {
		m.ring[i] = 0xAA
	}
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback, MinLatency: 1024})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(2, 4096)))

	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())

	assert.Equal(t, 1, m.startCount)
	assert.Equal(t, int64(2048), m.filled)
	assert.Equal(t, make([]byte, 2048*4), m.ring[:2048*4])
}

func TestPlaybackEarlyWakeupSkipsTransfer(t *testing.T) {
	m := newMockDevice(false, 4096)
	rec := &recorder{}
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback, MinLatency: 1024, Callbacks: rec})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(2, 4096)))
	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())

	// The queue still holds two thresholds: nothing to do but reschedule.
	m.filled = 2048
	before := e.nextTime
	require.NoError(t, e.Invoke(func() error { return e.tickPlayback() }))

	assert.Greater(t, e.nextTime, before)
	assert.Empty(t, rec.ready)
	assert.Equal(t, int64(2048), m.filled)
}

func TestCaptureTickCopiesThreshold(t *testing.T) {
	m := newMockDevice(true, 4096)
	rec := &recorder{}
	e := newTestEngine(t, m, Config{Name: "cap", Direction: Capture, MinLatency: 1024, Callbacks: rec})
	configure(t, e)

	descriptors := makeDescriptors(2, 4096)
	require.NoError(t, e.UseBuffers(descriptors))
	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())
	assert.Equal(t, 1, m.startCount)

	for i := range m.ring {
		m.ring[i] = byte(i)
	}
	// The device ran three thresholds ahead; only one is consumed.
	m.filled = 3072

	require.NoError(t, e.Invoke(func() error { return e.tickCapture() }))

	assert.Equal(t, StatusHaveBuffer, e.io.Status)
	assert.Equal(t, uint32(0), e.io.BufferID)
	assert.Equal(t, m.ring[:4096], descriptors[0].Data)
	assert.Equal(t, uint32(4096), descriptors[0].Chunk.Size)
	assert.Equal(t, uint32(4), descriptors[0].Chunk.Stride)
	assert.Equal(t, uint64(0), descriptors[0].Header.Seq)
	assert.True(t, descriptors[0].Out())
	assert.Equal(t, int64(2048), m.filled)
	assert.Equal(t, []IOStatus{StatusHaveBuffer}, rec.ready)
}

func TestCaptureEarlyWakeupWaits(t *testing.T) {
	m := newMockDevice(true, 4096)
	rec := &recorder{}
	e := newTestEngine(t, m, Config{Name: "cap", Direction: Capture, MinLatency: 1024, Callbacks: rec})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(1, 4096)))
	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())

	m.filled = 256
	require.NoError(t, e.Invoke(func() error { return e.tickCapture() }))

	assert.Empty(t, rec.ready)
	assert.Equal(t, int64(256), m.filled)
}

func TestCaptureDropsWhenNoFreeBuffers(t *testing.T) {
	m := newMockDevice(true, 4096)
	rec := &recorder{}
	e := newTestEngine(t, m, Config{Name: "cap", Direction: Capture, MinLatency: 1024, Callbacks: rec})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(1, 4096)))
	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())

	m.filled = 3072
	require.NoError(t, e.Invoke(func() error { return e.tickCapture() }))
	require.Equal(t, []IOStatus{StatusHaveBuffer}, rec.ready)

	// The only buffer is with the host; the next quantum is dropped so
	// the device does not back up.
	require.NoError(t, e.Invoke(func() error { return e.tickCapture() }))

	assert.Equal(t, int64(1024), m.filled)
	assert.Equal(t, []IOStatus{StatusHaveBuffer}, rec.ready)
}

func TestXrunRecovery(t *testing.T) {
	m := newMockDevice(false, 4096)
	rec := &recorder{}
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback, MinLatency: 1024, Callbacks: rec})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(2, 4096)))
	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())

	// Steady state narrowed the loop; recovery must widen it again.
	e.Tracker().SetBandwidth(dll.BWMin)
	m.xrun = true

	require.NoError(t, e.Invoke(func() error { return e.tickPlayback() }))

	// 100ms gap at 48kHz.
	assert.Equal(t, []uint64{4800}, rec.xruns)
	assert.Equal(t, dll.BWMax, e.Tracker().Bandwidth())
	assert.Equal(t, StateRunning, e.State())
	assert.False(t, m.xrun)
	assert.Equal(t, int64(2048), m.filled)
	assert.Equal(t, 2, m.startCount)
}

func TestSlavedTracksMasterRate(t *testing.T) {
	coord := clock.NewCoordinator()
	master := coord.Register("master")

	m := newMockDevice(false, 8192)
	e := newTestEngine(t, m, Config{
		Name:        "slave",
		Direction:   Playback,
		MinLatency:  1024,
		Coordinator: coord,
	})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(1, 4096)))

	require.NoError(t, coord.Publish(master, clock.Record{RateNum: 1, RateDen: 48000}))
	require.NoError(t, e.Start())

	// The master's device runs 0.6% fast: its position advances 1030
	// frames per nominal 1024-frame quantum.
	pos := int64(0)
	for i := 0; i < 100; i++ {
		pos += 1030
		require.NoError(t, coord.Publish(master, clock.Record{
			RateNum: 1, RateDen: 48000, Position: pos,
		}))
		require.NoError(t, e.SubmitBuffer(0, bufferpool.Chunk{Size: 4096, Stride: 4}))
		require.NoError(t, e.Process())
		m.filled -= 1024
	}

	assert.InDelta(t, 1030.0/1024.0, e.Tracker().Dt(), 0.004)
}

func TestSlavedRewindsWhenAhead(t *testing.T) {
	coord := clock.NewCoordinator()
	master := coord.Register("master")

	m := newMockDevice(false, 8192)
	e := newTestEngine(t, m, Config{
		Name:        "slave",
		Direction:   Playback,
		MinLatency:  1024,
		Coordinator: coord,
	})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(1, 4096)))
	require.NoError(t, coord.Publish(master, clock.Record{RateNum: 1, RateDen: 48000}))
	require.NoError(t, e.Start())

	m.filled = 3072
	require.NoError(t, coord.Publish(master, clock.Record{RateNum: 1, RateDen: 48000, Position: 1024}))
	require.NoError(t, e.SubmitBuffer(0, bufferpool.Chunk{Size: 4096, Stride: 4}))
	require.NoError(t, e.Process())

	assert.Equal(t, uint32(1024), m.rewound)
}

func TestLifecycle(t *testing.T) {
	m := newMockDevice(false, 4096)
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback, MinLatency: 1024})

	assert.Equal(t, StateClosed, e.State())
	assert.ErrorIs(t, e.Start(), ErrInvalidArgument)

	require.NoError(t, e.Open())
	assert.ErrorIs(t, e.Open(), ErrInvalidArgument)
	assert.Equal(t, StateOpened, e.State())

	_, err := e.SetFormat(StreamFormat{Encoding: format.S16LE, Rate: 48000, Channels: 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, StateConfigured, e.State())

	// No buffers yet.
	assert.ErrorIs(t, e.Start(), ErrInvalidArgument)

	require.NoError(t, e.UseBuffers(makeDescriptors(2, 4096)))
	require.NoError(t, e.Start())
	assert.Equal(t, StateRunning, e.State())

	require.NoError(t, e.Pause())
	require.NoError(t, e.Pause())
	assert.Equal(t, StatePaused, e.State())
	assert.Equal(t, 1, m.stopCount)

	require.NoError(t, e.Start())
	assert.Equal(t, 2, m.startCount)

	require.NoError(t, e.Close())
	assert.True(t, m.closed)
	assert.Equal(t, StateClosed, e.State())

	// The engine can be opened again after a close.
	require.NoError(t, e.Open())
	assert.Equal(t, StateOpened, e.State())
}

func TestSetFormatStrictMismatch(t *testing.T) {
	m := newMockDevice(false, 4096)
	m.echo = &pcm.Config{
		Format:     pcm.SNDRV_PCM_FORMAT_S16_LE,
		Rate:       44100,
		Channels:   2,
		PeriodSize: 1024,
	}
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback})
	require.NoError(t, e.Open())

	want := StreamFormat{Encoding: format.S16LE, Rate: 48000, Channels: 2}

	_, err := e.SetFormat(want, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	got, err := e.SetFormat(want, FlagNearest)
	require.NoError(t, err)
	assert.Equal(t, uint32(44100), got.Rate)
	assert.Equal(t, format.S16LE, got.Encoding)
	assert.Equal(t, StateConfigured, e.State())
}

func TestSetFormatRejectsUnknownEncoding(t *testing.T) {
	m := newMockDevice(false, 4096)
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback})
	require.NoError(t, e.Open())

	_, err := e.SetFormat(StreamFormat{Encoding: format.Unknown, Rate: 48000, Channels: 2}, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEnumFormats(t *testing.T) {
	caps := &format.Caps{
		Formats:     []format.Encoding{format.S16LE, format.S32LE},
		RateMin:     8000,
		RateMax:     192000,
		ChannelsMin: 1,
		ChannelsMax: 8,
	}
	m := newMockDevice(false, 4096)
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback, Caps: caps})

	_, err := e.EnumFormats(0, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, e.Open())

	all, err := e.EnumFormats(0, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, format.S16LE, all[0].Encoding)
	assert.Equal(t, uint32(48000), all[0].RateDefault)

	one, err := e.EnumFormats(0, 0, &format.Filter{Encoding: format.S32LE})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, format.S32LE, one[0].Encoding)
}

func TestSubmitBufferValidation(t *testing.T) {
	m := newMockDevice(false, 4096)
	e := newTestEngine(t, m, Config{Name: "play", Direction: Playback})
	configure(t, e)
	require.NoError(t, e.UseBuffers(makeDescriptors(1, 4096)))

	chunk := bufferpool.Chunk{Size: 4096, Stride: 4}

	assert.ErrorIs(t, e.SubmitBuffer(7, chunk), ErrInvalidArgument)
	require.NoError(t, e.SubmitBuffer(0, chunk))

	// Already queued, no longer with the host.
	assert.ErrorIs(t, e.SubmitBuffer(0, chunk), ErrInvalidArgument)
}
