package engine

import (
	"syscall"
	"time"

	"github.com/gkiagia/pipewire/pcm"
)

// mockDevice emulates a PCM ring buffer in memory. The engine's view of the
// device is exercised through it: appl is the application pointer in frames,
// filled the number of queued (playback) or captured (capture) frames.
type mockDevice struct {
	capture      bool
	cfg          pcm.Config
	echo         *pcm.Config
	frameSize    uint32
	bufferFrames uint32
	ring         []byte
	appl         uint32
	filled       int64
	xrun         bool
	startCount   int
	stopCount    int
	prepareCount int
	closed       bool
	rewound      uint32
}

func newMockDevice(capture bool, bufferFrames uint32) *mockDevice {
	return &mockDevice{
		capture:      capture,
		frameSize:    4,
		bufferFrames: bufferFrames,
		ring:         make([]byte, bufferFrames*4),
	}
}

func (m *mockDevice) SetConfig(c *pcm.Config) error {
	m.cfg = *c
	if m.echo != nil {
		m.cfg = *m.echo
	}

	return nil
}

func (m *mockDevice) Config() pcm.Config { return m.cfg }
func (m *mockDevice) BufferSize() uint32 { return m.bufferFrames }
func (m *mockDevice) FrameSize() uint32  { return m.frameSize }
func (m *mockDevice) Rate() uint32       { return m.cfg.Rate }

func (m *mockDevice) AvailUpdate() (int, error) {
	if m.xrun {
		return 0, syscall.EPIPE
	}
	if m.capture {
		return int(m.filled), nil
	}

	return int(int64(m.bufferFrames) - m.filled), nil
}

func (m *mockDevice) Status() (pcm.Status, error) {
	st := pcm.Status{State: pcm.SNDRV_PCM_STATE_RUNNING}
	if m.xrun {
		st.State = pcm.SNDRV_PCM_STATE_XRUN
		st.TriggerTstamp = time.Unix(100, 0)
		st.Tstamp = time.Unix(100, int64(100*time.Millisecond))
	}

	return st, nil
}

func (m *mockDevice) MmapBegin(want uint32) ([]byte, uint32, uint32, pcm.SndPcmUframesT, error) {
	if m.xrun {
		return nil, 0, 0, 0, syscall.EPIPE
	}

	avail := m.filled
	if !m.capture {
		avail = int64(m.bufferFrames) - m.filled
	}

	frames := want
	if int64(frames) > avail {
		frames = uint32(avail)
	}
	if cont := m.bufferFrames - m.appl; frames > cont {
		frames = cont
	}

	off := m.appl * m.frameSize

	return m.ring[off : off+frames*m.frameSize], m.appl, frames, pcm.SndPcmUframesT(avail), nil
}

func (m *mockDevice) MmapCommit(frames uint32) error {
	m.appl = (m.appl + frames) % m.bufferFrames
	if m.capture {
		m.filled -= int64(frames)
	} else {
		m.filled += int64(frames)
	}

	return nil
}

func (m *mockDevice) Silence(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

func (m *mockDevice) Prepare() error {
	m.prepareCount++
	m.xrun = false
	m.appl = 0
	m.filled = 0

	return nil
}

func (m *mockDevice) Start() error {
	m.startCount++

	return nil
}

func (m *mockDevice) Stop() error {
	m.stopCount++

	return nil
}

func (m *mockDevice) Close() error {
	m.closed = true

	return nil
}

func (m *mockDevice) Rewind(frames uint32) (uint32, error) {
	if int64(frames) > m.filled {
		frames = uint32(m.filled)
	}
	m.filled -= int64(frames)
	m.appl = (m.appl + m.bufferFrames - frames) % m.bufferFrames
	m.rewound += frames

	return frames, nil
}

func (m *mockDevice) Recover(err error) error {
	m.xrun = false

	return nil
}

// recorder collects the callbacks the engine fires from its data loop.
type recorder struct {
	ready  []IOStatus
	reused []uint32
	xruns  []uint64
}

func (r *recorder) Ready(s IOStatus)                { r.ready = append(r.ready, s) }
func (r *recorder) ReuseBuffer(port int, id uint32) { r.reused = append(r.reused, id) }
func (r *recorder) OnXrun(frames uint64)            { r.xruns = append(r.xruns, frames) }
