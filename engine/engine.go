// Package engine drives one ALSA PCM stream with a timer-based scheduler.
// Instead of sleeping on period interrupts, the engine opens the device with
// period wakeups disabled and arms its own one-shot timer from a delay-locked
// loop that tracks the true device rate. All device and buffer state is
// confined to a single data-loop goroutine; the public methods marshal onto
// that goroutine and block until it answers.
package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gkiagia/pipewire/bufferpool"
	"github.com/gkiagia/pipewire/clock"
	"github.com/gkiagia/pipewire/dll"
	"github.com/gkiagia/pipewire/format"
	"github.com/gkiagia/pipewire/pcm"
)

// Direction is the stream direction.
type Direction int

const (
	Playback Direction = iota
	Capture
)

// State is the engine lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateConfigured
	StateRunning
	StateRecovering
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	case StatePaused:
		return "paused"
	}

	return "unknown"
}

var (
	// ErrInvalidArgument is returned for bad parameters or calls that are
	// not legal in the engine's current state.
	ErrInvalidArgument = errors.New("engine: invalid argument")
	// ErrDevice wraps unrecoverable device failures.
	ErrDevice = errors.New("engine: device error")
)

// IOStatus is the handshake word in the shared IO area.
type IOStatus int32

const (
	// StatusOK means no transfer is pending.
	StatusOK IOStatus = iota
	// StatusNeedBuffer asks the host for more data (playback).
	StatusNeedBuffer
	// StatusHaveBuffer offers a filled buffer to the host (capture).
	StatusHaveBuffer
)

// InvalidID marks the IO area's buffer slot as empty.
const InvalidID = ^uint32(0)

// IO is the per-stream area the engine and host exchange buffers through.
// The engine writes it only from its data loop, immediately before invoking
// a callback, so the host may read it from the callback without locking.
type IO struct {
	Status   IOStatus
	BufferID uint32

	// Range hints for playback: where the stream is and how much data the
	// engine would like, in bytes.
	RangeOffset  uint64
	RangeMinSize uint32
	RangeMaxSize uint32
}

// Callbacks is the host-facing notification surface. All callbacks run on
// the engine's data loop; they must not call back into the engine and must
// return quickly.
type Callbacks interface {
	// Ready signals a state change in the IO area.
	Ready(status IOStatus)
	// ReuseBuffer returns a drained playback buffer to the host.
	ReuseBuffer(port int, id uint32)
	// OnXrun reports a device xrun and its estimated size in frames.
	OnXrun(frames uint64)
}

// Logger receives the engine's diagnostics. A nil logger silences them.
type Logger interface {
	Printf(format string, args ...any)
}

// Device is the PCM surface the engine drives. *pcm.Device satisfies it;
// tests substitute their own.
type Device interface {
	SetConfig(config *pcm.Config) error
	Config() pcm.Config
	BufferSize() uint32
	FrameSize() uint32
	Rate() uint32
	AvailUpdate() (int, error)
	Status() (pcm.Status, error)
	MmapBegin(wantFrames uint32) (buffer []byte, offsetFrames, actualFrames uint32, avail pcm.SndPcmUframesT, err error)
	MmapCommit(frames uint32) error
	Silence(buf []byte)
	Prepare() error
	Start() error
	Stop() error
	Close() error
	Rewind(frames uint32) (uint32, error)
	Recover(err error) error
}

// Opener opens the PCM device for a stream. The default opener goes through
// the kernel ioctl interface; tests install a mock.
type Opener func(cfg *Config) (Device, error)

func alsaOpener(cfg *Config) (Device, error) {
	flags := pcm.PCM_MMAP | pcm.PCM_NONBLOCK | pcm.PCM_MONOTONIC | pcm.PCM_NOIRQ
	if cfg.Direction == Capture {
		flags |= pcm.PCM_IN
	}

	return pcm.OpenByName(cfg.Device, flags, nil)
}

// Config carries the static per-stream settings.
type Config struct {
	// Device is the PCM name, "hw:C,D".
	Device string
	// Name labels the stream in logs and clock registration.
	Name      string
	Direction Direction

	// MinLatency is the wakeup threshold in frames when no graph quantum
	// overrides it. Zero selects a default.
	MinLatency uint32
	// PeriodSize is the requested hardware period in frames. Zero selects
	// a default.
	PeriodSize uint32
	// Safety is extra scheduling headroom in seconds, subtracted from the
	// predicted queue drain time.
	Safety float64
	// EnumerateChannelMaps enables device channel map queries during
	// format enumeration.
	EnumerateChannelMaps bool

	// Coordinator, when set, registers the stream with a graph clock. The
	// stream then runs as master or slaved depending on the coordinator's
	// designation.
	Coordinator *clock.Coordinator

	Callbacks Callbacks
	Logger    Logger

	// OpenDevice overrides how the PCM device is opened.
	OpenDevice Opener
	// Caps overrides the device capability probe used by EnumFormats.
	Caps *format.Caps
	// IO is the shared area for the buffer handshake.
	IO *IO
}

// StreamFormat is one negotiated stream configuration.
type StreamFormat struct {
	Encoding format.Encoding
	Rate     uint32
	Channels uint32
}

// SetFormatFlags modifies format negotiation.
type SetFormatFlags uint32

const (
	// FlagNearest accepts the closest configuration the hardware offers
	// instead of failing on mismatch.
	FlagNearest SetFormatFlags = 1 << iota
)

const defaultThreshold = 1024

type command struct {
	fn    func() error
	reply chan error
}

// Engine runs one PCM stream. All methods are safe to call from any
// goroutine; they execute on the engine's data loop.
type Engine struct {
	cfg Config

	dev     Device
	pool    *bufferpool.Pool
	tracker *dll.Tracker
	table   *format.Table

	coord  *clock.Coordinator
	handle clock.Handle
	pos    *clock.Position

	io  *IO
	cb  Callbacks
	log Logger

	epoch time.Time

	state       State
	slaved      bool
	started     bool
	alsaStarted bool

	rate         uint32
	frameSize    uint32
	bufferFrames uint32
	threshold    uint32
	safety       float64

	samples    uint64
	samplePrev uint64 // sample count at the previous tick
	lastTime   uint64
	nextTime   uint64

	readyOffset uint32

	cmds chan command
	quit chan struct{}
}

// New creates an engine for the given stream and starts its data loop. The
// engine starts in the closed state; call Open to acquire the device.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:     cfg,
		tracker: dll.New(dll.BWMax),
		table:   format.NewTable(),
		coord:   cfg.Coordinator,
		io:      cfg.IO,
		cb:      cfg.Callbacks,
		log:     cfg.Logger,
		epoch:   time.Now(),
		cmds:    make(chan command),
		quit:    make(chan struct{}),
	}

	if e.io == nil {
		e.io = &IO{BufferID: InvalidID}
	}
	if e.coord != nil {
		e.handle = e.coord.Register(cfg.Name)
		e.pos = e.coord.Position()
	}

	go e.run()

	return e
}

// Destroy stops the data loop and releases the clock registration. The
// device, if still open, is closed first.
func (e *Engine) Destroy() {
	_ = e.Invoke(func() error {
		if e.dev != nil {
			e.stopLocked()
			_ = e.dev.Close()
			e.dev = nil
		}
		e.state = StateClosed

		return nil
	})

	close(e.quit)
	if e.coord != nil {
		e.coord.Unregister(e.handle)
	}
}

// Invoke runs fn on the data loop and returns its error. It is the only
// path into the engine's mutable state.
func (e *Engine) Invoke(fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}

	select {
	case e.cmds <- cmd:
		return <-cmd.reply
	case <-e.quit:
		return ErrInvalidArgument
	}
}

func (e *Engine) nsec() uint64 {
	return uint64(time.Since(e.epoch))
}

func (e *Engine) logf(f string, args ...any) {
	if e.log != nil {
		e.log.Printf(f, args...)
	}
}

func (e *Engine) run() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
	}

	for {
		select {
		case cmd := <-e.cmds:
			cmd.reply <- cmd.fn()
		case <-timer.C:
			armed = false
			e.tick()
		case <-e.quit:
			disarm()

			return
		}

		if e.started && !e.slaved {
			disarm()
			var d time.Duration
			if now := e.nsec(); e.nextTime > now {
				d = time.Duration(e.nextTime - now)
			}
			timer.Reset(d)
			armed = true
		} else {
			disarm()
		}
	}
}

// State returns the engine lifecycle state.
func (e *Engine) State() State {
	var s State
	_ = e.Invoke(func() error {
		s = e.state

		return nil
	})

	return s
}

// Tracker exposes the rate tracker, read-only, for inspection.
func (e *Engine) Tracker() *dll.Tracker {
	return e.tracker
}

// Open acquires the PCM device. Legal only in the closed state.
func (e *Engine) Open() error {
	return e.Invoke(func() error {
		if e.state != StateClosed {
			return ErrInvalidArgument
		}

		open := e.cfg.OpenDevice
		if open == nil {
			open = alsaOpener
		}

		dev, err := open(&e.cfg)
		if err != nil {
			return fmt.Errorf("%w: open %q: %v", ErrDevice, e.cfg.Device, err)
		}

		e.dev = dev
		e.samples = 0
		e.readyOffset = 0
		e.state = StateOpened

		return nil
	})
}

// Close releases the PCM device. A running stream is stopped first.
func (e *Engine) Close() error {
	return e.Invoke(func() error {
		if e.state == StateClosed {
			return nil
		}

		e.stopLocked()
		if e.dev != nil {
			if err := e.dev.Close(); err != nil {
				e.logf("%s: close: %v", e.cfg.Name, err)
			}
			e.dev = nil
		}
		e.pool = nil
		e.state = StateClosed

		return nil
	})
}

// EnumFormats lists the stream configurations the device supports, starting
// at index start and returning at most num entries (zero means all). A nil
// filter matches everything.
func (e *Engine) EnumFormats(start, num uint32, filter *format.Filter) ([]format.Params, error) {
	var out []format.Params
	err := e.Invoke(func() error {
		if e.state == StateClosed {
			return ErrInvalidArgument
		}

		caps, err := e.capsLocked()
		if err != nil {
			return err
		}

		out = caps.Enumerate(start, num, filter, e.cfg.EnumerateChannelMaps)

		return nil
	})

	return out, err
}

func (e *Engine) capsLocked() (format.Caps, error) {
	if e.cfg.Caps != nil {
		return *e.cfg.Caps, nil
	}

	card, device, err := pcm.ParseName(e.cfg.Device)
	if err != nil {
		return format.Caps{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	flags := pcm.PcmFlag(0)
	if e.cfg.Direction == Capture {
		flags |= pcm.PCM_IN
	}

	pp, err := pcm.PcmParamsGetRefined(card, device, flags)
	if err != nil {
		return format.Caps{}, fmt.Errorf("%w: params: %v", ErrDevice, err)
	}

	return format.CapsFromParams(pp, e.table)
}

// SetFormat configures the hardware for the given stream format and returns
// what the hardware actually accepted. Without FlagNearest any deviation is
// an error; with it the echoed configuration is adopted.
func (e *Engine) SetFormat(f StreamFormat, flags SetFormatFlags) (StreamFormat, error) {
	var got StreamFormat
	err := e.Invoke(func() error {
		if e.state != StateOpened && e.state != StateConfigured {
			return ErrInvalidArgument
		}
		if f.Rate == 0 || f.Channels == 0 {
			return ErrInvalidArgument
		}

		native, ok := e.table.Native(f.Encoding)
		if !ok {
			return fmt.Errorf("%w: encoding %v", ErrInvalidArgument, f.Encoding)
		}

		period := e.cfg.PeriodSize
		if period == 0 {
			period = defaultThreshold
		}

		cfg := pcm.Config{
			Format:     native,
			Rate:       f.Rate,
			Channels:   f.Channels,
			PeriodSize: period,
			// The engine starts the stream itself; an unreachable start
			// threshold keeps the kernel from doing it first.
			StartThreshold: math.MaxUint32,
		}
		if err := e.dev.SetConfig(&cfg); err != nil {
			return fmt.Errorf("%w: hw_params: %v", ErrDevice, err)
		}

		echoed := e.dev.Config()
		got = StreamFormat{
			Encoding: e.table.Host(echoed.Format),
			Rate:     echoed.Rate,
			Channels: echoed.Channels,
		}

		if got != f && flags&FlagNearest == 0 {
			return fmt.Errorf("%w: device changed format to %d/%dch", ErrInvalidArgument, got.Rate, got.Channels)
		}

		e.rate = got.Rate
		e.frameSize = e.dev.FrameSize()
		e.bufferFrames = e.dev.BufferSize()
		e.state = StateConfigured

		return nil
	})

	return got, err
}

// UseBuffers hands the engine its fixed descriptor set and resets their
// ownership for the stream direction. Legal once configured.
func (e *Engine) UseBuffers(descriptors []*bufferpool.Descriptor) error {
	return e.Invoke(func() error {
		if e.state != StateConfigured && e.state != StatePaused {
			return ErrInvalidArgument
		}

		e.pool = bufferpool.New(descriptors)
		e.pool.Reset(e.poolDirection())
		e.readyOffset = 0

		return nil
	})
}

func (e *Engine) poolDirection() bufferpool.Direction {
	if e.cfg.Direction == Capture {
		return bufferpool.Capture
	}

	return bufferpool.Playback
}

// SubmitBuffer transfers a buffer from the host to the engine. For playback
// the buffer's chunk describes data to play; for capture the buffer is
// offered empty, to be filled.
func (e *Engine) SubmitBuffer(id uint32, chunk bufferpool.Chunk) error {
	return e.Invoke(func() error {
		if e.pool == nil {
			return ErrInvalidArgument
		}

		d, ok := e.pool.Lookup(id)
		if !ok || !d.Out() {
			return fmt.Errorf("%w: buffer %d", ErrInvalidArgument, id)
		}

		if e.cfg.Direction == Playback {
			d.Chunk = chunk
			e.pool.PushReady(d)
		} else {
			e.pool.PushFree(d)
		}

		return nil
	})
}

// Start begins streaming. For playback the ring is primed with the queued
// data that fits, topped up with silence to at least two thresholds, before
// the hardware is started;
// for capture the hardware starts immediately. When slaved to another
// engine's clock the timer stays disarmed and progress comes from Process.
func (e *Engine) Start() error {
	return e.Invoke(func() error {
		if e.state != StateConfigured && e.state != StatePaused {
			return ErrInvalidArgument
		}
		if e.pool == nil {
			return ErrInvalidArgument
		}

		e.threshold = e.cfg.MinLatency
		if e.pos != nil && e.pos.Size != 0 {
			e.threshold = e.pos.Size
		}
		if e.threshold == 0 {
			e.threshold = defaultThreshold
		}
		if e.threshold > e.bufferFrames/2 {
			e.threshold = e.bufferFrames / 2
		}

		e.slaved = e.pos != nil && !e.coord.IsMaster(e.handle)
		e.safety = e.cfg.Safety
		e.samples = 0
		e.samplePrev = 0
		e.readyOffset = 0
		e.tracker.Reset(dll.BWMax)

		if err := e.dev.Prepare(); err != nil {
			return fmt.Errorf("%w: prepare: %v", ErrDevice, err)
		}

		e.io.Status = StatusOK
		e.io.BufferID = InvalidID
		e.lastTime = 0
		e.nextTime = e.nsec() + 1
		e.started = true
		e.alsaStarted = false
		e.state = StateRunning

		if e.cfg.Direction == Playback {
			if err := e.write(e.threshold*2, true); err != nil {
				e.started = false
				e.state = StatePaused

				return err
			}
		} else {
			if err := e.dev.Start(); err != nil {
				e.started = false
				e.state = StatePaused

				return fmt.Errorf("%w: start: %v", ErrDevice, err)
			}
			e.alsaStarted = true
		}

		return nil
	})
}

// Pause stops streaming but keeps the device and format. Idempotent.
func (e *Engine) Pause() error {
	return e.Invoke(func() error {
		if e.state != StateRunning && e.state != StatePaused {
			return ErrInvalidArgument
		}

		e.stopLocked()
		e.state = StatePaused

		return nil
	})
}

func (e *Engine) stopLocked() {
	if !e.started {
		return
	}

	e.started = false
	if e.alsaStarted {
		if err := e.dev.Stop(); err != nil {
			e.logf("%s: stop: %v", e.cfg.Name, err)
		}
		e.alsaStarted = false
	}
}

// Process advances a slaved playback stream by one master tick. The master
// engine's timer drives the graph; the host calls Process on the slaved
// streams when the master's clock record updates.
func (e *Engine) Process() error {
	return e.Invoke(func() error {
		if !e.started || !e.slaved || e.cfg.Direction != Playback {
			return ErrInvalidArgument
		}

		return e.write(0, true)
	})
}
