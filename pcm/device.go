package pcm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Config encapsulates the hardware and software parameters of a PCM stream.
type Config struct {
	Channels         uint32
	Rate             uint32
	PeriodSize       uint32
	PeriodCount      uint32
	Format           PcmFormat
	StartThreshold   uint32
	StopThreshold    uint32
	SilenceThreshold uint32
	SilenceSize      uint32
	AvailMin         uint32
}

// Device represents an open ALSA PCM device handle.
type Device struct {
	file        *os.File
	config      Config
	flags       PcmFlag
	bufferSize  uint32 // In frames
	mmapBuffer  []byte
	mmapStatus  *sndPcmMmapStatus
	mmapControl *sndPcmMmapControl
	syncPointer *sndPcmSyncPtr // SYNC_PTR argument; holds status/control if their mmap fails
	isMmapped   bool
	boundary    sndPcmUframesT
	xruns       int // Counter for overruns/underruns
}

// ParseName splits a PCM name of the form "hw:C,D" into its card and device
// numbers.
func ParseName(name string) (card, device uint, err error) {
	if !strings.HasPrefix(name, "hw:") {
		return 0, 0, fmt.Errorf("invalid PCM name format: missing 'hw:' prefix")
	}

	parts := strings.Split(strings.TrimPrefix(name, "hw:"), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid PCM name format: expected 'hw:card,device'")
	}

	c, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid card number '%s': %w", parts[0], err)
	}

	d, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid device number '%s': %w", parts[1], err)
	}

	return uint(c), uint(d), nil
}

// OpenByName opens a PCM by its name, in the format "hw:C,D".
func OpenByName(name string, flags PcmFlag, config *Config) (*Device, error) {
	card, device, err := ParseName(name)
	if err != nil {
		return nil, err
	}

	return Open(card, device, flags, config)
}

// Open opens the raw hardware PCM node (/dev/snd/pcmC<card>D<device>p or c)
// and configures it. ALSA userspace plugins (plug, dmix) are never involved.
func Open(card, device uint, flags PcmFlag, config *Config) (*Device, error) {
	var streamChar byte
	if (flags & PCM_IN) != 0 {
		streamChar = 'c' // Capture
	} else {
		streamChar = 'p' // Playback
	}

	path := fmt.Sprintf("/dev/snd/pcmC%dD%d%c", card, device, streamChar)

	// Open non-blocking so a busy device errors instead of hanging, then
	// restore blocking mode below if the caller wanted it.
	file, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCM device %s: %w", path, err)
	}

	if (flags & PCM_NONBLOCK) == 0 {
		currentFlags, err := unix.FcntlInt(file.Fd(), unix.F_GETFL, 0)
		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("fcntl F_GETFL for %s failed: %w", path, err)
		}
		if _, err = unix.FcntlInt(file.Fd(), unix.F_SETFL, currentFlags&^syscall.O_NONBLOCK); err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("failed to set blocking mode on %s: %w", path, err)
		}
	}

	var info sndPcmInfo
	if err := ioctl(file.Fd(), SNDRV_PCM_IOCTL_INFO, uintptr(unsafe.Pointer(&info))); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("ioctl INFO failed: %w", err)
	}

	dev := &Device{
		file:  file,
		flags: flags,
	}

	if err := dev.SetConfig(config); err != nil {
		_ = dev.Close()

		return nil, fmt.Errorf("failed to set PCM config: %w", err)
	}

	// Every state query goes through the status/control pages (or the
	// sync_ptr fallback), so they are set up for all stream types.
	if err := dev.mapStatusAndControl(); err != nil {
		_ = dev.Close()

		return nil, fmt.Errorf("failed to set up status and control: %w", err)
	}

	if (flags & PCM_MONOTONIC) != 0 {
		var arg int32 = 1 // SNDRV_PCM_TSTAMP_TYPE_MONOTONIC
		if err := ioctl(dev.file.Fd(), SNDRV_PCM_IOCTL_TTSTAMP, uintptr(unsafe.Pointer(&arg))); err != nil {
			_ = dev.Close()

			return nil, fmt.Errorf("ioctl TTSTAMP failed: %w", err)
		}
	}

	return dev, nil
}

// IsReady checks if the PCM handle is valid.
func (p *Device) IsReady() bool {
	return p != nil && p.file != nil
}

// Close closes the PCM device handle and releases all associated resources.
func (p *Device) Close() error {
	if !p.IsReady() {
		return nil
	}

	p.unmapStatusAndControl()

	if (p.flags & PCM_MMAP) != 0 {
		_ = p.Stop()

		if p.mmapBuffer != nil {
			_ = unix.Munmap(p.mmapBuffer)
			p.mmapBuffer = nil
		}
	}

	err := p.file.Close()
	p.bufferSize = 0
	p.file = nil

	return err
}

// Config returns a copy of the PCM's current configuration.
func (p *Device) Config() Config {
	return p.config
}

// BufferSize returns the PCM's total buffer size in frames.
func (p *Device) BufferSize() uint32 {
	return p.bufferSize
}

// PeriodSize returns the number of frames per period.
func (p *Device) PeriodSize() uint32 {
	return p.config.PeriodSize
}

// Rate returns the sample rate of the PCM stream in Hz.
func (p *Device) Rate() uint32 {
	return p.config.Rate
}

// Xruns returns the number of buffer underruns (for playback) or overruns (for capture) that have occurred.
func (p *Device) Xruns() int {
	return p.xruns
}

// FrameSize returns the size of a single frame in bytes.
// A frame contains one sample for each channel.
func (p *Device) FrameSize() uint32 {
	bitsPerSample := FormatToBits(p.config.Format)
	if bitsPerSample == 0 {
		return 0
	}

	return p.config.Channels * (bitsPerSample / 8)
}

// SetConfig sets the hardware and software parameters for the PCM device.
// This function should be called before the stream is started.
func (p *Device) SetConfig(config *Config) error {
	if config == nil {
		config = &Config{}
		config.Channels = 2
		config.Rate = 48000
		config.PeriodSize = 1024
		config.PeriodCount = 4
		config.Format = SNDRV_PCM_FORMAT_S16_LE
		config.StartThreshold = config.PeriodCount * config.PeriodSize
		config.StopThreshold = config.PeriodCount * config.PeriodSize
		config.SilenceThreshold = 0
		config.SilenceSize = 0
	} else {
		p.config = *config
	}

	hwParams := &sndPcmHwParams{}
	paramInit(hwParams)

	paramSetMask(hwParams, SNDRV_PCM_HW_PARAM_FORMAT, uint32(config.Format))
	paramSetMin(hwParams, SNDRV_PCM_HW_PARAM_PERIOD_SIZE, config.PeriodSize)
	paramSetInt(hwParams, SNDRV_PCM_HW_PARAM_PERIODS, config.PeriodCount)

	if (p.flags & PCM_NOIRQ) != 0 {
		if (p.flags & PCM_MMAP) == 0 {
			return fmt.Errorf("flag PCM_NOIRQ is only supported with PCM_MMAP")
		}

		hwParams.Flags |= uint32(SNDRV_PCM_HW_PARAMS_NO_PERIOD_WAKEUP)
	}

	if (p.flags & PCM_MMAP) != 0 {
		paramSetMask(hwParams, SNDRV_PCM_HW_PARAM_ACCESS, SNDRV_PCM_ACCESS_MMAP_INTERLEAVED)
	} else {
		paramSetMask(hwParams, SNDRV_PCM_HW_PARAM_ACCESS, SNDRV_PCM_ACCESS_RW_INTERLEAVED)
	}

	// Channels and rate settle on the nearest supported value instead of
	// failing on an exact mismatch. The caller decides via the read-back
	// config whether a moved value is acceptable.
	if _, err := paramSetNear(p.file.Fd(), hwParams, SNDRV_PCM_HW_PARAM_CHANNELS, config.Channels); err != nil {
		return fmt.Errorf("failed to negotiate channels: %w", err)
	}
	if _, err := paramSetNear(p.file.Fd(), hwParams, SNDRV_PCM_HW_PARAM_RATE, config.Rate); err != nil {
		return fmt.Errorf("failed to negotiate rate: %w", err)
	}

	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_HW_PARAMS, uintptr(unsafe.Pointer(hwParams))); err != nil {
		return fmt.Errorf("ioctl HW_PARAMS failed: %w", err)
	}

	// The driver may have moved any of these; read back what it settled on.
	p.config.PeriodSize = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_PERIOD_SIZE)
	p.config.PeriodCount = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_PERIODS)
	p.bufferSize = p.config.PeriodSize * p.config.PeriodCount
	p.config.Channels = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_CHANNELS)
	p.config.Rate = paramGetInt(hwParams, SNDRV_PCM_HW_PARAM_RATE)

	// Map the data ring now that hw_params has fixed its geometry.
	if (p.flags & PCM_MMAP) != 0 {
		frameSize := FormatToBits(p.config.Format) / 8 * p.config.Channels
		mmapLen := int(p.bufferSize * uint32(frameSize))

		// Capture maps read-only. Playback keeps PROT_READ too so the
		// ring stays inspectable.
		var mmapProt int
		if (p.flags & PCM_IN) != 0 {
			mmapProt = unix.PROT_READ
		} else {
			mmapProt = unix.PROT_READ | unix.PROT_WRITE
		}

		buf, err := unix.Mmap(int(p.file.Fd()), 0, mmapLen, mmapProt, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("mmap data buffer failed: %w", err)
		}

		p.mmapBuffer = buf
	}

	if p.config.Channels == 0 || p.config.Rate == 0 || p.config.PeriodSize == 0 || p.config.PeriodCount == 0 {
		return fmt.Errorf("driver finalized invalid PCM configuration (Channels=%d, Rate=%d, PeriodSize=%d, PeriodCount=%d)",
			p.config.Channels, p.config.Rate, p.config.PeriodSize, p.config.PeriodCount)
	}

	swParams := &sndPcmSwParams{}
	swParams.TstampMode = 1 // SNDRV_PCM_TSTAMP_ENABLE
	swParams.PeriodStep = 1

	if config.AvailMin == 0 {
		p.config.AvailMin = p.config.PeriodSize
	}
	swParams.AvailMin = sndPcmUframesT(p.config.AvailMin)

	if config.StartThreshold == 0 {
		if (p.flags & PCM_IN) != 0 {
			swParams.StartThreshold = 1
		} else {
			swParams.StartThreshold = sndPcmUframesT(config.PeriodCount * config.PeriodSize / 2)
		}
		p.config.StartThreshold = uint32(swParams.StartThreshold)
	} else {
		swParams.StartThreshold = sndPcmUframesT(config.StartThreshold)
	}

	if config.StopThreshold == 0 {
		if (p.flags & PCM_IN) != 0 {
			swParams.StopThreshold = sndPcmUframesT(config.PeriodCount * config.PeriodSize * 10)
		} else {
			swParams.StopThreshold = sndPcmUframesT(config.PeriodCount * config.PeriodSize)
		}
		p.config.StopThreshold = uint32(swParams.StopThreshold)
	} else {
		swParams.StopThreshold = sndPcmUframesT(config.StopThreshold)
	}

	swParams.XferAlign = sndPcmUframesT(config.PeriodSize / 2) // Needed for old kernels
	swParams.SilenceSize = sndPcmUframesT(config.SilenceSize)
	swParams.SilenceThreshold = sndPcmUframesT(config.SilenceThreshold)

	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_SW_PARAMS, uintptr(unsafe.Pointer(swParams))); err != nil {
		return fmt.Errorf("ioctl SW_PARAMS (write) failed: %w", err)
	}

	p.boundary = swParams.Boundary

	return nil
}

// Prepare readies the PCM device for I/O operations.
// This is typically used to recover from an XRUN.
func (p *Device) Prepare() error {
	err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_PREPARE, 0)
	if err != nil {
		return fmt.Errorf("ioctl PREPARE failed: %w", err)
	}

	if err := p.syncPtr(SNDRV_PCM_SYNC_PTR_APPL | SNDRV_PCM_SYNC_PTR_AVAIL_MIN); err != nil {
		return err
	}

	return nil
}

// Start explicitly starts the PCM stream.
// It ensures the stream is prepared before starting.
func (p *Device) Start() error {
	if p.State() == SNDRV_PCM_STATE_SETUP {
		if err := p.Prepare(); err != nil {
			return err
		}
	}

	if err := p.syncPtr(0); err != nil {
		return err
	}

	if PcmState(p.mmapStatus.State) != SNDRV_PCM_STATE_RUNNING {
		if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_START, 0); err != nil {
			return fmt.Errorf("ioctl START failed: %w", err)
		}
	}

	return nil
}

// Stop abruptly stops the PCM stream, dropping any pending frames.
func (p *Device) Stop() error {
	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_DROP, 0); err != nil {
		return fmt.Errorf("ioctl DROP failed: %w", err)
	}

	return nil
}

// State returns the stream state as the kernel last published it.
func (p *Device) State() PcmState {
	// Fast path: hwsync, then read the state cell from the status page.
	if err := p.syncPtr(SNDRV_PCM_SYNC_PTR_HWSYNC); err == nil {
		return PcmState(atomic.LoadInt32((*int32)(unsafe.Pointer(&p.mmapStatus.State))))
	}

	// syncPtr can fail before the stream is running. The STATUS ioctl is
	// slower but works in every state.
	var status sndPcmStatus
	if ioctlErr := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_STATUS, uintptr(unsafe.Pointer(&status))); ioctlErr != nil {
		return SNDRV_PCM_STATE_DISCONNECTED
	}

	return PcmState(status.State)
}

// xrunRecover absorbs an EPIPE xrun (counted, stream left for the caller to
// re-prime) and re-prepares after an ESTRPIPE suspend/resume.
func (p *Device) xrunRecover(err error) error {
	isEPIPE := errors.Is(err, syscall.EPIPE)
	isESTRPIPE := errors.Is(err, unix.ESTRPIPE)

	if !isEPIPE && !isESTRPIPE {
		return err // Not an XRUN or recoverable bad state
	}

	if isEPIPE {
		p.xruns++

		return nil
	}

	if (p.flags & PCM_NORESTART) != 0 {
		return fmt.Errorf("xrun or bad state occurred with PCM_NORESTART: %w", err)
	}

	if prepErr := p.Prepare(); prepErr != nil {
		return fmt.Errorf("recovery failed: could not prepare stream: %w", prepErr)
	}

	return nil
}

// IsXrun reports whether err represents a recoverable buffer underrun or
// overrun (EPIPE) or a suspended/resumed stream (ESTRPIPE). Callers that need
// to distinguish a transient xrun from a fatal device error should test with
// this instead of comparing against syscall errnos directly.
func IsXrun(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, unix.ESTRPIPE)
}

// Recover is the exported counterpart of xrunRecover. An EPIPE xrun is only
// counted and the stream is left for the caller to prepare; after an ESTRPIPE
// suspend/resume the stream is re-prepared. Calling it with a non-xrun error
// just returns that error.
func (p *Device) Recover(err error) error {
	return p.xrunRecover(err)
}

// Rewind moves the application pointer back by the given number of frames,
// without touching the data already written to the mmap ring. It is used to
// replay frames that a slaved stream has fallen behind on, or to discard
// frames queued ahead of a clock correction. The kernel clamps the rewind to
// the amount of data currently queued, so the returned count may be smaller
// than requested.
func (p *Device) Rewind(frames uint32) (uint32, error) {
	if !p.isMmapped && p.syncPointer == nil {
		return 0, fmt.Errorf("pcm: device not configured")
	}

	n := SndPcmUframesT(frames)
	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_REWIND, uintptr(unsafe.Pointer(&n))); err != nil {
		if IsXrun(err) {
			return 0, p.xrunRecover(err)
		}

		return 0, fmt.Errorf("ioctl REWIND failed: %w", err)
	}

	return uint32(n), nil
}

// Silence fills buf with the digital silence value for the device's
// configured sample format. Every format is zero except the unsigned 8-bit
// formats, whose silence level sits at the midpoint of the range (0x80).
func (p *Device) Silence(buf []byte) {
	switch p.config.Format {
	case SNDRV_PCM_FORMAT_U8:
		for i := range buf {
			buf[i] = 0x80
		}
	default:
		for i := range buf {
			buf[i] = 0
		}
	}
}

// mapStatusAndControl maps the kernel's status page (read-only) and control
// page (read-write). When the driver refuses the mapping, the same pointers
// are aimed at a local sndPcmSyncPtr instead, and every sync goes through the
// SYNC_PTR ioctl.
func (p *Device) mapStatusAndControl() error {
	pageSize := os.Getpagesize()
	var statusBuf, controlBuf []byte
	var err error

	// The sync_ptr struct is needed even on the mmap path, for the
	// APPL-flagged syncs.
	p.syncPointer = &sndPcmSyncPtr{}

	statusBuf, err = unix.Mmap(int(p.file.Fd()), SNDRV_PCM_MMAP_OFFSET_STATUS, pageSize, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		controlBuf, err = unix.Mmap(int(p.file.Fd()), SNDRV_PCM_MMAP_OFFSET_CONTROL, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			_ = unix.Munmap(statusBuf)
		}
	}

	if err != nil {
		p.mmapStatus = &p.syncPointer.S.sndPcmMmapStatus
		p.mmapControl = &p.syncPointer.C.sndPcmMmapControl
		p.isMmapped = false
	} else {
		p.mmapStatus = (*sndPcmMmapStatus)(unsafe.Pointer(&statusBuf[0]))
		p.mmapControl = (*sndPcmMmapControl)(unsafe.Pointer(&controlBuf[0]))
		p.isMmapped = true
	}

	var availMin = sndPcmUframesT(p.config.AvailMin)
	if unsafe.Sizeof(availMin) == 8 {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&p.mmapControl.AvailMin)), uint64(availMin))
	} else {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&p.mmapControl.AvailMin)), uint32(availMin))
	}

	return nil
}

func (p *Device) unmapStatusAndControl() {
	if p.isMmapped {
		pageSize := os.Getpagesize()
		if p.mmapStatus != nil {
			buf := unsafe.Slice((*byte)(unsafe.Pointer(p.mmapStatus)), pageSize)
			_ = unix.Munmap(buf)
		}

		if p.mmapControl != nil {
			buf := unsafe.Slice((*byte)(unsafe.Pointer(p.mmapControl)), pageSize)
			_ = unix.Munmap(buf)
		}
	} else {
		p.syncPointer = nil
	}

	p.mmapStatus = nil
	p.mmapControl = nil
}

// syncPtr synchronizes the application and hardware pointers with the
// kernel, choosing the cheapest mechanism the mapping mode allows.
func (p *Device) syncPtr(flags uint32) error {
	if p.syncPointer == nil {
		return fmt.Errorf("sync pointer not initialized")
	}

	if !p.isMmapped {
		p.syncPointer.Flags = flags
		if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_SYNC_PTR, uintptr(unsafe.Pointer(p.syncPointer))); err != nil {
			return err
		}
	} else {
		if (flags & SNDRV_PCM_SYNC_PTR_APPL) != 0 {
			p.syncPointer.Flags = flags
			if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_SYNC_PTR, uintptr(unsafe.Pointer(p.syncPointer))); err != nil {
				return err
			}
		} else if (flags & SNDRV_PCM_SYNC_PTR_HWSYNC) != 0 {
			// Pure hwsync has a lighter ioctl of its own.
			if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_HWSYNC, 0); err != nil {
				return err
			}
		}
	}

	return nil
}

// FormatToBits returns the number of bits per sample for a given format.
// This reflects the space occupied in memory, so 24-bit formats in 32-bit containers return 32.
func FormatToBits(f PcmFormat) uint32 {
	switch f {
	case SNDRV_PCM_FORMAT_FLOAT64_LE, SNDRV_PCM_FORMAT_FLOAT64_BE:
		return 64
	case SNDRV_PCM_FORMAT_S32_LE, SNDRV_PCM_FORMAT_S32_BE, SNDRV_PCM_FORMAT_U32_LE, SNDRV_PCM_FORMAT_U32_BE,
		SNDRV_PCM_FORMAT_FLOAT_LE, SNDRV_PCM_FORMAT_FLOAT_BE,
		SNDRV_PCM_FORMAT_S24_LE, SNDRV_PCM_FORMAT_S24_BE, SNDRV_PCM_FORMAT_U24_LE, SNDRV_PCM_FORMAT_U24_BE:
		return 32
	case SNDRV_PCM_FORMAT_S24_3LE, SNDRV_PCM_FORMAT_S24_3BE, SNDRV_PCM_FORMAT_U24_3LE, SNDRV_PCM_FORMAT_U24_3BE:
		return 24
	case SNDRV_PCM_FORMAT_S16_LE, SNDRV_PCM_FORMAT_S16_BE, SNDRV_PCM_FORMAT_U16_LE, SNDRV_PCM_FORMAT_U16_BE:
		return 16
	case SNDRV_PCM_FORMAT_S8, SNDRV_PCM_FORMAT_U8:
		return 8
	default:
		return 0
	}
}

