//go:build linux && (386 || arm)

package pcm

// SndPcmUframesT is an unsigned long in the ALSA headers.
// On 32-bit architectures, this is a 32-bit unsigned integer.
type SndPcmUframesT = uint32

// SndPcmSframesT is a signed long in the ALSA headers.
// On 32-bit architectures, this is a 32-bit signed integer.
type SndPcmSframesT = int32

// kernelTimespec mirrors the kernel's struct timespec as seen by a 32-bit
// process (two 32-bit fields), which differs from unix.Timespec on some
// 32-bit targets once the y2038 timespec64 ABI is in play.
type kernelTimespec struct {
	Sec  int32
	Nsec int32
}

// sndPcmMmapStatus contains the status of an MMAP PCM stream.
type sndPcmMmapStatus struct {
	State          int32 // PcmState
	Pad1           int32
	HwPtr          SndPcmUframesT
	_              [4]byte
	Tstamp         kernelTimespec
	SuspendedState int32 // PcmState
	_              [4]byte
	AudioTstamp    kernelTimespec
}

// sndPcmStatus contains the current status of a PCM stream.
type sndPcmStatus struct {
	State          PcmState
	_              [4]byte // Padding
	TriggerTstamp  kernelTimespec
	Tstamp         kernelTimespec
	ApplPtr        SndPcmUframesT
	HwPtr          SndPcmUframesT
	Delay          sndPcmSframesT
	Avail          SndPcmUframesT
	AvailMax       SndPcmUframesT
	Overrange      SndPcmUframesT
	SuspendedState PcmState
	_              [28]byte // Reserved
}

// sndPcmSyncPtr is used to synchronize hardware and application pointers via ioctl.
// The field order must match the C struct exactly. This definition is for 32-bit systems.
type sndPcmSyncPtr struct {
	Flags uint32
	// Padding (4 bytes) required to align the unions to 8 bytes (due to Timespec inside status).
	_ [4]byte
	S struct {
		sndPcmMmapStatus
		_ [24]byte // Padding to make the union 64 bytes
	}
	C struct {
		sndPcmMmapControl
		_ [56]byte // Padding to make the union 64 bytes
	}
}

// sndPcmSwParams contains software parameters for a PCM device for 32-bit systems.
// The layout must match the C struct exactly. This version matches older kernel ABIs
// for broader compatibility.
type sndPcmSwParams struct {
	TstampMode       uint32
	PeriodStep       uint32
	SleepMin         uint32
	AvailMin         SndPcmUframesT
	XferAlign        SndPcmUframesT
	StartThreshold   SndPcmUframesT
	StopThreshold    SndPcmUframesT
	SilenceThreshold SndPcmUframesT
	SilenceSize      SndPcmUframesT
	Boundary         SndPcmUframesT
	Reserved         [64]byte
}
