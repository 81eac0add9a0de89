package pcm

import (
	"fmt"
	"time"
	"unsafe"
)

// Status is a snapshot of the kernel's view of the stream, as returned by the
// STATUS ioctl. Unlike the mmap'd status page it carries the trigger
// timestamp, which is what xrun recovery needs to size the gap.
type Status struct {
	State         PcmState
	TriggerTstamp time.Time
	Tstamp        time.Time
	ApplPtr       SndPcmUframesT
	HwPtr         SndPcmUframesT
	Delay         SndPcmSframesT
	Avail         SndPcmUframesT
	AvailMax      SndPcmUframesT
}

// Status queries the full stream status from the kernel.
func (p *Device) Status() (Status, error) {
	if !p.IsReady() {
		return Status{}, fmt.Errorf("PCM handle is not valid")
	}

	var raw sndPcmStatus
	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_STATUS, uintptr(unsafe.Pointer(&raw))); err != nil {
		return Status{}, fmt.Errorf("ioctl STATUS failed: %w", err)
	}

	return Status{
		State:         PcmState(raw.State),
		TriggerTstamp: time.Unix(int64(raw.TriggerTstamp.Sec), int64(raw.TriggerTstamp.Nsec)),
		Tstamp:        time.Unix(int64(raw.Tstamp.Sec), int64(raw.Tstamp.Nsec)),
		ApplPtr:       raw.ApplPtr,
		HwPtr:         raw.HwPtr,
		Delay:         raw.Delay,
		Avail:         raw.Avail,
		AvailMax:      raw.AvailMax,
	}, nil
}
