package pcm

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AvailUpdate synchronizes the pointers with the kernel and returns the
// number of available frames: writable space for playback, readable data for
// capture. Only valid for MMAP streams.
func (p *Device) AvailUpdate() (int, error) {
	if (p.flags & PCM_MMAP) == 0 {
		return 0, fmt.Errorf("method AvailUpdate() is only available for MMAP streams")
	}

	if err := p.syncPtr(SNDRV_PCM_SYNC_PTR_HWSYNC); err != nil {
		// In the XRUN state the pointers are invalid. Playback sees an
		// empty buffer, capture sees nothing to read.
		if p.State() == SNDRV_PCM_STATE_XRUN {
			if (p.flags & PCM_IN) != 0 {
				return 0, syscall.EPIPE
			}

			return int(p.bufferSize), syscall.EPIPE
		}

		return 0, err
	}

	applPtr, hwPtr := p.loadPointers()

	var avail int
	if (p.flags & PCM_IN) != 0 {
		avail = int(hwPtr) - int(applPtr)
		if avail < 0 {
			avail += int(p.boundary)
		}
	} else {
		used := int(applPtr) - int(hwPtr)
		if used < 0 {
			used += int(p.boundary)
		}
		avail = int(p.bufferSize) - used
	}

	return avail, nil
}

// loadPointers reads the mmap'd application and hardware pointers. The cells
// are shared with the kernel, so the loads are atomic at the pointer width.
func (p *Device) loadPointers() (applPtr, hwPtr SndPcmUframesT) {
	if unsafe.Sizeof(applPtr) == 8 {
		applPtr = SndPcmUframesT(atomic.LoadUint64((*uint64)(unsafe.Pointer(&p.mmapControl.ApplPtr))))
		hwPtr = SndPcmUframesT(atomic.LoadUint64((*uint64)(unsafe.Pointer(&p.mmapStatus.HwPtr))))
	} else {
		applPtr = SndPcmUframesT(atomic.LoadUint32((*uint32)(unsafe.Pointer(&p.mmapControl.ApplPtr))))
		hwPtr = SndPcmUframesT(atomic.LoadUint32((*uint32)(unsafe.Pointer(&p.mmapStatus.HwPtr))))
	}

	return applPtr, hwPtr
}

// MmapBegin opens a transfer window: a slice of the device ring covering the
// contiguous frames available at the current application pointer, capped at
// wantFrames. It also returns the window's frame offset inside the ring and
// the total (not necessarily contiguous) avail count. The caller copies into
// or out of the window and then publishes with MmapCommit.
func (p *Device) MmapBegin(wantFrames uint32) (buffer []byte, offsetFrames, actualFrames uint32, avail SndPcmUframesT, err error) {
	if (p.flags & PCM_MMAP) == 0 {
		err = fmt.Errorf("method MmapBegin() is only available for MMAP streams")
		return
	}

	switch p.State() {
	case SNDRV_PCM_STATE_XRUN:
		err = syscall.EPIPE
		return
	case SNDRV_PCM_STATE_OPEN, SNDRV_PCM_STATE_SETUP, SNDRV_PCM_STATE_DRAINING:
		err = unix.EBADFD
		return
	case SNDRV_PCM_STATE_SUSPENDED:
		err = syscall.ESTRPIPE
		return
	case SNDRV_PCM_STATE_DISCONNECTED:
		err = syscall.ENODEV
		return
	}

	applPtr, hwPtr := p.loadPointers()

	var availS SndPcmSframesT
	if (p.flags & PCM_IN) != 0 {
		availS = SndPcmSframesT(hwPtr) - SndPcmSframesT(applPtr)
		if availS < 0 {
			availS += SndPcmSframesT(p.boundary)
		}
	} else {
		used := SndPcmSframesT(applPtr) - SndPcmSframesT(hwPtr)
		if used < 0 {
			used += SndPcmSframesT(p.boundary)
		}
		availS = SndPcmSframesT(p.bufferSize) - used
	}

	avail = SndPcmUframesT(availS)
	if wantFrames > uint32(avail) {
		wantFrames = uint32(avail)
	}

	offsetFrames = uint32(applPtr % SndPcmUframesT(p.bufferSize))
	if cont := p.bufferSize - offsetFrames; wantFrames > cont {
		wantFrames = cont
	}
	actualFrames = wantFrames

	frameSize := uint64(p.FrameSize())
	byteOffset := uint64(offsetFrames) * frameSize
	byteCount := uint64(actualFrames) * frameSize

	if byteOffset+byteCount > uint64(len(p.mmapBuffer)) {
		err = unix.EBADFD
		return
	}

	if byteCount > 0 {
		buffer = p.mmapBuffer[byteOffset : byteOffset+byteCount]
	}

	return
}

// MmapCommit advances the application pointer by the frames actually
// transferred since MmapBegin and notifies the kernel.
func (p *Device) MmapCommit(frames uint32) error {
	if (p.flags & PCM_MMAP) == 0 {
		return fmt.Errorf("method MmapCommit() is only available for MMAP streams")
	}

	applPtr, _ := p.loadPointers()

	newApplPtr := applPtr + SndPcmUframesT(frames)
	if p.boundary > 0 && newApplPtr >= p.boundary {
		// frames is at most one buffer, so a single wrap suffices.
		newApplPtr -= p.boundary
	}

	if unsafe.Sizeof(applPtr) == 8 {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&p.mmapControl.ApplPtr)), uint64(newApplPtr))
	} else {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&p.mmapControl.ApplPtr)), uint32(newApplPtr))
	}

	return p.syncPtr(SNDRV_PCM_SYNC_PTR_APPL | SNDRV_PCM_SYNC_PTR_HWSYNC)
}
