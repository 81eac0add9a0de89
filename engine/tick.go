package engine

import (
	"fmt"
	"time"

	"github.com/gkiagia/pipewire/bufferpool"
	"github.com/gkiagia/pipewire/clock"
	"github.com/gkiagia/pipewire/dll"
	"github.com/gkiagia/pipewire/pcm"
)

const nsecPerSec = uint64(time.Second)

func (e *Engine) tick() {
	if !e.started {
		return
	}

	var err error
	if e.cfg.Direction == Playback {
		err = e.tickPlayback()
	} else {
		err = e.tickCapture()
	}

	if err != nil {
		e.logf("%s: tick: %v", e.cfg.Name, err)
		e.stopLocked()
		e.state = StatePaused
	}
}

// deviceDelay queries the queue fill level: frames queued for playback,
// frames pending for capture. An xrun surfacing here is recovered and the
// query retried once.
func (e *Engine) deviceDelay() (int64, error) {
	avail, err := e.dev.AvailUpdate()
	if err != nil {
		if !pcm.IsXrun(err) {
			return 0, fmt.Errorf("%w: avail: %v", ErrDevice, err)
		}
		if rerr := e.recoverXrun(err); rerr != nil {
			return 0, rerr
		}
		if avail, err = e.dev.AvailUpdate(); err != nil {
			return 0, fmt.Errorf("%w: avail after recover: %v", ErrDevice, err)
		}
	}

	if e.cfg.Direction == Playback {
		return int64(e.bufferFrames) - int64(avail), nil
	}

	return int64(avail), nil
}

// updateTime advances the rate tracker with the observed queue drain time
// and derives the next wakeup deadline. It also publishes the stream's clock
// record when registered with a coordinator.
func (e *Engine) updateTime(nsec uint64, delay int64, slaved bool) {
	var elapsed uint64
	if slaved {
		elapsed = uint64(e.threshold)
	} else {
		elapsed = e.samples - e.samplePrev
	}

	var sdelay int64
	var extra float64
	if e.cfg.Direction == Capture {
		elapsed = uint64(e.threshold)
		extra = float64(elapsed) / float64(e.rate)
		sdelay = delay - int64(elapsed)
	} else {
		if elapsed == 0 {
			// Nothing was written since the previous tick: assume half a
			// threshold so the loop stays near the real cadence.
			elapsed = uint64(e.threshold) / 2
			delay = int64(e.threshold) / 2
		}
		e.samplePrev = e.samples
		sdelay = -delay
	}

	// The moment the queued samples drain is the observation the loop
	// smooths into the next deadline.
	tw := float64(nsec)*1e-9 - float64(sdelay)/float64(e.rate) - e.safety
	tw = e.tracker.Update(tw, float64(elapsed)/float64(e.rate))
	e.nextTime = uint64((tw + extra - e.safety) * 1e9)

	if e.coord != nil {
		_ = e.coord.Publish(e.handle, clock.Record{
			Nsec:     e.lastTime,
			RateNum:  1,
			RateDen:  e.rate,
			Position: int64(e.samples),
			Delay:    sdelay,
			RateDiff: e.tracker.Dt(),
		})
	}

	e.lastTime = nsec
}

func (e *Engine) tickPlayback() error {
	if e.pos != nil && e.pos.Size != 0 {
		e.threshold = e.pos.Size
	}

	nsec := e.nsec()
	delay, err := e.deviceDelay()
	if err != nil {
		return err
	}

	if delay >= int64(e.threshold)*2 {
		// Woke while two thresholds are still queued; push the deadline
		// out and go back to sleep.
		e.nextTime = nsec + uint64(e.threshold/2)*nsecPerSec/uint64(e.rate)

		return nil
	}

	e.updateTime(nsec, delay, false)

	if !e.pool.HasReady() {
		e.io.Status = StatusNeedBuffer
		e.io.RangeOffset = e.samples * uint64(e.frameSize)
		e.io.RangeMinSize = e.threshold * e.frameSize
		e.io.RangeMaxSize = e.threshold * e.frameSize
		if e.cb != nil {
			e.cb.Ready(StatusNeedBuffer)
		}

		return nil
	}

	return e.write(0, true)
}

func (e *Engine) tickCapture() error {
	if e.pos != nil && e.pos.Size != 0 {
		e.threshold = e.pos.Size
	}

	nsec := e.nsec()
	delay, err := e.deviceDelay()
	if err != nil {
		return err
	}

	if delay < int64(e.threshold) {
		// Not a full quantum captured yet; wait out the remainder.
		e.nextTime = nsec + uint64(int64(e.threshold)-delay)*nsecPerSec/uint64(e.rate)

		return nil
	}

	e.updateTime(nsec, delay, false)

	toRead := uint32(delay)
	if toRead > e.threshold {
		toRead = e.threshold
	}

	var totalRead uint32
	for totalRead < toRead {
		buf, _, frames, _, err := e.dev.MmapBegin(toRead - totalRead)
		if err != nil {
			return fmt.Errorf("%w: mmap begin: %v", ErrDevice, err)
		}

		read := e.pushFrames(buf, frames, nsec)
		if read < frames {
			toRead = 0
		}

		if err := e.dev.MmapCommit(read); err != nil {
			if !pcm.IsXrun(err) {
				return fmt.Errorf("%w: mmap commit: %v", ErrDevice, err)
			}
			e.logf("%s: commit: %v", e.cfg.Name, err)
		}
		totalRead += read
	}

	e.samples += uint64(totalRead)

	return nil
}

// pushFrames moves captured frames from the device window into the head of
// the free list and offers the filled buffer to the host. With no free
// buffer the quantum is dropped so the device does not back up.
func (e *Engine) pushFrames(src []byte, frames uint32, nowNsec uint64) uint32 {
	if !e.pool.HasFree() {
		e.logf("%s: no more buffers", e.cfg.Name)

		return e.threshold
	}

	d, _ := e.pool.TakeFree()

	d.Header = bufferpool.Header{Seq: e.samples, PTS: nowNsec}

	avail := d.MaxSize / e.frameSize
	total := frames
	if avail < total {
		total = avail
	}
	nBytes := total * e.frameSize

	copy(d.Data[:nBytes], src[:nBytes])

	d.Chunk.Offset = 0
	d.Chunk.Size = nBytes
	d.Chunk.Stride = e.frameSize

	if e.io.Status != StatusHaveBuffer {
		e.io.BufferID = d.ID
		e.io.Status = StatusHaveBuffer
		e.pool.MarkOut(d)
	} else {
		// The host has not consumed the previous buffer; queue this one
		// behind it.
		e.pool.PushReady(d)
	}

	if e.cb != nil {
		e.cb.Ready(StatusHaveBuffer)
	}

	return total
}

// write fills the device ring from the ready list, padding with up to
// silencePad frames of silence, and starts the hardware once something has
// been written. A slaved stream first re-times itself against the master's
// published clock.
func (e *Engine) write(silencePad uint32, start bool) error {
	if e.pos != nil && e.pos.Size != 0 && e.threshold != e.pos.Size {
		e.threshold = e.pos.Size
	}

	if e.slaved {
		master := e.pos.Clock.Position + e.pos.Clock.Delay
		nsec := uint64(master) * nsecPerSec / uint64(e.rate)

		delay, err := e.deviceDelay()
		if err != nil {
			return err
		}

		e.updateTime(nsec, delay, true)

		if delay > int64(e.threshold)*2 {
			// Running ahead of the master; drop a threshold of queued
			// audio to pull the latency back in.
			if _, err := e.dev.Rewind(e.threshold); err != nil {
				e.logf("%s: rewind: %v", e.cfg.Name, err)
			}
		}
	}

	var totalWritten uint32
	for {
		buf, _, frames, _, err := e.dev.MmapBegin(e.bufferFrames)
		if err != nil {
			if pcm.IsXrun(err) {
				return e.recoverXrun(err)
			}

			return fmt.Errorf("%w: mmap begin: %v", ErrDevice, err)
		}

		silence := silencePad
		if silence > frames {
			silence = frames
		}

		toWrite := frames
		var written uint32

		for e.pool.HasReady() && toWrite > 0 {
			d, _ := e.pool.PeekReady()

			size := d.Chunk.Size
			avail := (size - e.readyOffset) / e.frameSize

			n := avail
			if n > toWrite {
				n = toWrite
			}
			nBytes := n * e.frameSize

			if n > 0 {
				// The source chunk may wrap inside its backing slice.
				index := d.Chunk.Offset + e.readyOffset
				offs := index % d.MaxSize
				l0 := nBytes
				if l0 > d.MaxSize-offs {
					l0 = d.MaxSize - offs
				}
				dst := buf[written*e.frameSize:]
				copy(dst[:l0], d.Data[offs:offs+l0])
				if l1 := nBytes - l0; l1 > 0 {
					copy(dst[l0:l0+l1], d.Data[:l1])
				}
				e.readyOffset += nBytes
			}

			if e.readyOffset >= size || n == 0 {
				_, _ = e.pool.TakeReady()
				e.pool.MarkOut(d)
				e.io.BufferID = d.ID
				if e.cb != nil {
					e.cb.ReuseBuffer(0, d.ID)
				}
				e.readyOffset = 0
			}

			written += n
			toWrite -= n
			if silence > n {
				silence -= n
			} else {
				silence = 0
			}
		}

		if silence > 0 {
			off := written * e.frameSize
			e.dev.Silence(buf[off : off+silence*e.frameSize])
			written += silence
		}

		totalWritten += written

		if err := e.dev.MmapCommit(written); err != nil {
			if !pcm.IsXrun(err) {
				return fmt.Errorf("%w: mmap commit: %v", ErrDevice, err)
			}
			e.logf("%s: commit: %v", e.cfg.Name, err)
		}

		if !e.pool.HasReady() || written == 0 {
			break
		}
	}

	e.samples += uint64(totalWritten)

	if !e.alsaStarted && totalWritten > 0 && start {
		if err := e.dev.Start(); err != nil {
			return fmt.Errorf("%w: start: %v", ErrDevice, err)
		}
		e.alsaStarted = true
	}

	return nil
}

// recoverXrun sizes the overrun or underrun from the device status, resets
// the device and the rate tracker, and restarts the stream: capture starts
// the hardware again directly, playback re-primes the ring with silence.
func (e *Engine) recoverXrun(cause error) error {
	e.state = StateRecovering

	if st, err := e.dev.Status(); err == nil {
		if st.State == pcm.SNDRV_PCM_STATE_XRUN {
			gap := st.Tstamp.Sub(st.TriggerTstamp)
			missing := uint64(gap) * uint64(e.rate) / nsecPerSec
			e.logf("%s: xrun of %v, %d frames", e.cfg.Name, gap, missing)
			if e.cb != nil {
				e.cb.OnXrun(missing)
			}
		} else {
			e.logf("%s: recover from state %v", e.cfg.Name, st.State)
		}
	}

	if err := e.dev.Recover(cause); err != nil {
		e.state = StatePaused
		e.started = false

		return fmt.Errorf("%w: recover: %v", ErrDevice, err)
	}
	if err := e.dev.Prepare(); err != nil {
		e.state = StatePaused
		e.started = false

		return fmt.Errorf("%w: prepare: %v", ErrDevice, err)
	}

	e.tracker.Reset(dll.BWMax)

	if e.cfg.Direction == Capture {
		if err := e.dev.Start(); err != nil {
			e.state = StatePaused
			e.started = false

			return fmt.Errorf("%w: start: %v", ErrDevice, err)
		}
		e.alsaStarted = true
	} else {
		e.alsaStarted = false
		if err := e.write(e.threshold*2, true); err != nil {
			return err
		}
	}

	e.state = StateRunning

	return nil
}
