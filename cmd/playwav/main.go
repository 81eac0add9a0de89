// Command playwav plays a WAV file through the timer-driven engine. It is a
// minimal host: it feeds buffers when the engine asks for them and recycles
// the ones the engine hands back.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-audio/wav"

	"github.com/gkiagia/pipewire/bufferpool"
	"github.com/gkiagia/pipewire/engine"
	"github.com/gkiagia/pipewire/format"
)

const numBuffers = 2

// notifier bridges the engine's data-loop callbacks to the main goroutine.
// Callbacks must not call back into the engine, so they only signal.
type notifier struct {
	need  chan struct{}
	reuse chan uint32
}

func (n *notifier) Ready(s engine.IOStatus) {
	if s == engine.StatusNeedBuffer {
		select {
		case n.need <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) ReuseBuffer(_ int, id uint32) {
	select {
	case n.reuse <- id:
	default:
	}
}

func (n *notifier) OnXrun(frames uint64) {
	log.Printf("xrun: %d frames lost", frames)
}

func main() {
	device := flag.String("device", "hw:0,0", "PCM device name")
	latency := flag.Uint("latency", 1024, "wakeup threshold in frames")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] file.wav\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := play(*device, uint32(*latency), flag.Arg(0)); err != nil {
		log.Fatal(err)
	}
}

func play(device string, latency uint32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	rate := uint32(buf.Format.SampleRate)
	channels := uint32(buf.Format.NumChannels)
	data := toS16LE(buf.Data, int(dec.BitDepth))

	n := &notifier{
		need:  make(chan struct{}, 1),
		reuse: make(chan uint32, numBuffers),
	}

	e := engine.New(engine.Config{
		Device:     device,
		Name:       path,
		Direction:  engine.Playback,
		MinLatency: latency,
		Callbacks:  n,
		Logger:     log.Default(),
	})
	defer e.Destroy()

	if err := e.Open(); err != nil {
		return err
	}
	defer e.Close()

	got, err := e.SetFormat(engine.StreamFormat{
		Encoding: format.S16LE,
		Rate:     rate,
		Channels: channels,
	}, engine.FlagNearest)
	if err != nil {
		return err
	}
	if got.Rate != rate || got.Channels != channels {
		return fmt.Errorf("device negotiated %d/%dch, file is %d/%dch",
			got.Rate, got.Channels, rate, channels)
	}

	frameSize := 2 * channels
	chunkBytes := latency * frameSize

	descriptors := make([]*bufferpool.Descriptor, numBuffers)
	for i := range descriptors {
		descriptors[i] = &bufferpool.Descriptor{
			ID:      uint32(i),
			Data:    make([]byte, chunkBytes),
			MaxSize: chunkBytes,
		}
	}
	if err := e.UseBuffers(descriptors); err != nil {
		return err
	}

	// Prime the queue before starting so the first period does not
	// underrun.
	offset := 0
	for _, d := range descriptors {
		size := uint32(copy(d.Data, data[offset:]))
		if size == 0 {
			break
		}
		if err := e.SubmitBuffer(d.ID, bufferpool.Chunk{Size: size, Stride: frameSize}); err != nil {
			return err
		}
		offset += int(size)
	}

	if err := e.Start(); err != nil {
		return err
	}
	log.Printf("playing %s: %d Hz, %d channels, %d frames",
		path, rate, channels, len(data)/int(frameSize))

	for offset < len(data) {
		<-n.need
	refill:
		for offset < len(data) {
			select {
			case id := <-n.reuse:
				d := descriptors[id]
				size := uint32(copy(d.Data, data[offset:]))
				if err := e.SubmitBuffer(id, bufferpool.Chunk{Size: size, Stride: frameSize}); err != nil {
					return err
				}
				offset += int(size)
			default:
				break refill
			}
		}
	}

	// Let the queued tail drain before stopping.
	time.Sleep(time.Duration(uint64(2*latency) * uint64(time.Second) / uint64(rate)))

	return e.Pause()
}

// toS16LE converts decoded samples to 16-bit little-endian. 8-bit WAV is
// unsigned, everything wider is signed and gets truncated.
func toS16LE(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int
		switch {
		case bitDepth == 8:
			v = (s - 128) << 8
		case bitDepth > 16:
			v = s >> uint(bitDepth-16)
		default:
			v = s
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}

	return out
}
