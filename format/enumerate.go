package format

import "github.com/gkiagia/pipewire/pcm"

// Defaults offered during enumeration when the device range allows them.
const (
	DefaultRate     = 48000
	DefaultChannels = 2
)

// Params is one enumerated stream configuration: a raw-audio format choice
// with the device's rate and channel ranges and a preferred default for each.
type Params struct {
	Encoding        Encoding
	RateMin         uint32
	RateMax         uint32
	RateDefault     uint32
	ChannelsMin     uint32
	ChannelsMax     uint32
	ChannelsDefault uint32
	Positions       []Position
}

// Filter restricts an enumeration. Zero values match anything.
type Filter struct {
	Encoding Encoding
	Rate     uint32
	Channels uint32
}

// Caps is the device capability summary enumeration works from. It is built
// from the kernel's refined hw_params by CapsFromParams, or constructed
// directly in tests.
type Caps struct {
	Formats     []Encoding
	RateMin     uint32
	RateMax     uint32
	ChannelsMin uint32
	ChannelsMax uint32

	// ChannelMaps holds the device-reported channel maps, one per supported
	// layout. Only consulted when map enumeration is enabled.
	ChannelMaps [][]Position
}

// CapsFromParams intersects the device's format mask with the encodings in
// the table and reads back the rate and channel ranges.
func CapsFromParams(pp *pcm.PcmParams, t *Table) (Caps, error) {
	var caps Caps

	mask, err := pp.Mask(pcm.PCM_PARAM_FORMAT)
	if err != nil {
		return caps, err
	}

	for _, e := range []Encoding{
		S8, U8, S16LE, S16BE, U16LE, U16BE,
		S24LE, S24BE, U24LE, U24BE, S32LE, S32BE, U32LE, U32BE,
		FloatLE, FloatBE, Float64LE, Float64BE,
	} {
		native, ok := t.Native(e)
		if ok && mask.Test(uint(native)) {
			caps.Formats = append(caps.Formats, e)
		}
	}

	if caps.RateMin, err = pp.RangeMin(pcm.PCM_PARAM_RATE); err != nil {
		return caps, err
	}
	if caps.RateMax, err = pp.RangeMax(pcm.PCM_PARAM_RATE); err != nil {
		return caps, err
	}
	if caps.ChannelsMin, err = pp.RangeMin(pcm.PCM_PARAM_CHANNELS); err != nil {
		return caps, err
	}
	if caps.ChannelsMax, err = pp.RangeMax(pcm.PCM_PARAM_CHANNELS); err != nil {
		return caps, err
	}

	return caps, nil
}

func clamp(v, min, max uint32) uint32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}

	return v
}

// Enumerate emits the parameter objects for this capability set, one per
// surviving format, restartable through the (start, num) window. A nil
// filter matches everything. When enumMaps is false the channel positions
// fall back to the default layout for the default channel count.
func (c Caps) Enumerate(start, num uint32, filter *Filter, enumMaps bool) []Params {
	var all []Params

	for _, e := range c.Formats {
		if filter != nil && filter.Encoding != Unknown && filter.Encoding != e {
			continue
		}

		p := Params{
			Encoding:        e,
			RateMin:         c.RateMin,
			RateMax:         c.RateMax,
			RateDefault:     clamp(DefaultRate, c.RateMin, c.RateMax),
			ChannelsMin:     c.ChannelsMin,
			ChannelsMax:     c.ChannelsMax,
			ChannelsDefault: clamp(DefaultChannels, c.ChannelsMin, c.ChannelsMax),
		}

		if filter != nil && filter.Rate != 0 {
			if filter.Rate < c.RateMin || filter.Rate > c.RateMax {
				continue
			}
			p.RateMin, p.RateMax, p.RateDefault = filter.Rate, filter.Rate, filter.Rate
		}

		if filter != nil && filter.Channels != 0 {
			if filter.Channels < c.ChannelsMin || filter.Channels > c.ChannelsMax {
				continue
			}
			p.ChannelsMin, p.ChannelsMax, p.ChannelsDefault = filter.Channels, filter.Channels, filter.Channels
		}

		p.Positions = c.positionsFor(int(p.ChannelsDefault), enumMaps)

		all = append(all, p)
	}

	if start >= uint32(len(all)) {
		return nil
	}

	end := start + num
	if num == 0 || end > uint32(len(all)) {
		end = uint32(len(all))
	}

	return all[start:end]
}

// positionsFor picks the channel layout advertised for n channels. With map
// enumeration enabled the device-reported map of matching length wins, after
// sanitization; otherwise the conventional default layout is used.
func (c Caps) positionsFor(n int, enumMaps bool) []Position {
	if enumMaps {
		for _, m := range c.ChannelMaps {
			if len(m) == n {
				return Sanitize(m)
			}
		}
	}

	return DefaultLayout(n)
}
