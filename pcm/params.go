package pcm

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"unsafe"
)

// PcmParams is the narrowed hardware parameter space returned by
// PcmParamsGetRefined.
type PcmParams struct {
	params *sndPcmHwParams
}

// PcmParamsGetRefined opens the device just long enough to run HW_REFINE and
// returns the narrowed parameter space: every mask and interval restricted to
// what the hardware actually supports. The handle is closed again before
// returning, so this can run against a device that is not otherwise open.
func PcmParamsGetRefined(card, device uint, flags PcmFlag) (*PcmParams, error) {
	var streamChar byte
	if (flags & PCM_IN) != 0 {
		streamChar = 'c'
	} else {
		streamChar = 'p'
	}

	path := fmt.Sprintf("/dev/snd/pcmC%dD%d%c", card, device, streamChar)

	// Non-blocking open so a busy device fails instead of hanging.
	file, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCM device %s for query: %w", path, err)
	}
	defer file.Close()

	hwParams := &sndPcmHwParams{}
	paramInit(hwParams)

	if err := ioctl(file.Fd(), SNDRV_PCM_IOCTL_HW_REFINE, uintptr(unsafe.Pointer(hwParams))); err != nil {
		return nil, fmt.Errorf("ioctl HW_REFINE failed: %w", err)
	}

	return &PcmParams{params: hwParams}, nil
}

// RangeMin returns the minimum value for an interval parameter.
func (pp *PcmParams) RangeMin(param PcmParam) (uint32, error) {
	if pp == nil || pp.params == nil {
		return 0, fmt.Errorf("params not initialized")
	}

	if param < PCM_PARAM_SAMPLE_BITS || param > PCM_PARAM_TICK_TIME {
		return 0, fmt.Errorf("parameter %v is not an interval type", param)
	}

	return pp.params.Intervals[param-PCM_PARAM_SAMPLE_BITS].MinVal, nil
}

// RangeMax returns the maximum value for an interval parameter.
func (pp *PcmParams) RangeMax(param PcmParam) (uint32, error) {
	if pp == nil || pp.params == nil {
		return 0, fmt.Errorf("params not initialized")
	}

	if param < PCM_PARAM_SAMPLE_BITS || param > PCM_PARAM_TICK_TIME {
		return 0, fmt.Errorf("parameter %v is not an interval type", param)
	}

	return pp.params.Intervals[param-PCM_PARAM_SAMPLE_BITS].MaxVal, nil
}

// Mask returns the bitmask for a mask-type parameter.
func (pp *PcmParams) Mask(param PcmParam) (*PcmParamMask, error) {
	if pp == nil || pp.params == nil {
		return nil, fmt.Errorf("params not initialized")
	}

	if param < PCM_PARAM_ACCESS || param > PCM_PARAM_SUBFORMAT {
		return nil, fmt.Errorf("parameter %v is not a mask type", param)
	}

	maskPtr := &pp.params.Masks[param-PCM_PARAM_ACCESS]

	return (*PcmParamMask)(unsafe.Pointer(maskPtr)), nil
}

// FormatIsSupported checks if a given PCM format is supported.
func (pp *PcmParams) FormatIsSupported(format PcmFormat) bool {
	mask, err := pp.Mask(PCM_PARAM_FORMAT)
	if err != nil {
		return false
	}

	return mask.Test(uint(format))
}

// String renders the capability summary, one line per parameter that carries
// a meaningful range.
func (pp *PcmParams) String() string {
	if pp == nil || pp.params == nil {
		return "<nil>"
	}

	var b strings.Builder

	printMaskSlice := func(name string, param PcmParam, names []string) {
		mask, err := pp.Mask(param)
		if err != nil {
			return
		}

		var supported []string
		for i, n := range names {
			if len(n) > 0 && mask.Test(uint(i)) {
				supported = append(supported, n)
			}
		}

		if len(supported) > 0 {
			b.WriteString(fmt.Sprintf("%12s: %s\n", name, strings.Join(supported, ", ")))
		}
	}

	printFormatMask := func() {
		mask, err := pp.Mask(PCM_PARAM_FORMAT)
		if err != nil {
			return
		}

		var keys []int
		for k := range PcmParamFormatNames {
			keys = append(keys, int(k))
		}
		sort.Ints(keys)

		var supported []string
		for _, k := range keys {
			f := PcmFormat(k)
			if name, ok := PcmParamFormatNames[f]; ok && mask.Test(uint(f)) {
				supported = append(supported, name)
			}
		}

		if len(supported) > 0 {
			b.WriteString(fmt.Sprintf("%12s: %s\n", "Format", strings.Join(supported, ", ")))
		}
	}

	printInterval := func(name string, param PcmParam, unit string) {
		rangeMin, errMin := pp.RangeMin(param)
		rangeMax, errMax := pp.RangeMax(param)
		if errMin != nil || errMax != nil {
			return
		}
		if rangeMax == 0 || rangeMax == ^uint32(0) {
			return
		}

		b.WriteString(fmt.Sprintf("%12s: min=%-6d max=%-6d %s\n", name, rangeMin, rangeMax, unit))
	}

	b.WriteString("PCM device capabilities:\n")
	printMaskSlice("Access", PCM_PARAM_ACCESS, PcmParamAccessNames)
	printFormatMask()
	printMaskSlice("Subformat", PCM_PARAM_SUBFORMAT, PcmParamSubformatNames)
	printInterval("Rate", PCM_PARAM_RATE, "Hz")
	printInterval("Channels", PCM_PARAM_CHANNELS, "")
	printInterval("Sample bits", PCM_PARAM_SAMPLE_BITS, "")
	printInterval("Period size", PCM_PARAM_PERIOD_SIZE, "frames")
	printInterval("Periods", PCM_PARAM_PERIODS, "")

	return b.String()
}

// paramInit opens every mask and interval to the full space. HW_REFINE and
// HW_PARAMS both narrow from there.
func paramInit(p *sndPcmHwParams) {
	for n := range p.Masks {
		for i := range p.Masks[n].Bits {
			p.Masks[n].Bits[i] = ^uint32(0)
		}
	}

	for n := range p.Mres {
		for i := range p.Mres[n].Bits {
			p.Mres[n].Bits[i] = ^uint32(0)
		}
	}

	for n := range p.Intervals {
		p.Intervals[n].MinVal = 0
		p.Intervals[n].MaxVal = ^uint32(0)
		p.Intervals[n].Flags = 0
	}

	for n := range p.Ires {
		p.Ires[n].MinVal = 0
		p.Ires[n].MaxVal = ^uint32(0)
		p.Ires[n].Flags = 0
	}

	p.Rmask = ^uint32(0)
	p.Info = ^uint32(0)
}

func paramSetMask(p *sndPcmHwParams, param PcmParam, bit uint32) {
	if param < PCM_PARAM_ACCESS || param > PCM_PARAM_SUBFORMAT {
		return
	}

	mask := &p.Masks[param-PCM_PARAM_ACCESS]
	for i := range mask.Bits {
		mask.Bits[i] = 0
	}

	if bit >= 256 { // SNDRV_MASK_MAX
		return
	}

	mask.Bits[bit>>5] |= 1 << (bit & 31)
}

func paramSetInt(p *sndPcmHwParams, param PcmParam, val uint32) {
	if param < PCM_PARAM_SAMPLE_BITS || param > PCM_PARAM_TICK_TIME {
		return
	}

	interval := &p.Intervals[param-PCM_PARAM_SAMPLE_BITS]
	interval.MinVal = val
	interval.MaxVal = val
	interval.Flags = SNDRV_PCM_INTERVAL_INTEGER
}

// paramSetNear narrows an interval parameter to the supported value nearest
// to val. It first refines a scratch copy with the exact value pinned; when
// the device refuses that, it refines the open envelope the other constraints
// leave and clamps into it. The resolved value is pinned in p and returned.
func paramSetNear(fd uintptr, p *sndPcmHwParams, param PcmParam, val uint32) (uint32, error) {
	if param < PCM_PARAM_SAMPLE_BITS || param > PCM_PARAM_TICK_TIME {
		return 0, fmt.Errorf("parameter %v is not an interval type", param)
	}

	scratch := *p
	paramSetInt(&scratch, param, val)
	scratch.Rmask = ^uint32(0)
	if err := ioctl(fd, SNDRV_PCM_IOCTL_HW_REFINE, uintptr(unsafe.Pointer(&scratch))); err == nil {
		paramSetInt(p, param, val)

		return val, nil
	}

	scratch = *p
	scratch.Rmask = ^uint32(0)
	if err := ioctl(fd, SNDRV_PCM_IOCTL_HW_REFINE, uintptr(unsafe.Pointer(&scratch))); err != nil {
		return 0, fmt.Errorf("ioctl HW_REFINE failed: %w", err)
	}

	got := paramResolveNear(&scratch, param, val)
	paramSetInt(p, param, got)

	return got, nil
}

// paramResolveNear picks the value inside a refined interval closest to val,
// stepping past open endpoints.
func paramResolveNear(p *sndPcmHwParams, param PcmParam, val uint32) uint32 {
	interval := &p.Intervals[param-PCM_PARAM_SAMPLE_BITS]

	lo, hi := interval.MinVal, interval.MaxVal
	if (interval.Flags & SNDRV_PCM_INTERVAL_OPENMIN) != 0 {
		lo++
	}
	if (interval.Flags&SNDRV_PCM_INTERVAL_OPENMAX) != 0 && hi > lo {
		hi--
	}

	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}

	return val
}

func paramSetMin(p *sndPcmHwParams, param PcmParam, val uint32) {
	if param < PCM_PARAM_SAMPLE_BITS || param > PCM_PARAM_TICK_TIME {
		return
	}

	p.Intervals[param-PCM_PARAM_SAMPLE_BITS].MinVal = val
}

// paramGetInt reads back a finalized interval. The driver narrows each
// interval to a single value at HW_PARAMS time, so MinVal is the result.
func paramGetInt(p *sndPcmHwParams, param PcmParam) uint32 {
	if param < PCM_PARAM_SAMPLE_BITS || param > PCM_PARAM_TICK_TIME {
		return 0
	}

	return p.Intervals[param-PCM_PARAM_SAMPLE_BITS].MinVal
}
