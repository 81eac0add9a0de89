package format

// Position identifies a speaker position in a channel map. The values match
// the kernel's snd_pcm_chmap_position codes so a map read from the device can
// be used directly.
type Position int32

const (
	ChUnknown Position = iota
	ChNA
	ChMono
	ChFL
	ChFR
	ChRL
	ChRR
	ChFC
	ChLFE
	ChSL
	ChSR
	ChRC
	ChFLC
	ChFRC
	ChRLC
	ChRRC
	ChFLW
	ChFRW
	ChFLH
	ChFCH
	ChFRH
	ChTC
	ChTFL
	ChTFR
	ChTFC
	ChTRL
	ChTRR
	ChTRC
	ChTFLC
	ChTFRC
	ChTSL
	ChTSR
	ChLLFE
	ChRLFE
	ChBC
	ChBLC
	ChBRC

	chLast = ChBRC
)

// PositionNames provides human-readable names for channel positions.
var PositionNames = map[Position]string{
	ChUnknown: "UNKNOWN",
	ChNA:      "NA",
	ChMono:    "MONO",
	ChFL:      "FL",
	ChFR:      "FR",
	ChRL:      "RL",
	ChRR:      "RR",
	ChFC:      "FC",
	ChLFE:     "LFE",
	ChSL:      "SL",
	ChSR:      "SR",
	ChRC:      "RC",
	ChFLC:     "FLC",
	ChFRC:     "FRC",
	ChRLC:     "RLC",
	ChRRC:     "RRC",
}

// defaultLayouts lists the conventional WAVE/ALSA speaker layout for 1 to 8
// channels, in presentation order.
var defaultLayouts = [][]Position{
	{},
	{ChMono},
	{ChFL, ChFR},
	{ChFL, ChFR, ChLFE},
	{ChFL, ChFR, ChRL, ChRR},
	{ChFL, ChFR, ChRL, ChRR, ChFC},
	{ChFL, ChFR, ChRL, ChRR, ChFC, ChLFE},
	{ChFL, ChFR, ChRL, ChRR, ChSL, ChSR, ChFC},
	{ChFL, ChFR, ChRL, ChRR, ChSL, ChSR, ChFC, ChLFE},
}

// DefaultLayout returns the conventional channel layout for n channels, or
// nil when n is outside the 1-8 range this engine knows defaults for.
func DefaultLayout(n int) []Position {
	if n < 1 || n >= len(defaultLayouts) {
		return nil
	}

	out := make([]Position, n)
	copy(out, defaultLayouts[n])

	return out
}

// defaultMask returns the default layout for n channels as a position
// bitmask. Slot filling in Sanitize walks this mask lowest bit first.
func defaultMask(n int) uint64 {
	var mask uint64
	for _, p := range DefaultLayout(n) {
		mask |= 1 << uint(p)
	}

	return mask
}

// Sanitize normalizes a channel map reported by the device: out-of-range
// codes become ChUnknown, duplicated positions are cleared everywhere they
// appear, and the unknown slots are then filled from the default layout for
// that channel count, lowest unused position first. The input is not
// modified; the result has the same length and contains no duplicates.
func Sanitize(positions []Position) []Position {
	out := make([]Position, len(positions))
	copy(out, positions)

	var mask, dup uint64

	for i, p := range out {
		if p < ChUnknown || p > chLast {
			out[i] = ChUnknown
			p = ChUnknown
		}

		bit := uint64(1) << uint(p)
		if mask&bit != 0 {
			// Duplicate position: clear every occurrence seen so far.
			for j := 0; j <= i; j++ {
				if out[j] == p {
					out[j] = ChUnknown
				}
			}
			dup |= bit
			bit = 1 << uint(ChUnknown)
		}
		mask |= bit
	}

	if mask&(1<<uint(ChUnknown)) == 0 {
		return out
	}

	// Remove duplicates, keep unassigned default positions.
	mask &^= dup
	mask = defaultMask(len(out)) &^ mask

	pos := Position(0)
	for i := range out {
		if out[i] != ChUnknown {
			continue
		}

		for {
			mask >>= 1
			pos++
			if mask == 0 || mask&1 != 0 {
				break
			}
		}

		if mask != 0 {
			out[i] = pos
		} else {
			out[i] = ChUnknown
		}
	}

	return out
}
