// Package format holds the bidirectional maps between the host's abstract
// format/channel IDs and the device's native codes, and the channel-map
// sanitization routine used during format negotiation.
package format

import "github.com/gkiagia/pipewire/pcm"

// Encoding is the host-facing, device-agnostic sample encoding identifier.
// It mirrors the subset of native PcmFormat values the engine is willing to
// negotiate; anything the device reports outside this table round-trips to
// Unknown rather than failing the lookup.
type Encoding int

const (
	Unknown Encoding = iota
	S8
	U8
	S16LE
	S16BE
	U16LE
	U16BE
	S24LE
	S24BE
	U24LE
	U24BE
	S32LE
	S32BE
	U32LE
	U32BE
	FloatLE
	FloatBE
	Float64LE
	Float64BE
)

// Table is a bidirectional map between Encoding and pcm.PcmFormat. The zero
// value is not usable; use NewTable.
type Table struct {
	toNative map[Encoding]pcm.PcmFormat
	toHost   map[pcm.PcmFormat]Encoding
}

// NewTable builds the standard table of encodings this engine knows how to
// negotiate. It is keyed by abstract encoding rather than display name so
// format negotiation never has to compare strings.
func NewTable() *Table {
	pairs := []struct {
		enc    Encoding
		native pcm.PcmFormat
	}{
		{S8, pcm.SNDRV_PCM_FORMAT_S8},
		{U8, pcm.SNDRV_PCM_FORMAT_U8},
		{S16LE, pcm.SNDRV_PCM_FORMAT_S16_LE},
		{S16BE, pcm.SNDRV_PCM_FORMAT_S16_BE},
		{U16LE, pcm.SNDRV_PCM_FORMAT_U16_LE},
		{U16BE, pcm.SNDRV_PCM_FORMAT_U16_BE},
		{S24LE, pcm.SNDRV_PCM_FORMAT_S24_LE},
		{S24BE, pcm.SNDRV_PCM_FORMAT_S24_BE},
		{U24LE, pcm.SNDRV_PCM_FORMAT_U24_LE},
		{U24BE, pcm.SNDRV_PCM_FORMAT_U24_BE},
		{S32LE, pcm.SNDRV_PCM_FORMAT_S32_LE},
		{S32BE, pcm.SNDRV_PCM_FORMAT_S32_BE},
		{U32LE, pcm.SNDRV_PCM_FORMAT_U32_LE},
		{U32BE, pcm.SNDRV_PCM_FORMAT_U32_BE},
		{FloatLE, pcm.SNDRV_PCM_FORMAT_FLOAT_LE},
		{FloatBE, pcm.SNDRV_PCM_FORMAT_FLOAT_BE},
		{Float64LE, pcm.SNDRV_PCM_FORMAT_FLOAT64_LE},
		{Float64BE, pcm.SNDRV_PCM_FORMAT_FLOAT64_BE},
	}

	t := &Table{
		toNative: make(map[Encoding]pcm.PcmFormat, len(pairs)),
		toHost:   make(map[pcm.PcmFormat]Encoding, len(pairs)),
	}

	for _, p := range pairs {
		t.toNative[p.enc] = p.native
		t.toHost[p.native] = p.enc
	}

	return t
}

// Native returns the device-native format for a host encoding. The second
// result is false, and the value is SNDRV_PCM_FORMAT_INVALID, for anything
// not in the table.
func (t *Table) Native(e Encoding) (pcm.PcmFormat, bool) {
	f, ok := t.toNative[e]
	if !ok {
		return pcm.SNDRV_PCM_FORMAT_INVALID, false
	}

	return f, true
}

// Host returns the host encoding for a device-native format. Anything
// outside the table round-trips to Unknown.
func (t *Table) Host(f pcm.PcmFormat) Encoding {
	e, ok := t.toHost[f]
	if !ok {
		return Unknown
	}

	return e
}
