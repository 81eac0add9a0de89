package pcm

// sndPcmUframesT is the unexported, arch-width-agnostic spelling used inside
// this package; SndPcmUframesT is the exported spelling used by callers that
// need to construct or compare frame counts directly (e.g. Rewind).
type sndPcmUframesT = SndPcmUframesT

// sndPcmSframesT is the signed counterpart of sndPcmUframesT.
type sndPcmSframesT = SndPcmSframesT

// sndMask is a bitmask for hardware parameters.
type sndMask struct {
	Bits [8]uint32
}

// sndInterval represents a range of values for a hardware parameter.
type sndInterval struct {
	MinVal uint32
	MaxVal uint32
	Flags  uint32
}

// sndPcmInfo contains general information about a PCM device.
type sndPcmInfo struct {
	Device          uint32
	Subdevice       uint32
	Stream          int32
	Card            int32
	Id              [64]byte
	Name            [80]byte
	Subname         [32]byte
	DevClass        int32
	DevSubclass     int32
	SubdevicesCount uint32
	SubdevicesAvail uint32
	Sync            [16]byte // snd_sync_id_t
	Reserved        [64]byte
}

