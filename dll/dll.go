// Package dll implements the delay-locked loop the audio engine uses to
// track the true device rate. It is a smoothed rate estimator, not a
// frequency synthesiser: each tick it is fed the observed drain time of the
// device queue and the nominal elapsed interval, and it produces a smoothed
// deadline plus the ratio of the device rate to the nominal rate.
package dll

import "math"

const (
	// BWMax is the wide lock-in bandwidth used at start and after recovery.
	BWMax = 0.128
	// BWMin is the narrow steady-state tracking bandwidth.
	BWMin = 0.016
	// BWPeriod is how long (seconds) the loop tracks at a wide bandwidth
	// before narrowing to BWMin.
	BWPeriod = 3.0

	dtMin = 0.95
	dtMax = 1.05
)

// Tracker is a two-pole loop with parametric bandwidth. The zero value is
// not usable; use New.
type Tracker struct {
	bw   float64
	b    float64
	c    float64
	base float64 // predicted time of the next tick, seconds
	z    float64 // smoothed period, seconds
	dt   float64 // rate ratio, ~1.0
	t0   float64 // time of the first observation since the last Reset
}

// New returns a tracker seeded at the given bandwidth.
func New(bw float64) *Tracker {
	t := &Tracker{}
	t.Reset(bw)

	return t
}

// Reset discards all accumulated state and re-seeds the loop at the given
// bandwidth. Called at stream start and after every xrun recovery.
func (t *Tracker) Reset(bw float64) {
	t.base = 0
	t.z = 0
	t.dt = 1.0
	t.t0 = 0
	t.SetBandwidth(bw)
}

// SetBandwidth recomputes the loop coefficients for a new bandwidth.
func (t *Tracker) SetBandwidth(bw float64) {
	w := 2 * math.Pi * bw
	t.bw = bw
	t.b = w * math.Sqrt2
	t.c = w * w
}

// Bandwidth returns the current loop bandwidth.
func (t *Tracker) Bandwidth() float64 {
	return t.bw
}

// Update feeds one observation: tw is the observed queue drain time in
// seconds on the monotonic clock, elapsed the nominal tick interval. It
// returns the smoothed drain time, which the scheduler uses as the next
// deadline. Once the loop has tracked for BWPeriod it narrows itself to
// BWMin.
func (t *Tracker) Update(tw, elapsed float64) float64 {
	if t.base == 0 {
		// First observation after a reset seeds the loop.
		t.base = tw
		t.z = elapsed
		t.t0 = tw

		return t.base
	}

	err := tw - t.base
	t.base += t.z + t.b*err
	t.z += t.c * err

	if elapsed > 0 {
		t.dt = t.z / elapsed
	}

	if t.bw > BWMin && tw > t.t0+BWPeriod {
		t.SetBandwidth(BWMin)
	}

	return t.base
}

// Dt returns the rate ratio, clamped to [0.95, 1.05].
func (t *Tracker) Dt() float64 {
	return math.Min(dtMax, math.Max(dtMin, t.dt))
}
