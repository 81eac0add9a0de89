package dll_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkiagia/pipewire/dll"
)

func TestTrackerSeed(t *testing.T) {
	tr := dll.New(dll.BWMax)

	assert.Equal(t, dll.BWMax, tr.Bandwidth())
	assert.Equal(t, 1.0, tr.Dt())

	// The first observation seeds the loop and comes back unchanged.
	got := tr.Update(10.0, 0.02)
	assert.Equal(t, 10.0, got)
	assert.Equal(t, 1.0, tr.Dt())
}

func TestTrackerConvergesToNominal(t *testing.T) {
	tr := dll.New(dll.BWMax)

	// A device running exactly at the nominal rate: observations land one
	// period apart every tick.
	const period = 1024.0 / 48000.0
	tw := 100.0
	for i := 0; i < 500; i++ {
		tr.Update(tw, period)
		tw += period
	}

	assert.InDelta(t, 1.0, tr.Dt(), 1e-6)
}

func TestTrackerTracksFastDevice(t *testing.T) {
	tr := dll.New(dll.BWMax)

	// Device consumes 0.2% faster than nominal: observed periods are
	// shorter than the nominal elapsed interval.
	const period = 1024.0 / 48000.0
	const ratio = 1.0 / 1.002
	tw := 1.0
	for i := 0; i < 2000; i++ {
		tr.Update(tw, period)
		tw += period * ratio
	}

	// dt converges toward the true ratio, well within 0.5%.
	assert.InDelta(t, ratio, tr.Dt(), 0.005)
	assert.Less(t, tr.Dt(), 1.0)
}

func TestTrackerDtClamp(t *testing.T) {
	tr := dll.New(dll.BWMax)

	// Feed wildly jumping observations; the published ratio must stay
	// inside the clamp no matter what the internal estimate does.
	tw := 1.0
	for i := 0; i < 50; i++ {
		tr.Update(tw, 0.02)
		if i%2 == 0 {
			tw += 1.0
		} else {
			tw += 0.001
		}
		dt := tr.Dt()
		assert.GreaterOrEqual(t, dt, 0.95)
		assert.LessOrEqual(t, dt, 1.05)
	}
}

func TestTrackerNarrowsAfterPeriod(t *testing.T) {
	tr := dll.New(dll.BWMax)

	const period = 0.02
	tw := 50.0
	for i := 0; i < 10; i++ {
		tr.Update(tw, period)
		tw += period
	}
	require.Equal(t, dll.BWMax, tr.Bandwidth(), "still locking in before BWPeriod")

	// Advance past BWPeriod of tracking; the loop narrows itself.
	tw += dll.BWPeriod
	tr.Update(tw, period)
	assert.Equal(t, dll.BWMin, tr.Bandwidth())
}

func TestTrackerReset(t *testing.T) {
	tr := dll.New(dll.BWMax)

	tw := 1.0
	for i := 0; i < 300; i++ {
		tr.Update(tw, 0.02)
		tw += 0.0201
	}
	require.Equal(t, dll.BWMin, tr.Bandwidth())

	tr.Reset(dll.BWMax)
	assert.Equal(t, dll.BWMax, tr.Bandwidth())
	assert.Equal(t, 1.0, tr.Dt())

	// After a reset the next observation seeds again.
	assert.Equal(t, 7.0, tr.Update(7.0, 0.02))
}
