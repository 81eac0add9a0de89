package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkiagia/pipewire/clock"
)

func TestRegisterAssignsMaster(t *testing.T) {
	c := clock.NewCoordinator()

	a := c.Register("alsa-sink")
	b := c.Register("alsa-source")

	require.True(t, a.Valid())
	require.True(t, b.Valid())
	assert.NotEqual(t, a.ID(), b.ID())

	// First registration drives the graph.
	assert.True(t, c.IsMaster(a))
	assert.False(t, c.IsMaster(b))
}

func TestPublishMasterReachesPosition(t *testing.T) {
	c := clock.NewCoordinator()
	master := c.Register("master")
	slave := c.Register("slave")

	rec := clock.Record{
		Nsec:     1_000_000,
		RateNum:  1,
		RateDen:  48000,
		Position: 2048,
		Delay:    -1024,
		RateDiff: 1.0002,
	}
	require.NoError(t, c.Publish(master, rec))

	got := c.Position().Clock
	assert.Equal(t, master.ID(), got.ID)
	assert.Equal(t, int64(2048), got.Position)
	assert.Equal(t, int64(-1024), got.Delay)

	// A slave's publish is readable but does not touch the shared cell.
	require.NoError(t, c.Publish(slave, clock.Record{Position: 999}))
	assert.Equal(t, int64(2048), c.Position().Clock.Position)

	r, err := c.Read(slave)
	require.NoError(t, err)
	assert.Equal(t, int64(999), r.Position)
}

func TestSetMaster(t *testing.T) {
	c := clock.NewCoordinator()
	a := c.Register("a")
	b := c.Register("b")

	require.NoError(t, c.SetMaster(b))
	assert.False(t, c.IsMaster(a))
	assert.True(t, c.IsMaster(b))
}

func TestUnregister(t *testing.T) {
	c := clock.NewCoordinator()
	a := c.Register("a")

	c.Unregister(a)

	assert.False(t, c.IsMaster(a))
	assert.ErrorIs(t, c.Publish(a, clock.Record{}), clock.ErrNotRegistered)
	_, err := c.Read(a)
	assert.ErrorIs(t, err, clock.ErrNotRegistered)

	// With the master gone, the next registration takes over.
	b := c.Register("b")
	assert.True(t, c.IsMaster(b))
}

func TestZeroHandleInvalid(t *testing.T) {
	var h clock.Handle
	assert.False(t, h.Valid())

	c := clock.NewCoordinator()
	assert.ErrorIs(t, c.SetMaster(h), clock.ErrNotRegistered)
}
