package bufferpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkiagia/pipewire/bufferpool"
)

func makePool(n int) *bufferpool.Pool {
	descriptors := make([]*bufferpool.Descriptor, n)
	for i := range descriptors {
		descriptors[i] = &bufferpool.Descriptor{
			ID:      uint32(i),
			Data:    make([]byte, 4096),
			MaxSize: 4096,
		}
	}

	return bufferpool.New(descriptors)
}

func TestResetPlayback(t *testing.T) {
	p := makePool(3)
	p.Reset(bufferpool.Playback)

	// All descriptors start in the host's hands.
	assert.False(t, p.HasReady())
	assert.False(t, p.HasFree())

	for id := uint32(0); id < 3; id++ {
		d, ok := p.Lookup(id)
		require.True(t, ok)
		assert.True(t, d.Out())
	}

	_, err := p.TakeReady()
	assert.ErrorIs(t, err, bufferpool.ErrNoData)
}

func TestResetCapture(t *testing.T) {
	p := makePool(3)
	p.Reset(bufferpool.Capture)

	assert.True(t, p.HasFree())
	assert.False(t, p.HasReady())

	for i := 0; i < 3; i++ {
		d, err := p.TakeFree()
		require.NoError(t, err)
		assert.False(t, d.Out())
	}

	_, err := p.TakeFree()
	assert.ErrorIs(t, err, bufferpool.ErrNoSpace)
}

func TestOwnershipIsExclusive(t *testing.T) {
	p := makePool(2)
	p.Reset(bufferpool.Playback)

	d, ok := p.Lookup(0)
	require.True(t, ok)

	// Host submits the buffer: it moves to ready, no longer out.
	p.PushReady(d)
	assert.False(t, d.Out())
	assert.True(t, p.HasReady())

	// The driver drains it and returns it to the host.
	got, err := p.TakeReady()
	require.NoError(t, err)
	assert.Same(t, d, got)
	p.MarkOut(got)

	assert.True(t, d.Out())
	assert.False(t, p.HasReady())
	assert.False(t, p.HasFree())
}

func TestFIFOOrder(t *testing.T) {
	p := makePool(3)
	p.Reset(bufferpool.Playback)

	for id := uint32(0); id < 3; id++ {
		d, _ := p.Lookup(id)
		p.PushReady(d)
	}

	for id := uint32(0); id < 3; id++ {
		d, err := p.TakeReady()
		require.NoError(t, err)
		assert.Equal(t, id, d.ID)
	}
}

func TestPeekReady(t *testing.T) {
	p := makePool(1)
	p.Reset(bufferpool.Playback)

	_, ok := p.PeekReady()
	assert.False(t, ok)

	d, _ := p.Lookup(0)
	p.PushReady(d)

	head, ok := p.PeekReady()
	require.True(t, ok)
	assert.Same(t, d, head)

	// Peek does not remove.
	assert.True(t, p.HasReady())
}

func TestResetAfterUse(t *testing.T) {
	p := makePool(2)
	p.Reset(bufferpool.Capture)

	d, err := p.TakeFree()
	require.NoError(t, err)
	p.MarkOut(d)

	// A second reset reclaims everything, as at stream restart.
	p.Reset(bufferpool.Capture)
	assert.False(t, d.Out())

	count := 0
	for {
		if _, err := p.TakeFree(); err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)
}
