package registry

import (
	"testing"

	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/chanobj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReservedAndDynamicRanges(t *testing.T) {
	r := New(10, 4)

	ch, err := r.Allocate(5)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), ch.ID)

	_, err = r.Allocate(5)
	assert.ErrorIs(t, err, chanerr.ErrBusy, "re-requesting an installed id must return BUSY")

	auto1, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), auto1.ID, "first dynamic allocation starts at dynamicStart")

	auto2, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(11), auto2.ID)
}

func TestAllocateWrapsAroundDynamicRange(t *testing.T) {
	r := New(MaxChannelID-1, 4)

	first, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, MaxChannelID-1, first.ID)

	second, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, MaxChannelID, second.ID)

	// Both dynamic ids are now installed; advanceDynamic must wrap past
	// MaxChannelID back to dynamicStart, find both taken, and report
	// exhaustion rather than looping forever (spec.md §4.6).
	_, err = r.Allocate(0)
	assert.ErrorIs(t, err, chanerr.ErrNoMemory)

	removed, err := r.Remove(first.ID)
	require.NoError(t, err)
	removed.Release()

	third, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, MaxChannelID-1, third.ID, "freeing the wrapped-to id must make it available again")
}

func TestAllocateExhaustionReturnsNoMemory(t *testing.T) {
	r := New(MaxChannelID, 4)

	_, err := r.Allocate(0)
	require.NoError(t, err)

	_, err = r.Allocate(0)
	assert.ErrorIs(t, err, chanerr.ErrNoMemory, "once every dynamic id is installed, allocation must fail closed")
}

func TestLookupRemoveIdempotent(t *testing.T) {
	r := New(10, 4)
	ch, err := r.Allocate(1)
	require.NoError(t, err)

	found, err := r.Lookup(1)
	require.NoError(t, err)
	assert.Same(t, ch, found)
	found.Release()

	removed, err := r.Remove(1)
	require.NoError(t, err)
	removed.Release()

	_, err = r.Lookup(1)
	assert.ErrorIs(t, err, chanerr.ErrNotFound)

	_, err = r.Remove(1)
	assert.ErrorIs(t, err, chanerr.ErrNotFound, "removing an already-removed id must be idempotent")
}

func TestRemoveMatching(t *testing.T) {
	r := New(10, 4)
	a, err := r.Allocate(1)
	require.NoError(t, err)
	b, err := r.Allocate(2)
	require.NoError(t, err)

	matched := r.RemoveMatching(func(ch *chanobj.Channel) bool { return ch.ID == 1 })
	require.Len(t, matched, 1)
	assert.Equal(t, uint16(1), matched[0].ID)
	matched[0].Release()
	a.Release()

	assert.Equal(t, 1, r.Len())
	_, err = r.Lookup(1)
	assert.ErrorIs(t, err, chanerr.ErrNotFound)

	found, err := r.Lookup(2)
	require.NoError(t, err)
	found.Release()
	b.Release()
}
