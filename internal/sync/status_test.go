package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_fanOut(t *testing.T) {
	b := newBroadcaster()
	a := b.subscribe(4)
	c := b.subscribe(4)

	b.publish(Status{PendingChanges: 1})

	assert.Equal(t, 1, (<-a.C()).PendingChanges)
	assert.Equal(t, 1, (<-c.C()).PendingChanges)
}

func TestBroadcaster_dropsOldest(t *testing.T) {
	b := newBroadcaster()
	sub := b.subscribe(2)

	for i := 1; i <= 5; i++ {
		b.publish(Status{PendingChanges: i})
	}

	assert.Equal(t, 4, (<-sub.C()).PendingChanges)
	assert.Equal(t, 5, (<-sub.C()).PendingChanges)
}

func TestBroadcaster_closeIsIndependent(t *testing.T) {
	b := newBroadcaster()
	first := b.subscribe(1)
	second := b.subscribe(1)

	first.Close()
	first.Close()
	require.Equal(t, 1, b.count())

	b.publish(Status{IsSyncing: true})

	_, ok := <-first.C()
	assert.False(t, ok)
	st, ok := <-second.C()
	require.True(t, ok)
	assert.True(t, st.IsSyncing)
}

func TestBroadcaster_closeAll(t *testing.T) {
	b := newBroadcaster()
	sub := b.subscribe(0)
	b.closeAll()
	b.publish(Status{})

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Zero(t, b.count())
	sub.Close()
}
