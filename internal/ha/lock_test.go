package ha

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vrouter/internal/clock"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/logging"
)

func lockName() string {
	return "vragent-test-" + uuid.NewString()
}

func TestLock_AcquireRelease(t *testing.T) {
	name := lockName()
	l := NewLock(LockOptions{Name: name, Logger: logging.Discard()})
	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())

	l.Release()
	assert.False(t, l.Held())
	l.Release()

	again := NewLock(LockOptions{Name: name, Logger: logging.Discard()})
	require.NoError(t, again.Acquire())
	assert.True(t, again.Held())
	again.Release()
}

func TestLock_Contention(t *testing.T) {
	name := lockName()
	holder := NewLock(LockOptions{Name: name, Logger: logging.Discard()})
	require.NoError(t, holder.Acquire())
	defer holder.Release()

	t.Run("strict", func(t *testing.T) {
		clk := clock.NewMockClock(time.Unix(0, 0))
		l := NewLock(LockOptions{
			Name: name, Attempts: 3, Interval: 100 * time.Millisecond,
			Strict: true, Clock: clk, Logger: logging.Discard(),
		})
		err := l.Acquire()
		require.Error(t, err)
		assert.Equal(t, errors.KindLockContention, errors.GetKind(err))
		assert.False(t, l.Held())
		// no sleep after the final attempt
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, clk.Sleeps())
	})

	t.Run("best effort", func(t *testing.T) {
		clk := clock.NewMockClock(time.Unix(0, 0))
		l := NewLock(LockOptions{
			Name: name, Attempts: 2, Interval: time.Second,
			Clock: clk, Logger: logging.Discard(),
		})
		require.NoError(t, l.Acquire())
		assert.False(t, l.Held())
		assert.Len(t, clk.Sleeps(), 1)
		l.Release()
	})
}
