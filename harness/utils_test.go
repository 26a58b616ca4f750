package harness

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestRetryGivesUpSilently(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testingclock.NewFakeClock(start)
	calls := 0

	ok := RetryStrategicallyWithClock(clk, func() bool { calls++; return false }, 3, 10*time.Millisecond)

	assert.False(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 30*time.Millisecond, clk.Since(start), "sleeps 10ms then 20ms, and not after the last attempt")
}

func TestRetryStopsAtFirstSuccess(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testingclock.NewFakeClock(start)
	calls := 0

	ok := RetryStrategicallyWithClock(clk, func() bool { calls++; return calls == 2 }, 10, time.Second)

	assert.True(t, ok)
	assert.Equal(t, 2, calls)
	assert.Equal(t, time.Second, clk.Since(start))
}

func TestRetryWorstCaseBound(t *testing.T) {
	for _, attempts := range []int{0, 1, 2, 5} {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		clk := testingclock.NewFakeClock(start)
		RetryStrategicallyWithClock(clk, func() bool { return false }, attempts, time.Millisecond)
		bound := time.Duration(attempts*(attempts-1)/2) * time.Millisecond
		assert.Equal(t, bound, clk.Since(start), "attempts=%d", attempts)
	}
}

func TestRetryOnRealClock(t *testing.T) {
	calls := 0
	assert.False(t, RetryStrategically(func() bool { calls++; return false }, 3, time.Millisecond))
	assert.Equal(t, 3, calls)
}

func TestNextFreePortNeverRepeats(t *testing.T) {
	var (
		lock sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				port, err := NextFreePort()
				assert.NoError(t, err)
				lock.Lock()
				assert.False(t, seen[port], "port %d returned twice", port)
				seen[port] = true
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 40)
}

type fieldTarget struct {
	Name    string
	count   int
	handler func() string
	err     error
}

func TestSetFieldValue(t *testing.T) {
	target := &fieldTarget{Name: "a", count: 1, err: errors.New("old")}

	require.NoError(t, SetFieldValue(target, "Name", "b"))
	require.NoError(t, SetFieldValue(target, "count", 7))
	require.NoError(t, SetFieldValue(target, "handler", func() string { return "replaced" }))
	require.NoError(t, SetFieldValue(target, "err", nil))

	assert.Equal(t, "b", target.Name)
	assert.Equal(t, 7, target.count)
	assert.Equal(t, "replaced", target.handler())
	assert.Nil(t, target.err)

	require.NoError(t, SetFieldValue(target, "err", errors.New("new")), "values are assignable to interface fields")
	assert.EqualError(t, target.err, "new")
}

func TestSetFieldValueErrors(t *testing.T) {
	target := &fieldTarget{}

	err := SetFieldValue(target, "missing", 1)
	assert.True(t, errors.Is(err, ErrNoSuchField))

	err = SetFieldValue(target, "count", "not an int")
	assert.Error(t, err)
	assert.Equal(t, 0, target.count)

	assert.True(t, errors.Is(SetFieldValue(*target, "count", 1), ErrInvalidTarget))
	assert.True(t, errors.Is(SetFieldValue((*fieldTarget)(nil), "count", 1), ErrInvalidTarget))
	assert.True(t, errors.Is(SetFieldValue(new(int), "count", 1), ErrInvalidTarget))
}
