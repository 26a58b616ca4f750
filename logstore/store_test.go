package logstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/coordination"
	"github.com/streamnative/kop-test-harness/executor"
)

func newStore(t *testing.T) (*Store, *coordination.Store) {
	coord, err := coordination.NewSeeded("")
	require.NoError(t, err)
	s, err := New(coord, executor.Direct{})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown()
		coord.Shutdown()
	})
	return s, coord
}

func TestNewRefusesUnseededCoordinationStore(t *testing.T) {
	_, err := New(coordination.New(nil), nil)
	assert.True(t, errors.Is(err, ErrNotInitialized))

	coord := coordination.New(nil)
	require.NoError(t, coord.CreateFullPathOptimistic(coordination.LayoutPath, []byte(coordination.LayoutRecord), nil, coordination.Persistent))
	_, err = New(coord, nil)
	assert.True(t, errors.Is(err, ErrNotInitialized))
}

func TestAddAndReadEntries(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	l, err := s.CreateLedger(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), l.LastAddConfirmed())

	for i, data := range []string{"a", "b", "c"} {
		id, err := l.AddEntry([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, int64(i), id)
	}
	assert.Equal(t, int64(2), l.LastAddConfirmed())

	entries, err := l.ReadEntries(1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", string(entries[0].Data))
	assert.Equal(t, int64(2), entries[1].EntryID)
	assert.Equal(t, l.ID(), entries[1].LedgerID)

	_, err = l.ReadEntries(2, 3)
	assert.True(t, errors.Is(err, ErrNoEntry))
}

func TestLedgerMetadataIsMirrored(t *testing.T) {
	s, coord := newStore(t)
	l, err := s.CreateLedger(context.Background(), 3, 2)
	require.NoError(t, err)

	ok, err := coord.Exists(ledgerPath(l.ID()))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.AddEntry([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	meta, err := s.Metadata(l.ID())
	require.NoError(t, err)
	assert.Equal(t, LedgerClosed, meta.State)
	assert.Equal(t, int64(0), meta.LastEntryID)
	assert.Equal(t, 3, meta.EnsembleSize)
	assert.Equal(t, 2, meta.WriteQuorum)

	require.NoError(t, s.DeleteLedger(context.Background(), l.ID()))
	ok, err = coord.Exists(ledgerPath(l.ID()))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.LedgerIDs())
}

func TestOpenFencesWriter(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	w, err := s.CreateLedger(ctx, 1, 1)
	require.NoError(t, err)
	_, err = w.AddEntry([]byte("first"))
	require.NoError(t, err)

	r, err := s.OpenLedger(ctx, w.ID())
	require.NoError(t, err)
	assert.True(t, r.IsClosed())

	_, err = w.AddEntry([]byte("second"))
	assert.True(t, errors.Is(err, ErrLedgerFenced))
	_, err = r.AddEntry([]byte("second"))
	assert.True(t, errors.Is(err, ErrReadOnly))

	entries, err := r.ReadEntries(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(entries[0].Data))

	_, err = s.OpenLedger(ctx, 12345)
	assert.True(t, errors.Is(err, ErrNoSuchLedger))
}

func TestAsyncAddEntryRunsOnExecutor(t *testing.T) {
	coord, err := coordination.NewSeeded("")
	require.NoError(t, err)
	exec := executor.NewSingleThread("mock-bk", nil)
	defer func() {
		exec.Shutdown()
		exec.AwaitTermination()
	}()
	s, err := New(coord, exec)
	require.NoError(t, err)
	defer s.Shutdown()

	l, err := s.CreateLedger(context.Background(), 1, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var lock sync.Mutex
	var ids []int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		l.AsyncAddEntry([]byte{byte(i)}, func(id int64, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			lock.Lock()
			ids = append(ids, id)
			lock.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids)
}

func TestAsyncAddEntryReportsExecutorShutdown(t *testing.T) {
	coord, err := coordination.NewSeeded("")
	require.NoError(t, err)
	exec := executor.NewSingleThread("mock-bk", nil)
	s, err := New(coord, exec)
	require.NoError(t, err)
	l, err := s.CreateLedger(context.Background(), 1, 1)
	require.NoError(t, err)
	exec.Shutdown()

	var got error
	l.AsyncAddEntry([]byte("x"), func(_ int64, err error) { got = err })
	assert.True(t, errors.Is(got, executor.ErrShutdown))
}

func TestAppendedSignalsWaiters(t *testing.T) {
	s, _ := newStore(t)
	l, err := s.CreateLedger(context.Background(), 1, 1)
	require.NoError(t, err)

	ch := l.Appended()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = l.AddEntry([]byte("x"))
	}()
	select {
	case <-ch:
	case <-time.After(time.Second):
		require.Fail(t, "appended channel never closed")
	}
}

func TestShutdownInvalidatesStore(t *testing.T) {
	s, _ := newStore(t)
	l, err := s.CreateLedger(context.Background(), 1, 1)
	require.NoError(t, err)
	s.Shutdown()
	assert.True(t, s.IsShutdown())

	_, err = l.AddEntry([]byte("x"))
	assert.True(t, errors.Is(err, ErrStoreClosed))
	_, err = s.CreateLedger(context.Background(), 1, 1)
	assert.True(t, errors.Is(err, ErrStoreClosed))
	_, err = l.ReadEntries(0, 0)
	assert.True(t, errors.Is(err, ErrStoreClosed))
}

func TestNonClosableSurvivesClose(t *testing.T) {
	s, _ := newStore(t)
	nc := NewNonClosable(s)

	var c Client = nc
	l, err := c.CreateLedger(context.Background(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	c.Shutdown()

	_, err = l.AddEntry([]byte("still here"))
	require.NoError(t, err)
	assert.False(t, s.IsShutdown())

	nc.ReallyShutdown()
	assert.True(t, s.IsShutdown())
	nc.ReallyShutdown()
	assert.Same(t, s, nc.Store())
}

func TestStaticFactoryReturnsSameClient(t *testing.T) {
	s, _ := newStore(t)
	nc := NewNonClosable(s)
	f := StaticFactory{Client: nc}

	a, err := f.Create(ClientConfig{EnsembleSize: 1}, nil, "", nil)
	require.NoError(t, err)
	b, err := f.Create(ClientConfig{EnsembleSize: 3}, coordination.New(nil), "rack-aware", map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Same(t, nc, a)
	assert.Same(t, nc, b)
	f.Close()
	assert.False(t, s.IsShutdown())
}
