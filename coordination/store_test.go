package coordination

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/kop-test-harness/executor"
	"github.com/streamnative/kop-test-harness/logging"
)

func TestNewSeededContainsStartupRecords(t *testing.T) {
	s, err := NewSeeded("")
	require.NoError(t, err)
	defer s.Shutdown()

	bookies, err := s.Children(AvailableBookiesPath)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultBookieAddress}, bookies)

	data, stat, err := s.Get(AvailableBookiesPath + "/" + DefaultBookieAddress)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, Persistent, stat.Mode)

	layout, _, err := s.Get(LayoutPath)
	require.NoError(t, err)
	assert.Equal(t, "1\nflat:1", string(layout))
}

func TestSeedFailsOnDuplicate(t *testing.T) {
	s, err := NewSeeded("localhost:3181")
	require.NoError(t, err)
	defer s.Shutdown()

	err = Seed(s, "localhost:3181")
	assert.True(t, errors.Is(err, ErrNodeExists))
}

func TestCreateRequiresParent(t *testing.T) {
	s := New(nil)
	_, err := s.Create("/a/b", nil, nil, Persistent)
	assert.True(t, errors.Is(err, ErrNoNode))

	require.NoError(t, s.CreateFullPathOptimistic("/a/b/c", []byte("x"), nil, Persistent))
	data, _, err := s.Get("/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	parent, _, err := s.Get("/a/b")
	require.NoError(t, err)
	assert.Empty(t, parent)
}

func TestSequentialNodes(t *testing.T) {
	s := New(nil)
	_, err := s.Create("/q", nil, nil, Persistent)
	require.NoError(t, err)

	first, err := s.Create("/q/item-", nil, nil, PersistentSequential)
	require.NoError(t, err)
	second, err := s.Create("/q/item-", nil, nil, PersistentSequential)
	require.NoError(t, err)
	assert.Equal(t, "/q/item-0000000000", first)
	assert.Equal(t, "/q/item-0000000001", second)
}

func TestSetChecksVersion(t *testing.T) {
	s := New(nil)
	_, err := s.Create("/n", []byte("v0"), nil, Persistent)
	require.NoError(t, err)

	v, err := s.Set("/n", []byte("v1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	_, err = s.Set("/n", []byte("v2"), 0)
	assert.True(t, errors.Is(err, ErrBadVersion))

	_, err = s.Set("/n", []byte("v2"), AnyVersion)
	assert.NoError(t, err)
}

func TestDeleteRefusesNonEmpty(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.CreateFullPathOptimistic("/p/c", nil, nil, Persistent))
	assert.True(t, errors.Is(s.Delete("/p", AnyVersion), ErrNotEmpty))
	require.NoError(t, s.DeleteRecursive("/p"))
	ok, err := s.Exists("/p")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatchesFireOnceInline(t *testing.T) {
	s := New(nil)
	_, err := s.Create("/w", nil, nil, Persistent)
	require.NoError(t, err)

	var events []Event
	require.NoError(t, s.WatchData("/w", func(e Event) { events = append(events, e) }))
	require.NoError(t, s.WatchChildren("/w", func(e Event) { events = append(events, e) }))

	_, err = s.Set("/w", []byte("x"), AnyVersion)
	require.NoError(t, err)
	_, err = s.Set("/w", []byte("y"), AnyVersion)
	require.NoError(t, err)
	_, err = s.Create("/w/child", nil, nil, Persistent)
	require.NoError(t, err)

	assert.Equal(t, []Event{
		{Type: EventNodeDataChanged, Path: "/w"},
		{Type: EventNodeChildrenChanged, Path: "/w"},
	}, events)
}

func TestRejectedWatchNotificationIsLogged(t *testing.T) {
	var capture logging.CapturingLogger
	detach := logging.AddHook(&capture)
	defer detach()

	exec := executor.NewSingleThread("watches", nil)
	s := New(exec)
	defer s.Shutdown()
	_, err := s.Create("/w", nil, nil, Persistent)
	require.NoError(t, err)
	fired := false
	require.NoError(t, s.WatchData("/w", func(Event) { fired = true }))

	exec.Shutdown()
	exec.AwaitTermination()
	_, err = s.Set("/w", []byte("x"), AnyVersion)
	require.NoError(t, err)

	assert.False(t, fired)
	warnings := capture.Output().AtLevel(logrus.WarnLevel)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Dropped NodeDataChanged watch notification", warnings[0].Message)
	assert.Equal(t, "/w", warnings[0].Fields["Path"])
}

func TestShutdownInvalidatesStore(t *testing.T) {
	s, err := NewSeeded("")
	require.NoError(t, err)
	s.Shutdown()

	_, _, err = s.Get(LayoutPath)
	assert.True(t, errors.Is(err, ErrSessionExpired))
	_, err = s.Create("/x", nil, nil, Persistent)
	assert.True(t, errors.Is(err, ErrSessionExpired))

	_, err = StaticFactory{Store: s}.Create(context.Background(), "localhost:2181", 0)
	assert.True(t, errors.Is(err, ErrSessionExpired))
}

func TestStaticFactoryIgnoresConnectionString(t *testing.T) {
	s := New(nil)
	f := StaticFactory{Store: s}
	a, err := f.Create(context.Background(), "localhost:2181", 0)
	require.NoError(t, err)
	b, err := f.Create(context.Background(), "elsewhere:9999", 0)
	require.NoError(t, err)
	assert.Same(t, s, a)
	assert.Same(t, s, b)
}

func TestInvalidPaths(t *testing.T) {
	s := New(nil)
	for _, p := range []string{"", "relative", "/trailing/", "/double//slash"} {
		_, err := s.Create(p, nil, nil, Persistent)
		assert.True(t, errors.Is(err, ErrBadPath), p)
	}
}
