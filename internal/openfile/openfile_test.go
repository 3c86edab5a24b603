package openfile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	closed bool
}

func (f *fakeEngine) ReadAt(ctx context.Context, buf []byte, off int64) (int, error)  { return 0, nil }
func (f *fakeEngine) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) { return 0, nil }
func (f *fakeEngine) Flush(ctx context.Context) error                                 { return nil }
func (f *fakeEngine) Resize(ctx context.Context, size int64) error                    { return nil }
func (f *fakeEngine) Close() error                                                    { f.closed = true; return nil }

func TestOpen_SharesEngineAcrossHandles(t *testing.T) {
	table := NewTable()
	calls := 0
	factory := func() (Engine, error) { calls++; return &fakeEngine{}, nil }

	h1, err := table.Open("/a.txt", factory)
	require.NoError(t, err)
	h2, err := table.Open("/a.txt", factory)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "factory must only run once per api path")
	require.NotEqual(t, h1, h2)

	of1, err := table.Get(h1)
	require.NoError(t, err)
	of2, err := table.Get(h2)
	require.NoError(t, err)
	require.Same(t, of1, of2)
}

func TestClose_OnlyLastHandleClosesEngine(t *testing.T) {
	table := NewTable()
	eng := &fakeEngine{}
	factory := func() (Engine, error) { return eng, nil }

	h1, err := table.Open("/a.txt", factory)
	require.NoError(t, err)
	h2, err := table.Open("/a.txt", factory)
	require.NoError(t, err)

	last, err := table.Close(h1)
	require.NoError(t, err)
	require.False(t, last)
	require.False(t, eng.closed)

	last, err = table.Close(h2)
	require.NoError(t, err)
	require.True(t, last)
	require.True(t, eng.closed)
}

func TestClose_UnknownHandleIsInvalid(t *testing.T) {
	table := NewTable()
	_, err := table.Close(999)
	require.Error(t, err)
}

func TestRename_RetargetsEntryAndHandles(t *testing.T) {
	table := NewTable()
	factory := func() (Engine, error) { return &fakeEngine{}, nil }
	h, err := table.Open("/old.txt", factory)
	require.NoError(t, err)

	table.Rename("/old.txt", "/new.txt")
	require.True(t, table.HasNoOpenHandles("/old.txt"))
	require.False(t, table.HasNoOpenHandles("/new.txt"))

	of, err := table.Get(h)
	require.NoError(t, err)
	require.Equal(t, "/new.txt", string(of.ApiPath))
}

func TestHasNoOpenHandles_UnopenedPathIsTrue(t *testing.T) {
	table := NewTable()
	require.True(t, table.HasNoOpenHandles("/never-opened"))
}
