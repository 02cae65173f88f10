package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"walletchat/models"
)

type fakeHandle struct {
	open   atomic.Bool
	closed atomic.Bool
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{}
	h.open.Store(true)
	return h
}

func (h *fakeHandle) IsOpen() bool { return h.open.Load() }
func (h *fakeHandle) Close() error {
	h.open.Store(false)
	h.closed.Store(true)
	return nil
}

func samePtr(a, b *fakeHandle) bool { return a == b }

func TestRegisterReplaceAndListOpen(t *testing.T) {
	r := New[*fakeHandle]()

	first := newFakeHandle()
	_, replaced := r.Register("a", first, models.ConnectionRelay)
	require.False(t, replaced)

	second := newFakeHandle()
	prev, replaced := r.Register("a", second, models.ConnectionRelay)
	require.True(t, replaced)
	require.Same(t, first, prev)

	r.Register("b", newFakeHandle(), models.ConnectionDirect)
	require.Equal(t, []string{"a", "b"}, r.ListOpen())

	second.Close()
	require.Equal(t, []string{"b"}, r.ListOpen())
	_, ok := r.GetOpen("a")
	require.False(t, ok)
	_, ok = r.Get("a")
	require.True(t, ok)
}

func TestUnregisterHandleKeepsReplacement(t *testing.T) {
	r := New[*fakeHandle]()
	old := newFakeHandle()
	r.Register("a", old, models.ConnectionRelay)
	current := newFakeHandle()
	r.Register("a", current, models.ConnectionRelay)

	require.False(t, r.UnregisterHandle("a", old, samePtr))
	got, ok := r.Get("a")
	require.True(t, ok)
	require.Same(t, current, got)

	require.True(t, r.UnregisterHandle("a", current, samePtr))
	require.Equal(t, 0, r.Len())
}

func TestStateTracking(t *testing.T) {
	r := New[*fakeHandle]()
	r.Register("a", newFakeHandle(), models.ConnectionDirect)

	state, ok := r.State("a")
	require.True(t, ok)
	require.Equal(t, models.ConnectionConnected, state.Status)
	require.Equal(t, models.ConnectionDirect, state.ConnectionType)

	r.SetStatus("a", models.ConnectionFailed)
	state, _ = r.State("a")
	require.Equal(t, models.ConnectionFailed, state.Status)

	r.Unregister("a")
	_, ok = r.State("a")
	require.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	r := New[*fakeHandle]()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			r.Register(id, newFakeHandle(), models.ConnectionRelay)
			_ = r.ListOpen()
			r.Touch(id)
		}(i)
	}
	wg.Wait()
	require.Len(t, r.ListOpen(), 16)
}
