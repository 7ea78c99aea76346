package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type handle struct{ name string }

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := New[*handle]()
	first := &handle{"first"}
	second := &handle{"second"}

	r.Register("alice", first)
	r.Register("alice", second)

	require.Equal(t, 1, r.Len())
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	r := New[*handle]()
	r.Register("alice", &handle{"a"})

	require.False(t, r.Unregister(&handle{"never-announced"}))
	require.Equal(t, 1, r.Len())
}

func TestRegistry_StaleHandleKeepsNewer(t *testing.T) {
	r := New[*handle]()
	old := &handle{"old"}
	fresh := &handle{"fresh"}

	r.Register("alice", old)
	r.Register("alice", fresh)

	// The old connection closes after being replaced.
	require.False(t, r.Unregister(old))
	require.True(t, r.Online("alice"))

	require.True(t, r.Unregister(fresh))
	require.False(t, r.Online("alice"))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New[*handle]()
	a := &handle{"a"}
	b := &handle{"b"}
	r.Register("alice", a)
	r.Register("bob", b)

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	// Mutating the registry does not touch the snapshot.
	r.Unregister(a)
	require.Len(t, snap, 2)
	require.Equal(t, 1, r.Len())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New[*handle]()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			h := &handle{fmt.Sprint(i)}
			user := fmt.Sprintf("user-%d", i%10)
			r.Register(user, h)
			r.Lookup(user)
			r.Snapshot()
			if i%2 == 0 {
				r.Unregister(h)
			}
		})
	}
	wg.Wait()

	require.LessOrEqual(t, r.Len(), 10)
}
