package websocket

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/pkg/types"
)

func authenticated(id, userID string) *Connection {
	conn := NewConnection(id, nil, 8, time.Second)
	conn.SetCredentials(userID, string(types.RolePatient), "s1")
	return conn
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(nil), ErrNilConnection)
	assert.ErrorIs(t, r.Register(NewConnection("c0", nil, 1, time.Second)), ErrConnectionNotAuthenticated)

	conn := authenticated("c1", "alice")
	require.NoError(t, r.Register(conn))
	assert.ErrorIs(t, r.Register(conn), ErrDuplicateConnection)

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.GetUserID())
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_SameUserHoldsSeveralConnections(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(authenticated("c1", "alice")))
	require.NoError(t, r.Register(authenticated("c2", "alice")))
	assert.Equal(t, 2, r.GetStats()["total_connections"])
}

func TestRegistry_ChannelMembership(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(authenticated("c2", "bob")))
	require.NoError(t, r.Register(authenticated("c1", "alice")))
	assert.ErrorIs(t, r.Join("ghost", "session:s1"), ErrUnknownConnection)

	require.NoError(t, r.Join("c2", "session:s1"))
	require.NoError(t, r.Join("c1", "session:s1"))
	require.NoError(t, r.Join("c1", "user:alice"))

	members := r.Members("session:s1")
	require.Len(t, members, 2)
	assert.Equal(t, "c1", members[0].ID(), "members are ordered by id")
	assert.Equal(t, "c2", members[1].ID())

	r.Leave("c2", "session:s1")
	assert.Len(t, r.Members("session:s1"), 1)
	assert.Empty(t, r.Members("nowhere"))
}

// FUNCTIONAL VALIDATION TEST: unregistering drops every membership and empty channels
func TestRegistry_UnregisterCleansChannels(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(authenticated("c1", "alice")))
	require.NoError(t, r.Join("c1", "session:s1"))
	require.NoError(t, r.Join("c1", "user:alice"))
	assert.Equal(t, 2, r.GetStats()["channels"])

	r.Unregister("c1")
	r.Unregister("c1")
	assert.Empty(t, r.Members("session:s1"))
	assert.Equal(t, map[string]int{"total_connections": 0, "channels": 0}, r.GetStats())
}

// TECHNICAL VALIDATION TEST: concurrent register, join and unregister stay consistent
func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			assert.NoError(t, r.Register(authenticated(id, fmt.Sprintf("u%d", i))))
			assert.NoError(t, r.Join(id, "session:s1"))
			_ = r.Members("session:s1")
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Members("session:s1"), 25)
	assert.Equal(t, 25, r.GetStats()["total_connections"])
}
