package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type fakeConn struct {
	id string
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(frame []byte) bool { return true }

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) SetUserOnline(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockMirror) SetUserOffline(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockMirror) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockMirror) GetOnlineUsers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockMirror) RefreshPresence(ctx context.Context, userIDs []string) error {
	return m.Called(ctx, userIDs).Error(0)
}

func TestRegistry_MultipleConnections(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	phone, laptop := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}

	assert.True(t, r.Register("alice", phone))
	assert.False(t, r.Register("alice", laptop))
	assert.True(t, r.IsOnline(ctx, "alice"))
	assert.Len(t, r.Connections("alice"), 2)

	assert.False(t, r.Unregister("alice", phone))
	assert.True(t, r.IsOnline(ctx, "alice"))

	assert.True(t, r.Unregister("alice", laptop))
	assert.False(t, r.IsOnline(ctx, "alice"))
	assert.Empty(t, r.Connections("alice"))
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{id: "c1"}

	assert.False(t, r.Unregister("ghost", conn))

	r.Register("alice", conn)
	assert.False(t, r.Unregister("alice", &fakeConn{id: "other"}))
	assert.True(t, r.IsLocal("alice"))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Register("carol", &fakeConn{id: "1"})
	r.Register("alice", &fakeConn{id: "2"})
	r.Register("bob", &fakeConn{id: "3"})

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Snapshot(context.Background()))
	assert.Equal(t, 3, r.ConnectionCount())
	assert.Len(t, r.All(), 3)
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &fakeConn{id: fmt.Sprintf("c%d", i)}
			user := fmt.Sprintf("u%d", i%5)
			r.Register(user, conn)
			r.Unregister(user, conn)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.LocalUsers())
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestRegistry_Mirror(t *testing.T) {
	mirror := new(mockMirror)
	r := NewRegistry(WithMirror(mirror))
	ctx := context.Background()
	conn := &fakeConn{id: "c1"}

	mirror.On("SetUserOnline", mock.Anything, "alice").Return(nil).Once()
	mirror.On("SetUserOffline", mock.Anything, "alice").Return(nil).Once()
	mirror.On("IsUserOnline", mock.Anything, "bob").Return(true, nil)
	mirror.On("IsUserOnline", mock.Anything, "dave").Return(false, errors.New("redis down"))
	mirror.On("GetOnlineUsers", mock.Anything).Return([]string{"bob", "alice"}, nil)

	r.Register("alice", conn)
	assert.True(t, r.IsOnline(ctx, "bob"))
	assert.False(t, r.IsOnline(ctx, "dave"))
	assert.Equal(t, []string{"alice", "bob"}, r.Snapshot(ctx))
	r.Unregister("alice", conn)

	mirror.AssertExpectations(t)
}

func TestRegistry_MirrorKeepsLatestStateOnFastReconnect(t *testing.T) {
	mirror := new(mockMirror)
	r := NewRegistry(WithMirror(mirror))

	var (
		mu     sync.Mutex
		writes []string
	)
	record := func(state string) func(mock.Arguments) {
		return func(mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			writes = append(writes, state)
		}
	}
	release := make(chan time.Time)
	mirror.On("SetUserOnline", mock.Anything, "alice").Run(record("online")).Return(nil)
	mirror.On("SetUserOffline", mock.Anything, "alice").WaitUntil(release).Run(record("offline")).Return(nil)

	phone, laptop := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}
	r.Register("alice", phone)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Unregister("alice", phone)
	}()
	// the offline write is stalled while the user reconnects
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		r.Register("alice", laptop)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"online", "offline", "online"}, writes)
	assert.True(t, r.IsLocal("alice"))
}
