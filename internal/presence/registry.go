// Package presence tracks which users hold at least one live connection.
package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore-backend/pkg/logger"
)

// Conn is a live client connection that frames can be pushed to
type Conn interface {
	ID() string
	// Send queues frame for delivery; false means the frame was dropped
	Send(frame []byte) bool
}

// Mirror shares presence with other instances
type Mirror interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	GetOnlineUsers(ctx context.Context) ([]string, error)
	RefreshPresence(ctx context.Context, userIDs []string) error
}

// Registry maps user ids to their live connections. A user's connections form
// the room that "push to user" delivers to.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn

	mirror        Mirror
	mirrorTimeout time.Duration
	// mirror writes for one user never overlap
	mirrorLocks [64]sync.Mutex
}

// Option configures a Registry
type Option func(*Registry)

// WithMirror publishes presence changes to m and consults it for users not connected locally
func WithMirror(m Mirror) Option {
	return func(r *Registry) {
		r.mirror = m
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:         make(map[string]map[string]Conn),
		mirrorTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register joins conn to userID's room. It reports whether this is the user's first connection.
func (r *Registry) Register(userID string, conn Conn) bool {
	r.mu.Lock()
	room, ok := r.rooms[userID]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[userID] = room
	}
	room[conn.ID()] = conn
	first := len(room) == 1
	r.mu.Unlock()

	if first {
		r.syncMirror(userID)
	}
	return first
}

// Unregister removes conn from userID's room. It reports whether it was the user's last connection.
// Unknown connections are ignored.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	room, ok := r.rooms[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := room[conn.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(room, conn.ID())
	last := len(room) == 0
	if last {
		delete(r.rooms, userID)
	}
	r.mu.Unlock()

	if last {
		r.syncMirror(userID)
	}
	return last
}

// syncMirror writes userID's current local presence to the mirror. The state is read
// under the user's mirror lock, so the last write always carries the latest state.
func (r *Registry) syncMirror(userID string) {
	if r.mirror == nil {
		return
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	lock := &r.mirrorLocks[h.Sum32()%uint32(len(r.mirrorLocks))]
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.mirrorTimeout)
	defer cancel()
	if r.IsLocal(userID) {
		if err := r.mirror.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("Failed to mirror online presence", zap.String("user_id", userID), zap.Error(err))
		}
		return
	}
	if err := r.mirror.SetUserOffline(ctx, userID); err != nil {
		logger.Warn("Failed to mirror offline presence", zap.String("user_id", userID), zap.Error(err))
	}
}

// IsLocal reports whether userID has a connection on this instance
func (r *Registry) IsLocal(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[userID]) > 0
}

// IsOnline reports whether userID has a live connection here or, with a mirror, on any instance
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	if r.IsLocal(userID) {
		return true
	}
	if r.mirror == nil {
		return false
	}
	online, err := r.mirror.IsUserOnline(ctx, userID)
	if err != nil {
		logger.Warn("Failed to read mirrored presence", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return online
}

// LocalUsers returns the sorted ids of users connected to this instance
func (r *Registry) LocalUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		users = append(users, id)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Snapshot returns the sorted ids of every online user
func (r *Registry) Snapshot(ctx context.Context) []string {
	users := r.LocalUsers()
	if r.mirror == nil {
		return users
	}
	remote, err := r.mirror.GetOnlineUsers(ctx)
	if err != nil {
		logger.Warn("Failed to read mirrored online users", zap.Error(err))
		return users
	}
	seen := make(map[string]struct{}, len(users)+len(remote))
	for _, id := range users {
		seen[id] = struct{}{}
	}
	for _, id := range remote {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// Connections returns userID's live connections on this instance
func (r *Registry) Connections(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[userID]
	conns := make([]Conn, 0, len(room))
	for _, c := range room {
		conns = append(conns, c)
	}
	return conns
}

// All returns every live connection on this instance
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conns []Conn
	for _, room := range r.rooms {
		for _, c := range room {
			conns = append(conns, c)
		}
	}
	return conns
}

// ConnectionCount returns the number of live connections on this instance
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, room := range r.rooms {
		n += len(room)
	}
	return n
}

// RunHeartbeat refreshes the mirrored presence of local users every interval until ctx is done
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if r.mirror == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := r.LocalUsers()
			if len(users) == 0 {
				continue
			}
			refreshCtx, cancel := context.WithTimeout(ctx, r.mirrorTimeout)
			if err := r.mirror.RefreshPresence(refreshCtx, users); err != nil {
				logger.Warn("Failed to refresh mirrored presence", zap.Int("users", len(users)), zap.Error(err))
			}
			cancel()
		}
	}
}
