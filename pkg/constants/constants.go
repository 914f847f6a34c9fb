// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout bounds a single inbound event handler, store calls included
	DefaultTimeout = 15 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// PongWait is how long a connection may stay silent before it is considered dead
	PongWait = 60 * time.Second

	// PresenceTTL is the lifetime of a mirrored presence key in Redis
	PresenceTTL = 2 * time.Minute

	// PresenceHeartbeat is how often live users refresh their mirrored presence
	PresenceHeartbeat = 45 * time.Second
)

// Content limits
const (
	// MaxMessageLength is the maximum number of runes in a message text
	MaxMessageLength = 5000

	// MaxGroupNameLength is the maximum number of runes in a group name
	MaxGroupNameLength = 100

	// MaxAttachments is the maximum number of attachments per message
	MaxAttachments = 10

	// MinGroupSize is the smallest group: the owner plus two others
	MinGroupSize = 3

	// MaxCallDuration caps the duration recorded on a completed call
	MaxCallDuration = 24 * time.Hour
)

// Message content markers
const (
	// DeletedMessageText replaces the text of a soft-deleted message
	DeletedMessageText = "Tin nhắn đã bị thu hồi"
)

// Redis keys and channels
const (
	PresenceKeyPrefix  = "presence:"
	PresenceOnlineSet  = "presence:online"
	PushRelayChannel   = "chatcore:push"
	TokenBlacklistPref = "blacklist:"
)
