// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout is the write deadline for outbound WebSocket frames
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 30 * 24 * time.Hour
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Call lifecycle constants
const (
	// CallStatusNotStarted indicates a scheduled call that nobody has joined yet
	CallStatusNotStarted = "not_started"

	// CallStatusInProgress indicates a call with at least one past or present participant
	CallStatusInProgress = "in_progress"

	// CallStatusCompleted indicates a call whose room has emptied
	CallStatusCompleted = "completed"

	// CallStatusFailed is reserved for administrative correction; the live
	// path never produces it
	CallStatusFailed = "failed"

	// CallKindScheduled is a booked appointment call bound to a patient/doctor pair
	CallKindScheduled = "scheduled"

	// CallKindSelfTest is an immediate call joinable by any authenticated identity
	CallKindSelfTest = "self_test"

	// MinCallDurationMinutes is the floor applied to completed call durations
	MinCallDurationMinutes = 1
)

// Signaling payload bounds
const (
	// MaxSDPLength is the maximum accepted session description size in bytes
	MaxSDPLength = 256 * 1024

	// MaxCandidateLength is the maximum accepted ICE candidate string size in bytes
	MaxCandidateLength = 4 * 1024

	// WebSocketMaxMessageSize bounds inbound frames; large enough for a
	// maximal session description plus envelope overhead
	WebSocketMaxMessageSize = MaxSDPLength + 8*1024
)

// Role constants carried in bearer credentials
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Connection quality levels reported by participants
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
