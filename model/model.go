package model

import "time"

// ConnectionState is the lifecycle state of a session connection.
// It is owned exclusively by the session coordinator.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateAuthPending
	StateJoining
	StateMediaStarting
	StateActive
	StateLeaving
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthPending:
		return "auth-pending"
	case StateJoining:
		return "joining"
	case StateMediaStarting:
		return "media-starting"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

type Participant struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Role          string `json:"role"`
	AudioEnabled  bool   `json:"audio_enabled"`
	VideoEnabled  bool   `json:"video_enabled"`
	ScreenSharing bool   `json:"screen_sharing"`
	// Hidden participants are joined for monitoring only: they emit no
	// local media and are excluded from other participants' rosters.
	Hidden bool `json:"hidden,omitempty"`
}

// SessionGrant is the backend's answer to a join or monitor request.
type SessionGrant struct {
	// RoomID is always the canonical string form; the media transport
	// expects string room ids even when the backend issues numeric ones.
	RoomID      string
	DisplayName string
	Role        string
	Observer    bool
}

type ChatMessage struct {
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MediaOptions are passed to the media adapter's room join.
type MediaOptions struct {
	Role     string
	Observer bool
}

// TransportStats is a point-in-time statistics snapshot reported by the
// media adapter.
type TransportStats struct {
	UploadKbps    float64
	DownloadKbps  float64
	LatencyMs     float64
	PacketLossPct float64
}

type QualityTier string

const (
	TierExcellent QualityTier = "excellent"
	TierGood      QualityTier = "good"
	TierFair      QualityTier = "fair"
	TierPoor      QualityTier = "poor"
	TierUnknown   QualityTier = "unknown"
)

// QualitySample is the latest classified transport sample. No history is
// kept beyond it.
type QualitySample struct {
	Tier          QualityTier
	UploadKbps    float64
	DownloadKbps  float64
	LatencyMs     float64
	PacketLossPct float64
	SampledAt     time.Time
}
