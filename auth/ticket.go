// Package auth provides bearer-token verification for transport endpoints and
// a durable resume-ticket store that lets a disconnected client re-attach to
// its session without re-presenting the original credential.
package auth

import (
	"time"

	"github.com/google/uuid"
)

// Ticket is a server-side resume grant. The opaque ID travels to the client;
// everything else stays server-side so a stolen ticket exposes no credential.
type Ticket struct {
	// ID is the opaque identifier handed to the client.
	ID string
	// SessionID binds the ticket to one protocol session. All tickets rotated
	// during the life of a session share it, so revoking the session kills
	// every outstanding ticket at once.
	SessionID string

	// Subject identifies the authenticated principal.
	Subject string
	// Scopes granted to the subject (optional).
	Scopes []string

	CreatedAt  time.Time
	LastUsedAt time.Time
	// ExpiresAt is the idle expiration (sliding TTL).
	ExpiresAt time.Time
	// MaxExpiresAt is the absolute cap regardless of activity.
	MaxExpiresAt time.Time

	// Meta carries implementation-defined attributes (optional).
	Meta map[string]string
}

// NewTicket creates a ticket for a session with generated ID and timestamps.
func NewTicket(sessionID, subject string) *Ticket {
	now := time.Now()
	return &Ticket{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Subject:    subject,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

func (t *Ticket) expired(now time.Time) bool {
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return true
	}
	if !t.MaxExpiresAt.IsZero() && now.After(t.MaxExpiresAt) {
		return true
	}
	return false
}

func (t *Ticket) stampDefaults(now time.Time, idleTTL, maxTTL time.Duration) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastUsedAt.IsZero() {
		t.LastUsedAt = now
	}
	if t.ExpiresAt.IsZero() && idleTTL > 0 {
		t.ExpiresAt = now.Add(idleTTL)
	}
	if t.MaxExpiresAt.IsZero() && maxTTL > 0 {
		t.MaxExpiresAt = now.Add(maxTTL)
	}
}
