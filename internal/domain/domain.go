package domain

import "time"

// Directive kinds.
const (
	KindSolo  = "solo"
	KindGuild = "guild"
)

// Directive statuses. Transitions only move forward:
// open -> active|expired|cancelled, active -> completed|expired|cancelled.
const (
	StatusOpen      = "open"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Location is an optional 2D coordinate hint for spatial directives.
type Location struct {
	X int `json:"x"`
	Z int `json:"z"`
}

type Directive struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind" enum:"solo,guild"`
	GroupID       uint64    `json:"group_id,omitempty"`
	ProposerID    string    `json:"proposer_id"`
	ProposerAgent string    `json:"proposer_agent,omitempty"`
	Objective     string    `json:"objective"`
	AgentsNeeded  int       `json:"agents_needed"`
	Location      *Location `json:"location,omitempty"`
	Status        string    `json:"status" enum:"open,active,completed,expired,cancelled"`
	YesVotes      int       `json:"yes_votes"`
	NoVotes       int       `json:"no_votes"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	ExpiresAt     string    `json:"expires_at" format:"date-time"`
}

// Votable reports whether votes may still be applied to the stored status.
func (d Directive) Votable() bool {
	return d.Status == StatusOpen || d.Status == StatusActive
}

// ExpiredBy reports whether the directive's deadline has passed while it was
// still open or active. Terminal statuses never re-expire.
func (d Directive) ExpiredBy(now time.Time) bool {
	if !d.Votable() {
		return false
	}
	exp, err := time.Parse(time.RFC3339, d.ExpiresAt)
	if err != nil {
		return false
	}
	return !exp.After(now)
}

// Vote is the permanent record of one identity's vote on one directive.
// Records are never deleted, even after the directive leaves a votable state.
type Vote struct {
	DirectiveID int64  `json:"directive_id"`
	VoterID     string `json:"voter_id"`
	AgentRef    string `json:"agent_ref,omitempty"`
	Support     bool   `json:"support"`
	TS          string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
