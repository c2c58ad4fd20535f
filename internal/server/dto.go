package server

import (
	"charter/internal/config"
	"charter/internal/domain"
)

// Request payloads

type SubmitDirectiveRequest struct {
	Kind          string           `json:"kind" enum:"solo,guild"`
	GroupID       *uint64          `json:"group_id,omitempty"`
	AgentRef      *string          `json:"agent_ref,omitempty"`
	Objective     string           `json:"objective"`
	AgentsNeeded  int              `json:"agents_needed"`
	Location      *domain.Location `json:"location,omitempty"`
	DurationHours int              `json:"duration_hours"`
}

type VoteRequest struct {
	Support  bool    `json:"support"`
	AgentRef *string `json:"agent_ref,omitempty"`
}

type UpdateLimitsRequest struct {
	SoloDailyCap      *int `json:"solo_daily_cap,omitempty"`
	GuildHourlyCap    *int `json:"guild_hourly_cap,omitempty"`
	MaxObjectiveChars *int `json:"max_objective_chars,omitempty"`
	MaxDurationHours  *int `json:"max_duration_hours,omitempty"`
}

type CreateAPIKeyRequest struct {
	Identity string  `json:"identity"`
	Name     *string `json:"name,omitempty"`
}

// Response payloads

type DirectiveResponse struct {
	ID            int64            `json:"id"`
	Kind          string           `json:"kind" enum:"solo,guild"`
	GroupID       uint64           `json:"group_id,omitempty"`
	ProposerID    string           `json:"proposer_id"`
	ProposerAgent string           `json:"proposer_agent,omitempty"`
	Objective     string           `json:"objective"`
	AgentsNeeded  int              `json:"agents_needed"`
	Location      *domain.Location `json:"location,omitempty"`
	Status        string           `json:"status" enum:"open,active,completed,expired,cancelled"`
	YesVotes      int              `json:"yes_votes"`
	NoVotes       int              `json:"no_votes"`
	CreatedAt     string           `json:"created_at" format:"date-time"`
	ExpiresAt     string           `json:"expires_at" format:"date-time"`
}

type DirectivePage struct {
	Items []DirectiveResponse `json:"items"`
	Total int                 `json:"total"`
}

type DirectiveIDPage struct {
	IDs   []int64 `json:"ids"`
	Total int     `json:"total"`
}

type QuotaResponse struct {
	Identity          string `json:"identity"`
	SoloUsedToday     int    `json:"solo_used_today"`
	SoloDailyCap      int    `json:"solo_daily_cap"`
	GroupID           uint64 `json:"group_id,omitempty"`
	GroupUsedThisHour int    `json:"group_used_this_hour,omitempty"`
	GuildHourlyCap    int    `json:"guild_hourly_cap"`
}

type LimitsResponse struct {
	SoloDailyCap      int `json:"solo_daily_cap"`
	GuildHourlyCap    int `json:"guild_hourly_cap"`
	MaxObjectiveChars int `json:"max_objective_chars"`
	MaxDurationHours  int `json:"max_duration_hours"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func directiveResponse(d domain.Directive) DirectiveResponse {
	return DirectiveResponse{
		ID:            d.ID,
		Kind:          d.Kind,
		GroupID:       d.GroupID,
		ProposerID:    d.ProposerID,
		ProposerAgent: d.ProposerAgent,
		Objective:     d.Objective,
		AgentsNeeded:  d.AgentsNeeded,
		Location:      d.Location,
		Status:        d.Status,
		YesVotes:      d.YesVotes,
		NoVotes:       d.NoVotes,
		CreatedAt:     d.CreatedAt,
		ExpiresAt:     d.ExpiresAt,
	}
}

func mapDirectives(items []domain.Directive) []DirectiveResponse {
	res := make([]DirectiveResponse, 0, len(items))
	for _, d := range items {
		res = append(res, directiveResponse(d))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}

func limitsResponse(l config.Limits) LimitsResponse {
	return LimitsResponse{
		SoloDailyCap:      l.SoloDailyCap,
		GuildHourlyCap:    l.GuildHourlyCap,
		MaxObjectiveChars: l.MaxObjectiveChars,
		MaxDurationHours:  l.MaxDurationHours,
	}
}
