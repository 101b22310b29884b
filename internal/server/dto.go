package server

import (
	"github.com/danielgtaylor/huma/v2"

	"promptline/internal/domain"
	"promptline/internal/engine"
	"promptline/internal/textcheck"
)

// ItemRef is an item id as sent by clients: a JSON string or number.
type ItemRef domain.ItemID

func (r *ItemRef) UnmarshalJSON(data []byte) error {
	return (*domain.ItemID)(r).UnmarshalJSON(data)
}

func (ItemRef) Schema(huma.Registry) *huma.Schema {
	return &huma.Schema{OneOf: []*huma.Schema{{Type: huma.TypeString}, {Type: huma.TypeInteger}}}
}

// Request payloads

type SubmissionRequest struct {
	ItemID     ItemRef `json:"item_id" doc:"Item being answered; string or number"`
	Model      string  `json:"model"`
	UserID     string  `json:"user_id,omitempty" doc:"Defaults to the authenticated user"`
	Title      string  `json:"title,omitempty"`
	Response   string  `json:"response_text"`
	LeaseToken string  `json:"lease_token,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string   `json:"user_id"`
	Name   string   `json:"name,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type NextItemResponse struct {
	Available  bool           `json:"available"`
	ItemID     domain.ItemID  `json:"item_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	LeaseToken string         `json:"lease_token,omitempty"`
	ExpiresAt  string         `json:"expires_at,omitempty" format:"date-time"`
}

type SubmissionResponse struct {
	Accepted       bool            `json:"accepted"`
	UUID           string          `json:"uuid,omitempty"`
	ItemID         domain.ItemID   `json:"item_id,omitempty"`
	Model          string          `json:"model,omitempty"`
	WordCount      int             `json:"word_count,omitempty"`
	SentenceCount  int             `json:"sentence_count,omitempty"`
	CharacterCount int             `json:"character_count,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
	Reason         string          `json:"reason,omitempty" enum:"invalid,duplicate,no_lease"`
	Message        string          `json:"message,omitempty"`
	Field          string          `json:"field,omitempty"`
	Similarity     float64         `json:"similarity,omitempty"`
	Diff           *textcheck.Diff `json:"diff,omitempty"`
}

type LeaseResponse struct {
	Username   string        `json:"username"`
	ItemID     domain.ItemID `json:"item_id"`
	AssignedAt string        `json:"assigned_at" format:"date-time"`
	ExpiresAt  string        `json:"expires_at" format:"date-time"`
	Submitted  bool          `json:"submitted"`
	State      string        `json:"state" enum:"active,expired,fulfilled"`
}

type ReclaimResponse struct {
	StartedAt string            `json:"started_at" format:"date-time"`
	Duration  string            `json:"duration"`
	Removed   map[string]int    `json:"removed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Total     int               `json:"total"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Model      string `json:"model,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	Key       string   `json:"key,omitempty" doc:"Only returned on creation"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func leaseResponse(v engine.LeaseView) LeaseResponse {
	return LeaseResponse{
		Username:   v.Username,
		ItemID:     v.ItemID,
		AssignedAt: v.GrantedAt().UTC().Format(timeLayout),
		ExpiresAt:  v.ExpiresAt.UTC().Format(timeLayout),
		Submitted:  v.Submitted,
		State:      string(v.State),
	}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		Model:      evt.Model,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    evt.Payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		Roles:     nonNilSlice(k.RoleList()),
		CreatedAt: k.CreatedAt,
	}
}

func reclaimResponse(r engine.ReclaimReport) ReclaimResponse {
	out := ReclaimResponse{
		StartedAt: r.StartedAt.UTC().Format(timeLayout),
		Duration:  r.Duration.String(),
		Removed:   r.Removed,
		Failed:    r.Failed,
		Total:     r.Total(),
	}
	if out.Removed == nil {
		out.Removed = map[string]int{}
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
