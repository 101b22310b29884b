package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ItemID identifies an item in the pool. Input files may carry it as a JSON
// string or number; both decode to the same textual form.
type ItemID string

func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ItemID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("item id must be a string or number: %w", err)
	}
	*id = ItemID(n.String())
	return nil
}

type Item struct {
	ID      ItemID         `json:"id"`
	Title   string         `json:"title"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Lease is one ledger line. Field names follow the on-disk partition format.
type Lease struct {
	Username   string `json:"username"`
	Model      string `json:"model"`
	ItemID     ItemID `json:"id"`
	AssignedAt int64  `json:"assigned_at"`
	Submitted  bool   `json:"submitted"`
	Token      string `json:"lease_token,omitempty"`
}

func (l Lease) GrantedAt() time.Time {
	return time.Unix(l.AssignedAt, 0).UTC()
}

func (l Lease) ExpiresAt(timeout time.Duration) time.Time {
	return l.GrantedAt().Add(timeout)
}

// Active reports whether the lease still blocks its item: unfulfilled and
// younger than timeout.
func (l Lease) Active(now time.Time, timeout time.Duration) bool {
	return !l.Submitted && now.Sub(l.GrantedAt()) < timeout
}

// Expired reports whether the lease is unfulfilled and past its timeout.
func (l Lease) Expired(now time.Time, timeout time.Duration) bool {
	return !l.Submitted && now.Sub(l.GrantedAt()) >= timeout
}

type Submission struct {
	UUID           string `json:"uuid"`
	ItemID         ItemID `json:"id"`
	Title          string `json:"title"`
	Response       string `json:"response"`
	Model          string `json:"model"`
	Username       string `json:"username"`
	WordCount      int    `json:"word_count"`
	SentenceCount  int    `json:"sentence_count"`
	CharacterCount int    `json:"character_count"`
	Timestamp      string `json:"timestamp"`
}

// Time parses the ISO-8601 timestamp. Naive timestamps (no zone) are read as UTC.
func (s Submission) Time() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s.Timestamp); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s.Timestamp, time.UTC)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Model      string `json:"model,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Roles     string `json:"roles,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoleList splits the comma-separated Roles column.
func (k APIKey) RoleList() []string {
	var roles []string
	for _, r := range strings.Split(k.Roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
