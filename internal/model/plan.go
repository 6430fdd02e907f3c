package model

import "time"

// CanonicalPlan is the per-user persisted timeline. The pipeline only ever
// appends to it; user edits happen elsewhere.
type CanonicalPlan struct {
	UserID   string   `json:"user_id"`
	Timeline Timeline `json:"timeline"`

	// DismissedItems holds signatures the user explicitly dismissed.
	DismissedItems         []string         `json:"dismissed_items"`
	PendingRecommendations []Recommendation `json:"pending_recommendations"`

	LastOracleSync *time.Time `json:"last_oracle_sync,omitempty"`
	LastUserEdit   *time.Time `json:"last_user_edit,omitempty"`
}

// Recommendation is an item proposed to the user but not yet accepted.
type Recommendation struct {
	Item       TimelineItem `json:"item"`
	Horizon    Horizon      `json:"horizon"`
	Tier       Tier         `json:"tier"`
	ProposedAt time.Time    `json:"proposed_at"`
}

func NewPlan(userID string) *CanonicalPlan {
	return &CanonicalPlan{
		UserID:                 userID,
		DismissedItems:         []string{},
		PendingRecommendations: []Recommendation{},
	}
}

func (p *CanonicalPlan) IsDismissed(sig string) bool {
	for _, s := range p.DismissedItems {
		if s == sig {
			return true
		}
	}
	return false
}

func (p *CanonicalPlan) IsPending(sig string) bool {
	for _, r := range p.PendingRecommendations {
		if r.Item.Signature == sig {
			return true
		}
	}
	return false
}

// Action is what the user did with an item.
type Action string

const (
	ActionCompleted Action = "completed"
	ActionDeleted   Action = "deleted"
)

// CompletionRecord is one entry of the append-only completion/deletion log.
type CompletionRecord struct {
	Signature string    `json:"signature"`
	Title     string    `json:"title"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
