// Package plan merges corrected timelines into the user's canonical plan.
package plan

import (
	"context"
	"fmt"
	"sync"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
)

// Repository persists one canonical plan per user. Get returns nil, nil when
// the user has no plan yet.
type Repository interface {
	Get(ctx context.Context, userID string) (*model.CanonicalPlan, error)
	Save(ctx context.Context, p *model.CanonicalPlan) error
}

// LoadOrCreate returns the stored plan or a fresh empty one.
func LoadOrCreate(ctx context.Context, repo Repository, userID string) (*model.CanonicalPlan, error) {
	p, err := repo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load plan for %s: %w", userID, err)
	}
	if p == nil {
		appLog.Info("creating empty plan", "user", userID)
		return model.NewPlan(userID), nil
	}
	return p, nil
}

// Merge appends every item of tl that the plan does not already hold, is not
// dismissed and is not pending, under its corrected horizon and tier. It never
// removes or reorders existing entries, and returns a new plan together with
// the number of items added. Merging the same timeline twice adds nothing the
// second time.
func Merge(tl model.Timeline, p *model.CanonicalPlan) (*model.CanonicalPlan, int) {
	out := clonePlan(p)
	present := out.Timeline.Signatures()

	added := 0
	tl.Each(func(h model.Horizon, tier model.Tier, it model.TimelineItem) {
		sig := it.Signature
		switch {
		case sig == "":
			appLog.Warn("merge skipped item without signature", "title", it.Title)
			return
		case present[sig], out.IsDismissed(sig), out.IsPending(sig):
			return
		}
		out.Timeline.Append(h, tier, it)
		present[sig] = true
		added++
	})
	return out, added
}

func clonePlan(p *model.CanonicalPlan) *model.CanonicalPlan {
	if p == nil {
		return model.NewPlan("")
	}
	cp := *p
	cp.Timeline = p.Timeline.Clone()
	cp.DismissedItems = append([]string{}, p.DismissedItems...)
	cp.PendingRecommendations = append([]model.Recommendation{}, p.PendingRecommendations...)
	return &cp
}

// Memory is an in-process Repository, used by tests and the one-shot CLI
// when no database is configured.
type Memory struct {
	mu    sync.Mutex
	plans map[string]*model.CanonicalPlan
}

func NewMemory() *Memory {
	return &Memory{plans: map[string]*model.CanonicalPlan{}}
}

func (m *Memory) Get(_ context.Context, userID string) (*model.CanonicalPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[userID]
	if !ok {
		return nil, nil
	}
	return clonePlan(p), nil
}

func (m *Memory) Save(_ context.Context, p *model.CanonicalPlan) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("save plan: missing user id")
	}
	m.mu.Lock()
	m.plans[p.UserID] = clonePlan(p)
	m.mu.Unlock()
	return nil
}
