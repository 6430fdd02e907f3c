// Package source provides the raw item sources the pipeline pulls from.
package source

import (
	"context"
	"errors"
	"fmt"

	appLog "canonplan/internal/log"
	"canonplan/internal/model"
)

// Source returns the raw activity items currently known for a user.
type Source interface {
	Fetch(ctx context.Context, userID string) ([]model.RawItem, error)
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context, userID string) ([]model.RawItem, error)

func (f Func) Fetch(ctx context.Context, userID string) ([]model.RawItem, error) {
	return f(ctx, userID)
}

// Static always returns the same items, whatever the user.
type Static []model.RawItem

func (s Static) Fetch(context.Context, string) ([]model.RawItem, error) {
	out := make([]model.RawItem, len(s))
	copy(out, s)
	return out, nil
}

// Multi concatenates several sources in order. A failing source is logged and
// skipped; Multi only fails when every source failed.
type Multi []Source

func (m Multi) Fetch(ctx context.Context, userID string) ([]model.RawItem, error) {
	var (
		items []model.RawItem
		errs  []error
	)
	for i, s := range m {
		got, err := s.Fetch(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			appLog.Warn("source fetch failed", "user", userID, "source", i, "err", err)
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		items = append(items, got...)
	}
	if len(m) > 0 && len(errs) == len(m) {
		return nil, errors.Join(errs...)
	}
	return items, nil
}
