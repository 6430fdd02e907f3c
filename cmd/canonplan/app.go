package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"canonplan/internal/config"
	"canonplan/internal/deletion"
	"canonplan/internal/embedding"
	"canonplan/internal/ics"
	appLog "canonplan/internal/log"
	"canonplan/internal/oracle"
	"canonplan/internal/pipeline"
	"canonplan/internal/source"
	"canonplan/internal/stabilize"
	"canonplan/internal/store"
)

// app holds the long-lived components built from config.
type app struct {
	cfg   *config.Config
	store *store.SQLiteStore
	runs  *pipeline.RunLog
	pipe  *pipeline.Pipeline
	users []pipeline.User
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	return store.Open(cfg.Database)
}

// newApp wires the pipeline. When save is false plans are computed but never
// written.
func newApp(cfg *config.Config, save bool) (*app, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{History: st}
	if save {
		deps.Plans = st
	}
	if !cfg.Embedding.Disabled {
		deps.Embedder = embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Timeout(), cfg.Embedding.RequestsPerSecond)
	}
	orc, err := newOracle(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	if orc != nil {
		deps.Oracle = orc
	}

	runs := pipeline.NewRunLog(20, len(cfg.Users)+1)
	pipe := pipeline.New(deps, pipelineOptions(cfg), runs)

	return &app{cfg: cfg, store: st, runs: runs, pipe: pipe, users: buildUsers(cfg)}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// newOracle returns nil when no API key is set and local placement is allowed.
func newOracle(cfg *config.Config) (*oracle.Adapter, error) {
	caller, err := oracle.NewAnthropicCallerFromEnv(cfg.Oracle.Model, cfg.Oracle.MaxTokens, cfg.Oracle.Timeout())
	if err != nil {
		if cfg.Oracle.LocalFallback {
			appLog.Warn("oracle disabled, placing candidates locally", "err", err)
			return nil, nil
		}
		return nil, fmt.Errorf("oracle: %w", err)
	}
	return oracle.NewAdapter(caller, cfg.Oracle.Timeout()), nil
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		FuzzyThreshold:    cfg.Dedup.FuzzyThreshold,
		SemanticThreshold: cfg.Dedup.SemanticThreshold,
		Deletion: deletion.Policy{
			Lookback:       cfg.Deletion.Lookback(),
			MinRecords:     cfg.Deletion.MinRecords,
			MinDeletions:   cfg.Deletion.MinDeletions,
			AutoFilterRate: cfg.Deletion.AutoFilterRate,
			FlagRate:       cfg.Deletion.FlagRate,
		},
		Min:           stabilize.Counts(cfg.Stabilizer.Min),
		Max:           stabilize.Counts(cfg.Stabilizer.Max),
		LocalFallback: cfg.Oracle.LocalFallback,
	}
}

// buildUsers creates each user's raw item sources: their ICS feeds and an
// optional mailbox export.
func buildUsers(cfg *config.Config) []pipeline.User {
	fetcher := ics.NewFetcher(cfg.ICSCacheDir, &http.Client{Timeout: 30 * time.Second})
	users := make([]pipeline.User, 0, len(cfg.Users))
	for i := range cfg.Users {
		u := &cfg.Users[i]
		loc := cfg.Location(u)

		var srcs source.Multi
		if len(u.ICS) > 0 {
			feeds := make([]ics.Feed, 0, len(u.ICS))
			for _, f := range u.ICS {
				feeds = append(feeds, ics.Feed{ID: f.ID, URL: f.URL})
			}
			srcs = append(srcs, ics.NewFeedSource(fetcher, feeds, loc))
		}
		if u.Mailbox != "" {
			srcs = append(srcs, source.NewMailbox(u.Mailbox))
		}

		users = append(users, pipeline.User{
			ID:       u.ID,
			Location: loc,
			Source:   srcs,
			Allow:    u.AllowTitles,
			Deny:     u.DenyTitles,
		})
	}
	return users
}

func (a *app) user(id string) (pipeline.User, error) {
	for _, u := range a.users {
		if u.ID == id {
			return u, nil
		}
	}
	if id == "" && len(a.users) == 1 {
		return a.users[0], nil
	}
	if id == "" {
		return pipeline.User{}, errors.New("--user is required when several users are configured")
	}
	return pipeline.User{}, fmt.Errorf("unknown user %q", id)
}

func (a *app) runOnce(ctx context.Context, id string) (pipeline.Result, *pipeline.Diagnostics, error) {
	u, err := a.user(id)
	if err != nil {
		return pipeline.Result{}, nil, err
	}
	return a.pipe.Run(ctx, u)
}
