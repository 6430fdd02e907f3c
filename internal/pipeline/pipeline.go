// Package pipeline runs one user's refresh: source, dedup, recurrence,
// deletion filter, categorization, validation, stabilization and merge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"canonplan/internal/dedup"
	"canonplan/internal/deletion"
	"canonplan/internal/embedding"
	appLog "canonplan/internal/log"
	"canonplan/internal/model"
	"canonplan/internal/oracle"
	"canonplan/internal/plan"
	"canonplan/internal/recurrence"
	"canonplan/internal/signature"
	"canonplan/internal/source"
	"canonplan/internal/stabilize"
	"canonplan/internal/validate"
)

const (
	StageSource   = "source"
	StageSemantic = "semantic_dedup"
	StageDeletion = "deletion_filter"
	StageOracle   = "oracle"
	StagePlan     = "plan"
)

// StageError names the stage a failure came from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Categorizer is the oracle surface the pipeline needs.
type Categorizer interface {
	Categorize(ctx context.Context, req oracle.Request) (model.Timeline, oracle.Report, error)
}

// Deps are the collaborators shared by every user's run. Embedder, History
// and Oracle are optional: without them the matching stage is skipped (the
// oracle is replaced by local placement).
type Deps struct {
	Embedder embedding.Embedder
	History  deletion.History
	Oracle   Categorizer
	Plans    plan.Repository
}

type Options struct {
	FuzzyThreshold    float64
	SemanticThreshold float64
	Deletion          deletion.Policy
	Min, Max          stabilize.Counts
	// LocalFallback places candidates locally when the oracle is unreachable
	// instead of skipping the refresh.
	LocalFallback bool
}

// User is one run's subject.
type User struct {
	ID       string
	Location *time.Location
	Source   source.Source
	Allow    []string
	Deny     []string
}

// Result is what a completed run produced.
type Result struct {
	Plan     *model.CanonicalPlan
	Timeline model.Timeline
	Added    int
}

type Pipeline struct {
	deps   Deps
	opts   Options
	runs   *RunLog
	now    func() time.Time
	tracer trace.Tracer
}

func New(deps Deps, opts Options, runs *RunLog) *Pipeline {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = dedup.DefaultFuzzyThreshold
	}
	if opts.SemanticThreshold <= 0 {
		opts.SemanticThreshold = dedup.DefaultSemanticThreshold
	}
	if opts.Min == (stabilize.Counts{}) {
		opts.Min = stabilize.DefaultMin
	}
	if opts.Max == (stabilize.Counts{}) {
		opts.Max = stabilize.DefaultMax
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		runs:   runs,
		now:    time.Now,
		tracer: otel.Tracer("canonplan/pipeline"),
	}
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run refreshes one user's plan. A returned error means the refresh was
// skipped and nothing was saved; the diagnostics say why either way.
func (p *Pipeline) Run(ctx context.Context, u User) (Result, *Diagnostics, error) {
	loc := u.Location
	if loc == nil {
		loc = time.UTC
	}
	now := p.now().In(loc)
	clock := func() time.Time { return now }

	d := &Diagnostics{RunID: uuid.NewString(), UserID: u.ID, StartedAt: now}
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("user", u.ID),
		attribute.String("run_id", d.RunID),
	))
	defer span.End()

	res, err := p.run(ctx, u, loc, clock, d)
	d.FinishedAt = p.now().In(loc)
	if err != nil {
		d.Skipped = true
		d.SkipReason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh skipped")
		appLog.Error("refresh skipped", err, "user", u.ID, "run_id", d.RunID)
	} else {
		span.SetAttributes(attribute.Int("added", res.Added))
		appLog.Info("refresh complete", "user", u.ID, "run_id", d.RunID,
			"candidates", d.Counts.Candidates, "placed", res.Timeline.Total(), "added", res.Added)
	}
	if p.runs != nil {
		p.runs.Add(*d)
	}
	return res, d, err
}

func (p *Pipeline) run(ctx context.Context, u User, loc *time.Location, clock func() time.Time, d *Diagnostics) (Result, error) {
	if u.Source == nil {
		return Result{}, &StageError{Stage: StageSource, Err: errors.New("no source configured")}
	}

	sctx, span := p.tracer.Start(ctx, StageSource)
	raws, err := u.Source.Fetch(sctx, u.ID)
	span.End()
	if err != nil {
		return Result{}, &StageError{Stage: StageSource, Err: err}
	}
	items := toTimeline(raws, loc)
	d.Counts.Raw = len(items)

	items = dedup.Exact(items)
	d.Counts.Exact = len(items)
	items = dedup.Fuzzy(items, p.opts.FuzzyThreshold, loc)
	d.Counts.Fuzzy = len(items)

	det := recurrence.Detector{Location: loc, Now: clock}
	exempt := det.RecurringSignatures(items)

	if p.deps.Embedder != nil {
		sctx, span := p.tracer.Start(ctx, StageSemantic)
		sem := dedup.Semantic{Embedder: p.deps.Embedder, Threshold: p.opts.SemanticThreshold}
		out, err := sem.Run(sctx, items, exempt)
		if err != nil {
			span.RecordError(err)
			d.failOpen(StageSemantic, err)
			appLog.Warn("semantic dedup failed, keeping fuzzy output", "user", u.ID, "run_id", d.RunID, "stage", StageSemantic, "err", err)
		}
		span.End()
		items = out
	}
	d.Counts.Semantic = len(items)

	filtered := deletion.Result{Kept: items}
	if p.deps.History != nil {
		sctx, span := p.tracer.Start(ctx, StageDeletion)
		policy := p.opts.Deletion
		policy.Allow = append(append([]string{}, policy.Allow...), u.Allow...)
		policy.Deny = append(append([]string{}, policy.Deny...), u.Deny...)
		filtered = deletion.NewLearner(p.deps.History, policy).WithClock(clock).Filter(sctx, u.ID, items)
		span.End()
		for _, err := range filtered.Errors {
			d.failOpen(StageDeletion, err)
		}
	}
	d.Counts.Kept = len(filtered.Kept)
	d.Counts.Flagged = len(filtered.Flagged)
	d.Counts.Suppressed = len(filtered.Suppressed)

	candidates := det.Consolidate(filtered.Kept)
	d.Counts.Candidates = len(candidates)

	tl, err := p.categorize(ctx, u, loc, clock, candidates, d)
	if err != nil {
		return Result{}, err
	}
	d.Counts.Placed = tl.Total()

	tl, d.Corrections = validate.Validator{Location: loc, Now: clock}.Validate(tl)
	d.Counts.Validated = tl.Total()

	pool := det.Consolidate(filtered.Pool())
	st := stabilize.Stabilizer{Min: p.opts.Min, Max: p.opts.Max, Location: loc, Now: clock}
	tl, d.Stabilizer = st.Stabilize(tl, pool)
	d.Counts.Stabilized = tl.Total()

	if p.deps.Plans == nil {
		return Result{Timeline: tl}, nil
	}
	pctx, pspan := p.tracer.Start(ctx, StagePlan)
	defer pspan.End()
	current, err := plan.LoadOrCreate(pctx, p.deps.Plans, u.ID)
	if err != nil {
		return Result{}, &StageError{Stage: StagePlan, Err: err}
	}
	updated, added := plan.Merge(tl, current)
	if d.Placement == PlacementOracle {
		synced := clock()
		updated.LastOracleSync = &synced
	}
	if err := p.deps.Plans.Save(pctx, updated); err != nil {
		return Result{}, &StageError{Stage: StagePlan, Err: fmt.Errorf("save plan: %w", err)}
	}
	d.Added = added
	return Result{Plan: updated, Timeline: tl, Added: added}, nil
}

func (p *Pipeline) categorize(ctx context.Context, u User, loc *time.Location, clock func() time.Time, candidates []model.TimelineItem, d *Diagnostics) (model.Timeline, error) {
	if p.deps.Oracle == nil {
		d.Placement = PlacementLocal
		return oracle.LocalPlacement(candidates, clock(), loc), nil
	}

	octx, span := p.tracer.Start(ctx, StageOracle, trace.WithAttributes(attribute.Int("candidates", len(candidates))))
	defer span.End()
	tl, rep, err := p.deps.Oracle.Categorize(octx, oracle.Request{UserID: u.ID, Location: loc, Candidates: candidates})
	d.Oracle = rep
	if err != nil {
		span.RecordError(err)
		if !p.opts.LocalFallback {
			return model.Timeline{}, &StageError{Stage: StageOracle, Err: err}
		}
		d.failOpen(StageOracle, err)
		appLog.Warn("oracle unavailable, placing candidates locally", "user", u.ID, "run_id", d.RunID, "stage", StageOracle, "err", err)
		d.Placement = PlacementLocal
		return oracle.LocalPlacement(candidates, clock(), loc), nil
	}
	if rep.Malformed {
		d.failOpen(StageOracle, model.ErrMalformedOracleResponse)
	}
	d.Placement = PlacementOracle
	return tl, nil
}

// toTimeline converts raw items and assigns signatures.
func toTimeline(raws []model.RawItem, loc *time.Location) []model.TimelineItem {
	items := make([]model.TimelineItem, 0, len(raws))
	for _, r := range raws {
		if r == nil {
			continue
		}
		it := r.Timeline(loc)
		if it.Title == "" {
			continue
		}
		items = append(items, it)
	}
	return signature.Assign(items)
}
