package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// VariantResult is the outcome of one fork variant.
type VariantResult struct {
	Index  int
	Spec   models.AgentSpec
	Result *models.AgentResult
	Err    error
}

// ForkSelector picks the variant whose result a fork node produces. It
// returns an error when no variant is acceptable.
type ForkSelector func(nodeID string, variants []VariantResult) (int, error)

// FirstSuccess selects the first variant, in declaration order, that
// returned without error.
func FirstSuccess(nodeID string, variants []VariantResult) (int, error) {
	errs := make([]error, 0, len(variants))
	for _, v := range variants {
		if v.Err == nil && v.Result != nil {
			return v.Index, nil
		}
		if v.Err != nil {
			errs = append(errs, fmt.Errorf("variant %d: %w", v.Index, v.Err))
		}
	}
	return -1, fmt.Errorf("%w: %s: %w", ErrNoVariantSucceeded, nodeID, errors.Join(errs...))
}

// runFork executes every variant concurrently and reduces them with the
// configured selector. The returned usage sums every variant. Variant
// errors go to the selector; cancellation of ctx ends the fork with the
// context error.
func (o *Orchestrator) runFork(ctx context.Context, runID, nodeID string, specs []models.AgentSpec, prompt func(models.AgentSpec) string) (*models.AgentResult, int, models.TokenUsage, error) {
	variants := make([]VariantResult, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			req := o.newRequest(runID, nodeID, spec, prompt(spec))
			req.Variant = i
			res, err := o.exec.Execute(gctx, req)
			variants[i] = VariantResult{Index: i, Spec: spec, Result: res, Err: err}
			return ctx.Err()
		})
	}
	waitErr := g.Wait()

	var usage models.TokenUsage
	for _, v := range variants {
		if v.Result != nil {
			usage = usage.Add(v.Result.Usage)
		}
	}
	if waitErr != nil {
		return nil, -1, usage, fmt.Errorf("fork %s: %w", nodeID, waitErr)
	}

	idx, err := o.opts.selector(nodeID, variants)
	if err != nil {
		return nil, -1, usage, err
	}
	if idx < 0 || idx >= len(variants) || variants[idx].Result == nil {
		return nil, -1, usage, fmt.Errorf("fork %s: selector chose invalid variant %d", nodeID, idx)
	}
	o.logger.Log("[fork] %s selected variant %d of %d", nodeID, idx, len(variants))
	return variants[idx].Result, idx, usage, nil
}
