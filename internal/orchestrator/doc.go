// Package orchestrator drives a compiled agent graph to completion.
//
// An Orchestrator owns one ReadyTracker per run and processes completions
// serially on its loop goroutine, while node work runs on a bounded pool.
// Every node passes through budget admission and the middleware chain,
// and receives a subagent dispatcher scoped to itself.
//
// Example usage:
//
//	g, err := builder.Build()
//	if err != nil {
//		return err
//	}
//	o := orchestrator.New(orchestrator.RequiredConfig{Graph: g, Executor: exec},
//		orchestrator.WithBudget(budget.New(budget.DefaultConfig(200000))),
//		orchestrator.WithMaxParallel(4),
//	)
//	result, err := o.Run(ctx)
package orchestrator
