package breaker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mode selects how Aggregate combines branch outcomes.
type Mode int

const (
	// AllMustSucceed fails the aggregate if any branch fails, naming
	// every failed branch.
	AllMustSucceed Mode = iota

	// BestEffort always succeeds; each branch entry carries its own
	// outcome and the caller decides what a partial result means.
	BestEffort
)

// Spec describes one aggregation branch: a named operation guarded by
// its own breaker.
type Spec[T any] struct {
	Name    string
	Breaker *Breaker
	Op      Operation[T]
}

// Result is the terminal outcome of one branch.
type Result[T any] struct {
	Value T
	Err   error
}

// BranchError names a failed branch and its cause.
type BranchError struct {
	Branch string
	Err    error
}

func (e BranchError) Error() string {
	return fmt.Sprintf("branch %q: %v", e.Branch, e.Err)
}

func (e BranchError) Unwrap() error { return e.Err }

// AggregateError reports every failed branch of an all-must-succeed
// aggregation, not just the first.
type AggregateError struct {
	Branches []BranchError
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Branches))
	for i, b := range e.Branches {
		parts[i] = b.Error()
	}
	return "aggregation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the branch causes to errors.Is/errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Branches))
	for i, b := range e.Branches {
		errs[i] = b
	}
	return errs
}

// Aggregate runs every spec concurrently through Do and waits for all
// branches to reach a terminal outcome. There is no early exit on first
// failure: fast branches keep their results even when a sibling later
// fails, and each branch is bounded only by its own breaker's call
// timeout.
//
// In AllMustSucceed mode the returned error is a *AggregateError listing
// each failed branch (nil when all succeeded). In BestEffort mode the
// error is always nil and each Result records its own success or failure.
// The result map is keyed by branch name in both modes.
func Aggregate[T any](ctx context.Context, specs []Spec[T], mode Mode) (map[string]Result[T], error) {
	results := make(map[string]Result[T], len(specs))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, spec := range specs {
		wg.Add(1)
		go func(spec Spec[T]) {
			defer wg.Done()
			v, err := Do(ctx, spec.Breaker, spec.Op)
			mu.Lock()
			results[spec.Name] = Result[T]{Value: v, Err: err}
			mu.Unlock()
		}(spec)
	}

	wg.Wait()

	if mode == BestEffort {
		return results, nil
	}

	var failed []BranchError
	for name, res := range results {
		if res.Err != nil {
			failed = append(failed, BranchError{Branch: name, Err: res.Err})
		}
	}
	if len(failed) == 0 {
		return results, nil
	}

	// Deterministic ordering for logs and response bodies.
	sort.Slice(failed, func(i, j int) bool { return failed[i].Branch < failed[j].Branch })
	return results, &AggregateError{Branches: failed}
}
