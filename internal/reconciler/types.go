package reconciler

import (
	"context"
	"fmt"
	"time"

	"adguardsync/internal/rewrite"
)

// Action is the remote mutation decided for a domain during a pass.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// RuleClient is the remote rule surface the reconciler mutates. Implemented
// by the AdGuard client; tests substitute a fake.
type RuleClient interface {
	ListRules(ctx context.Context) (rewrite.RemoteState, error)
	AddRule(ctx context.Context, rule rewrite.Rule) error
	UpdateRule(ctx context.Context, old, new rewrite.Rule) error
	DeleteRule(ctx context.Context, rule rewrite.Rule) error
}

// StateStore persists the managed rule record between passes.
type StateStore interface {
	Load(ctx context.Context) (rewrite.ManagedState, error)
	Save(ctx context.Context, state rewrite.ManagedState) error
}

// RuleError records one failed per-rule mutation. Failures accumulate in
// the pass result instead of aborting the pass.
type RuleError struct {
	Domain string
	Action Action
	Err    error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Domain, e.Err)
}

// Result is the outcome of one reconciliation pass. Counts are exact for
// the pass; callers aggregate them across passes.
type Result struct {
	// PassID identifies the pass in logs and health output.
	PassID string

	// Created, Updated and Deleted count successful remote mutations.
	Created int
	Updated int
	Deleted int

	// Unchanged counts desired rules that needed no remote call.
	Unchanged int

	// Skipped counts domains left alone: taken over externally or withheld
	// by the deletion safety threshold.
	Skipped int

	// Errors holds per-rule failures from the apply phase.
	Errors []RuleError

	// Duration is the wall time of the pass.
	Duration time.Duration
}

// Mutations returns the number of successful remote mutations in the pass.
func (r Result) Mutations() int {
	return r.Created + r.Updated + r.Deleted
}

// Config bounds a reconciliation pass.
type Config struct {
	// SafetyThreshold is the fraction of the managed state that may be
	// deleted in one pass. When the delete candidates exceed it, all
	// deletions are withheld for the pass.
	SafetyThreshold float64
}
