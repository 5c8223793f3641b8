package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"adguardsync/internal/rewrite"
	"adguardsync/pkg/logging"
)

// Reconciler drives the remote rule set towards the desired state while
// never touching rules it does not manage.
//
// Each pass is a three-way comparison between the desired state computed
// from discovery, the durable record of previously managed rules, and the
// rule set the server currently reports. Membership in the managed record
// decides ownership; the remote list decides which calls are actually
// needed and guards against clobbering out-of-band changes.
type Reconciler struct {
	client RuleClient
	store  StateStore
	config Config
}

// New creates a reconciler.
func New(client RuleClient, store StateStore, config Config) *Reconciler {
	return &Reconciler{client: client, store: store, config: config}
}

// plannedOp is one decided remote mutation.
type plannedOp struct {
	action Action
	domain string
	old    rewrite.Rule // update: server-side pair to replace; delete: pair to remove
	new    rewrite.Rule // create/update: pair to apply
}

// Reconcile runs one pass: load managed state, fetch remote state, diff
// against desired, apply the minimal mutations, persist the new managed
// state. Pass-level failures (list or load) abort before any mutation and
// return an error; per-rule failures accumulate in the result.
func (r *Reconciler) Reconcile(ctx context.Context, desired rewrite.DesiredState) (Result, error) {
	start := time.Now()
	result := Result{PassID: uuid.NewString()}

	managed, err := r.store.Load(ctx)
	if err != nil {
		return result, err
	}

	remote, err := r.client.ListRules(ctx)
	if err != nil {
		return result, err
	}

	logging.Info("Reconciler", "Pass %s: %d desired, %d managed, %d remote rules",
		result.PassID, len(desired), len(managed), len(remote))

	now := time.Now().UTC()
	next := make(rewrite.ManagedState, len(desired))
	var ops []plannedOp
	attempted := false

	for domain, answer := range desired {
		record, isManaged := managed[domain]
		remoteAnswer, onRemote := remote[domain]

		switch {
		case !isManaged && onRemote && remoteAnswer == answer:
			// An earlier create succeeded but its record was lost before it
			// could be persisted. Re-adopt without a remote call.
			logging.Info("Reconciler", "Rule %s -> %s already present, adopting", domain, answer)
			next[domain] = rewrite.ManagedRecord{
				Rule:       rewrite.Rule{Domain: domain, Answer: answer},
				CreatedAt:  now,
				LastSeenAt: now,
			}
			result.Created++

		case !isManaged && onRemote:
			// The domain is occupied by a rule someone else created.
			logging.Warn("Reconciler", "Domain %s exists remotely with foreign answer %s, leaving it alone", domain, remoteAnswer)
			result.Skipped++

		case !isManaged:
			ops = append(ops, plannedOp{
				action: ActionCreate,
				domain: domain,
				new:    rewrite.Rule{Domain: domain, Answer: answer},
			})

		case !onRemote:
			// Managed rule vanished from the server; re-create it.
			logging.Warn("Reconciler", "Managed rule %s missing remotely, re-creating", domain)
			ops = append(ops, plannedOp{
				action: ActionCreate,
				domain: domain,
				new:    rewrite.Rule{Domain: domain, Answer: answer},
			})

		case remoteAnswer != record.Rule.Answer:
			// The server-side answer no longer matches what this controller
			// recorded: a human repurposed the rule. Release ownership and
			// leave it untouched.
			logging.Warn("Reconciler", "Rule %s taken over externally (%s -> %s), releasing without changes",
				domain, record.Rule.Answer, remoteAnswer)
			result.Skipped++
			attempted = true

		case remoteAnswer == answer:
			record.Rule = rewrite.Rule{Domain: domain, Answer: answer}
			record.LastSeenAt = now
			next[domain] = record
			result.Unchanged++

		default:
			ops = append(ops, plannedOp{
				action: ActionUpdate,
				domain: domain,
				old:    rewrite.Rule{Domain: domain, Answer: remoteAnswer},
				new:    rewrite.Rule{Domain: domain, Answer: answer},
			})
		}
	}

	// Managed domains no longer desired become delete candidates, but only
	// where the server still holds the exact rule this controller recorded.
	var deletes []plannedOp
	for domain, record := range managed {
		if _, stillDesired := desired[domain]; stillDesired {
			continue
		}

		remoteAnswer, onRemote := remote[domain]
		switch {
		case !onRemote:
			// Already gone; drop the record without a call.
			logging.Debug("Reconciler", "Managed rule %s already absent remotely, forgetting it", domain)
			result.Deleted++
			attempted = true

		case remoteAnswer != record.Rule.Answer:
			// Repurposed by a human since we created it. Release ownership.
			logging.Warn("Reconciler", "Rule %s taken over externally (%s -> %s), releasing without delete",
				domain, record.Rule.Answer, remoteAnswer)
			result.Skipped++
			attempted = true

		default:
			deletes = append(deletes, plannedOp{
				action: ActionDelete,
				domain: domain,
				old:    record.Rule,
			})
		}
	}

	// Safety threshold: a transient empty discovery result must not wipe
	// the managed rule set. Denominator is the managed state at the start
	// of the pass.
	if len(deletes) > 0 && float64(len(deletes)) > r.config.SafetyThreshold*float64(len(managed)) {
		logging.Warn("Reconciler", "Safety threshold exceeded: %d of %d managed rules would be deleted (threshold %.0f%%), withholding all deletions",
			len(deletes), len(managed), r.config.SafetyThreshold*100)
		for _, op := range deletes {
			next[op.domain] = managed[op.domain]
			result.Skipped++
		}
		deletes = nil
	}
	ops = append(ops, deletes...)

	for _, op := range ops {
		attempted = true
		if err := r.apply(ctx, op); err != nil {
			logging.Error("Reconciler", err, "Failed to %s rule %s", op.action, op.domain)
			result.Errors = append(result.Errors, RuleError{Domain: op.domain, Action: op.action, Err: err})

			// Keep the old record for rules we already owned so the next
			// pass retries from accurate state.
			if record, ok := managed[op.domain]; ok {
				next[op.domain] = record
			}
			continue
		}

		switch op.action {
		case ActionCreate:
			record := rewrite.ManagedRecord{Rule: op.new, CreatedAt: now, LastSeenAt: now}
			if previous, ok := managed[op.domain]; ok {
				record.CreatedAt = previous.CreatedAt
			}
			next[op.domain] = record
			result.Created++
			logging.Info("Reconciler", "Created rule %s -> %s", op.domain, op.new.Answer)

		case ActionUpdate:
			record := rewrite.ManagedRecord{Rule: op.new, CreatedAt: now, LastSeenAt: now}
			if previous, ok := managed[op.domain]; ok {
				record.CreatedAt = previous.CreatedAt
			}
			next[op.domain] = record
			result.Updated++
			logging.Info("Reconciler", "Updated rule %s: %s -> %s", op.domain, op.old.Answer, op.new.Answer)

		case ActionDelete:
			result.Deleted++
			logging.Info("Reconciler", "Deleted rule %s -> %s", op.domain, op.old.Answer)
		}
	}

	result.Duration = time.Since(start)

	// Persist unless every attempted action failed; in that case the prior
	// record is more trustworthy than anything computed this pass.
	if attempted && result.Mutations() == 0 && len(result.Errors) > 0 {
		logging.Warn("Reconciler", "Pass %s: all %d actions failed, keeping previous persisted state", result.PassID, len(result.Errors))
		return result, nil
	}

	if err := r.store.Save(ctx, next); err != nil {
		logging.Error("Reconciler", err, "Pass %s: failed to persist managed state", result.PassID)
		return result, err
	}

	logging.Info("Reconciler", "Pass %s done in %s: %d created, %d updated, %d deleted, %d unchanged, %d skipped, %d errors",
		result.PassID, result.Duration.Round(time.Millisecond), result.Created, result.Updated,
		result.Deleted, result.Unchanged, result.Skipped, len(result.Errors))
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, op plannedOp) error {
	switch op.action {
	case ActionCreate:
		return r.client.AddRule(ctx, op.new)
	case ActionUpdate:
		return r.client.UpdateRule(ctx, op.old, op.new)
	default:
		return r.client.DeleteRule(ctx, op.old)
	}
}
