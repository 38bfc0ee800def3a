package evaluate

import (
	"log/slog"

	"cmdwarden/internal/command"
	"cmdwarden/internal/decision"
	"cmdwarden/internal/rules"
)

// Evaluator turns a command context into a decision by consulting the rule
// store. It never fails for a well-formed command: conditions with missing
// runtime data evaluate to false and a broken rule load falls back to the
// store's previous good rule set.
type Evaluator struct {
	store  *rules.Store
	logger *slog.Logger
}

func New(store *rules.Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: store, logger: logger}
}

// Evaluate runs the decision algorithm:
//
//  1. the per-executable index rejects commands with no applicable rule in
//     O(1), the dominant case;
//  2. candidate rules are filtered by caller context and directory pattern,
//     then their conditions run in order with short-circuiting;
//  3. all matching rules' decisions aggregate by precedence, ties keeping
//     the first match in source order.
func (evaluator *Evaluator) Evaluate(context *command.Context) decision.Decision {
	ruleSet, loadErr := evaluator.store.Load(context.Dir)
	if loadErr != nil {
		evaluator.logger.Error("rule load failed, no rules active", "error", loadErr)
		return decision.Allow()
	}

	candidates := ruleSet.Candidates(context.Exe)
	if len(candidates) == 0 {
		return decision.Allow()
	}

	var matched []decision.Decision
	for _, rule := range candidates {
		if !rule.Context.Includes(context.Caller) {
			continue
		}
		if !rule.Matches(context) {
			continue
		}
		matched = append(matched, rule.Decision())
	}
	if len(matched) == 0 {
		return decision.Allow()
	}
	return decision.Aggregate(matched)
}
