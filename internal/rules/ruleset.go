package rules

// RuleSet is the merged, immutable result of loading the configured sources
// in precedence order. It carries a per-executable index so commands with no
// applicable rule are rejected without evaluating a single condition.
type RuleSet struct {
	rules     []*Rule
	byExe     map[string][]*Rule
	wildcards []*Rule
}

func newRuleSet(merged []*Rule) *RuleSet {
	ruleSet := &RuleSet{
		rules: merged,
		byExe: map[string][]*Rule{},
	}
	for _, rule := range merged {
		if rule.Wildcard() {
			ruleSet.wildcards = append(ruleSet.wildcards, rule)
			continue
		}
		for _, executable := range rule.Commands {
			ruleSet.byExe[executable] = append(ruleSet.byExe[executable], rule)
		}
	}
	return ruleSet
}

// Candidates returns the rules that could apply to the executable, in rule
// source order. The nil fast path is a map lookup: when neither the index nor
// the wildcard bucket has an entry, no condition is ever evaluated.
func (ruleSet *RuleSet) Candidates(executable string) []*Rule {
	if len(ruleSet.wildcards) == 0 && len(ruleSet.byExe[executable]) == 0 {
		return nil
	}
	candidates := make([]*Rule, 0, len(ruleSet.byExe[executable])+len(ruleSet.wildcards))
	for _, rule := range ruleSet.rules {
		if rule.AppliesTo(executable) {
			candidates = append(candidates, rule)
		}
	}
	return candidates
}

// Rules returns the merged rules in source order.
func (ruleSet *RuleSet) Rules() []*Rule {
	return ruleSet.rules
}

func (ruleSet *RuleSet) Len() int {
	return len(ruleSet.rules)
}
