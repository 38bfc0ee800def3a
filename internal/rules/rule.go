package rules

import (
	"regexp"

	"cmdwarden/internal/command"
	"cmdwarden/internal/decision"
)

// ContextFilter scopes a rule to AI callers, human callers, or both.
type ContextFilter string

const (
	ContextAll       ContextFilter = "all"
	ContextAIOnly    ContextFilter = "ai_only"
	ContextHumanOnly ContextFilter = "human_only"
)

func (filter ContextFilter) Includes(caller command.Caller) bool {
	switch filter {
	case ContextAIOnly:
		return caller == command.CallerAI
	case ContextHumanOnly:
		return caller == command.CallerHuman
	default:
		return true
	}
}

// Rule is one compiled entry of a rule source. Conditions are AND-ed and
// short-circuit on the first failure.
type Rule struct {
	Name           string
	Commands       []string
	Directory      string
	Conditions     []Condition
	Action         decision.Action
	RedirectTarget string
	Message        string
	Context        ContextFilter
	AllowOverride  bool
	Source         string

	directoryRegex *regexp.Regexp
}

// AppliesTo reports whether the rule's commands list covers the executable.
// An empty list or a "*" entry covers every command.
func (rule *Rule) AppliesTo(executable string) bool {
	if len(rule.Commands) == 0 {
		return true
	}
	for _, candidate := range rule.Commands {
		if candidate == "*" || candidate == executable {
			return true
		}
	}
	return false
}

// Wildcard reports whether the rule applies to all executables, which keeps
// it out of the per-executable index.
func (rule *Rule) Wildcard() bool {
	if len(rule.Commands) == 0 {
		return true
	}
	for _, candidate := range rule.Commands {
		if candidate == "*" {
			return true
		}
	}
	return false
}

// Matches evaluates the directory pattern and every condition against the
// command context.
func (rule *Rule) Matches(context *command.Context) bool {
	if rule.directoryRegex != nil && !rule.directoryRegex.MatchString(context.Dir) {
		return false
	}
	for _, condition := range rule.Conditions {
		if !condition.Evaluate(context) {
			return false
		}
	}
	return true
}

// Decision is the outcome this rule contributes when it matches.
func (rule *Rule) Decision() decision.Decision {
	return decision.Decision{
		Action:          rule.Action,
		RuleName:        rule.Name,
		Message:         rule.Message,
		RedirectTarget:  rule.RedirectTarget,
		DirectoryScoped: rule.Directory != "",
	}
}
