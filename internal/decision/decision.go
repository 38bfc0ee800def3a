package decision

import "fmt"

// Action is the outcome a rule asks for when it matches a command.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"
	ActionRedirect        Action = "redirect"
)

func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionAllow, ActionDeny, ActionRequireApproval, ActionRedirect:
		return Action(raw), nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

// Precedence ranks actions for aggregation: deny beats require_approval
// beats redirect beats allow.
func (action Action) Precedence() int {
	switch action {
	case ActionDeny:
		return 4
	case ActionRequireApproval:
		return 3
	case ActionRedirect:
		return 2
	case ActionAllow:
		return 1
	default:
		return 0
	}
}

// Decision is the aggregated result of evaluating a command against the
// active rule set.
type Decision struct {
	Action         Action
	RuleName       string
	Message        string
	RedirectTarget string
	// DirectoryScoped reports whether the winning rule carried a directory
	// pattern; approval memory keys include the working directory when set.
	DirectoryScoped bool
}

// Allow is the implicit decision for commands no rule applies to.
func Allow() Decision {
	return Decision{Action: ActionAllow}
}

// Aggregate reduces the decisions of every matching rule to a single one.
// Higher-precedence actions win; ties keep the earliest match in rule-source
// order, so the result does not depend on how equal-precedence matches are
// ordered relative to each other.
func Aggregate(matches []Decision) Decision {
	if len(matches) == 0 {
		return Allow()
	}
	winner := matches[0]
	for _, candidate := range matches[1:] {
		if candidate.Action.Precedence() > winner.Action.Precedence() {
			winner = candidate
		}
	}
	return winner
}
