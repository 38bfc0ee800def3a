package decision

import "testing"

func TestParseAction(t *testing.T) {
	for _, valid := range []string{"allow", "deny", "require_approval", "redirect"} {
		action, err := ParseAction(valid)
		if err != nil {
			t.Fatalf("parse %q failed: %v", valid, err)
		}
		if string(action) != valid {
			t.Fatalf("expected %q, got %q", valid, action)
		}
	}
	if _, err := ParseAction("block"); err == nil {
		t.Fatalf("expected unknown action to fail")
	}
}

func TestPrecedenceOrdering(t *testing.T) {
	if ActionDeny.Precedence() <= ActionRequireApproval.Precedence() {
		t.Fatalf("deny must outrank require_approval")
	}
	if ActionRequireApproval.Precedence() <= ActionRedirect.Precedence() {
		t.Fatalf("require_approval must outrank redirect")
	}
	if ActionRedirect.Precedence() <= ActionAllow.Precedence() {
		t.Fatalf("redirect must outrank allow")
	}
}

func TestAggregateEmpty(t *testing.T) {
	result := Aggregate(nil)
	if result.Action != ActionAllow {
		t.Fatalf("no matches should aggregate to allow, got %q", result.Action)
	}
}

func TestAggregateDenyWins(t *testing.T) {
	result := Aggregate([]Decision{
		{Action: ActionAllow, RuleName: "allow-it"},
		{Action: ActionRequireApproval, RuleName: "ask-first"},
		{Action: ActionDeny, RuleName: "never"},
		{Action: ActionRedirect, RuleName: "reroute"},
	})
	if result.Action != ActionDeny || result.RuleName != "never" {
		t.Fatalf("expected deny from rule never, got %s from %s", result.Action, result.RuleName)
	}
}

func TestAggregateTieKeepsFirstMatch(t *testing.T) {
	result := Aggregate([]Decision{
		{Action: ActionDeny, RuleName: "first"},
		{Action: ActionDeny, RuleName: "second"},
	})
	if result.RuleName != "first" {
		t.Fatalf("equal precedence should keep the earliest match, got %s", result.RuleName)
	}
}

func TestAggregateOrderInsensitiveOutcome(t *testing.T) {
	matches := []Decision{
		{Action: ActionAllow, RuleName: "a"},
		{Action: ActionRedirect, RuleName: "b"},
		{Action: ActionRequireApproval, RuleName: "c"},
	}
	forward := Aggregate(matches)
	reversed := Aggregate([]Decision{matches[2], matches[1], matches[0]})
	if forward.Action != reversed.Action {
		t.Fatalf("aggregation action depends on match order: %s vs %s", forward.Action, reversed.Action)
	}
}
