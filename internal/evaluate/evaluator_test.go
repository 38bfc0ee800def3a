package evaluate

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"cmdwarden/internal/command"
	"cmdwarden/internal/decision"
	"cmdwarden/internal/gitinfo"
	"cmdwarden/internal/rules"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", path, err)
	}
}

func gitRepoOnBranch(t *testing.T, branch string) string {
	t.Helper()
	repoDir := t.TempDir()
	gitDir := filepath.Join(repoDir, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatalf("create .git failed: %v", err)
	}
	writeFile(t, filepath.Join(gitDir, "HEAD"), "ref: refs/heads/"+branch+"\n")
	return repoDir
}

func newEvaluator(t *testing.T, ruleYAML string) *Evaluator {
	t.Helper()
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, rulesPath, ruleYAML)
	store := rules.NewStore([]rules.Source{{Path: rulesPath, Scope: rules.ScopeGlobal}}, "", quietLogger())
	return New(store, quietLogger())
}

const branchGuardRules = `
rules:
  - name: protect-main
    commands: [git]
    action: deny
    message: commit on a feature branch instead
    conditions:
      - type: command_prefix
        value: git commit
      - type: git_branch_in
        branches: [main, master]
`

func TestEvaluateDeniesCommitOnProtectedBranch(t *testing.T) {
	evaluator := newEvaluator(t, branchGuardRules)
	repoDir := gitRepoOnBranch(t, "main")

	context := command.NewContext("git commit -m wip", repoDir, nil, command.CallerHuman, gitinfo.NewCache(0))
	result := evaluator.Evaluate(context)
	if result.Action != decision.ActionDeny {
		t.Fatalf("expected deny on main, got %s", result.Action)
	}
	if result.RuleName != "protect-main" {
		t.Fatalf("expected rule protect-main, got %q", result.RuleName)
	}
}

func TestEvaluateAllowsCommitOnFeatureBranch(t *testing.T) {
	evaluator := newEvaluator(t, branchGuardRules)
	repoDir := gitRepoOnBranch(t, "feature/x")

	context := command.NewContext("git commit -m wip", repoDir, nil, command.CallerHuman, gitinfo.NewCache(0))
	if result := evaluator.Evaluate(context); result.Action != decision.ActionAllow {
		t.Fatalf("expected allow on feature branch, got %s", result.Action)
	}
}

func TestEvaluateAllowsOutsideRepository(t *testing.T) {
	evaluator := newEvaluator(t, branchGuardRules)
	context := command.NewContext("git commit -m wip", t.TempDir(), nil, command.CallerHuman, gitinfo.NewCache(0))
	if result := evaluator.Evaluate(context); result.Action != decision.ActionAllow {
		t.Fatalf("git conditions must fail closed to no-match outside a repo, got %s", result.Action)
	}
}

func TestEvaluateFastPathForUnruledExecutable(t *testing.T) {
	evaluator := newEvaluator(t, branchGuardRules)
	context := command.NewContext("ls -la", "/tmp", nil, command.CallerHuman, nil)
	if result := evaluator.Evaluate(context); result.Action != decision.ActionAllow {
		t.Fatalf("expected implicit allow, got %s", result.Action)
	}
}

func TestEvaluateDenyOutranksRequireApproval(t *testing.T) {
	evaluator := newEvaluator(t, `
rules:
  - name: ask-about-push
    commands: [git]
    action: require_approval
    conditions:
      - type: command_prefix
        value: git push
  - name: never-force-push
    commands: [git]
    action: deny
    conditions:
      - type: command_contains
        value: "--force"
`)
	context := command.NewContext("git push --force origin main", "/tmp", nil, command.CallerHuman, nil)
	result := evaluator.Evaluate(context)
	if result.Action != decision.ActionDeny || result.RuleName != "never-force-push" {
		t.Fatalf("deny must win the aggregation, got %s from %q", result.Action, result.RuleName)
	}
}

func TestEvaluateContextFilter(t *testing.T) {
	evaluator := newEvaluator(t, `
rules:
  - name: ai-no-curl
    commands: [curl]
    action: deny
    context: ai_only
`)
	aiContext := command.NewContext("curl https://example.com", "/tmp", nil, command.CallerAI, nil)
	if result := evaluator.Evaluate(aiContext); result.Action != decision.ActionDeny {
		t.Fatalf("ai_only rule must apply to AI callers, got %s", result.Action)
	}
	humanContext := command.NewContext("curl https://example.com", "/tmp", nil, command.CallerHuman, nil)
	if result := evaluator.Evaluate(humanContext); result.Action != decision.ActionAllow {
		t.Fatalf("ai_only rule must not apply to human callers, got %s", result.Action)
	}
}

func TestEvaluateWildcardRule(t *testing.T) {
	evaluator := newEvaluator(t, `
rules:
  - name: production-freeze
    commands: ["*"]
    action: require_approval
    conditions:
      - type: env_equals
        name: ENVIRONMENT
        equals: production
`)
	env := map[string]string{"ENVIRONMENT": "production"}
	context := command.NewContext("kubectl delete pod api", "/tmp", env, command.CallerHuman, nil)
	if result := evaluator.Evaluate(context); result.Action != decision.ActionRequireApproval {
		t.Fatalf("wildcard rule should match any executable, got %s", result.Action)
	}

	plain := command.NewContext("kubectl get pods", "/tmp", nil, command.CallerHuman, nil)
	if result := evaluator.Evaluate(plain); result.Action != decision.ActionAllow {
		t.Fatalf("wildcard rule conditions must still gate the match, got %s", result.Action)
	}
}

func TestEvaluateDirectoryScopedRule(t *testing.T) {
	evaluator := newEvaluator(t, `
rules:
  - name: infra-guard
    commands: [terraform]
    directory: /infra(/|$)
    action: require_approval
`)
	inside := command.NewContext("terraform apply", "/home/dev/infra", nil, command.CallerHuman, nil)
	result := evaluator.Evaluate(inside)
	if result.Action != decision.ActionRequireApproval {
		t.Fatalf("expected require_approval inside /infra, got %s", result.Action)
	}
	if !result.DirectoryScoped {
		t.Fatalf("directory rules must mark their decision directory scoped")
	}

	outside := command.NewContext("terraform apply", "/home/dev/app", nil, command.CallerHuman, nil)
	if result := evaluator.Evaluate(outside); result.Action != decision.ActionAllow {
		t.Fatalf("expected allow outside /infra, got %s", result.Action)
	}
}
