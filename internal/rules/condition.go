package rules

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"cmdwarden/internal/command"
)

// ConditionType is the closed set of condition discriminators a rule source
// may use. Unknown tags fail the load, never silently pass.
type ConditionType string

const (
	ConditionCommandMatches   ConditionType = "command_matches"
	ConditionCommandContains  ConditionType = "command_contains"
	ConditionCommandPrefix    ConditionType = "command_prefix"
	ConditionGitBranchIn      ConditionType = "git_branch_in"
	ConditionGitBranchMatches ConditionType = "git_branch_matches"
	ConditionInGitRepo        ConditionType = "in_git_repo"
	ConditionDirectoryMatches ConditionType = "directory_matches"
	ConditionFileExists       ConditionType = "file_exists"
	ConditionEnvEquals        ConditionType = "env_equals"
)

// Condition is one pre-compiled predicate of a rule. Regex-bearing variants
// carry their compiled pattern so per-request evaluation never re-parses.
type Condition struct {
	Type     ConditionType
	Pattern  string
	Value    string
	Branches []string
	InRepo   bool
	Path     string
	EnvName  string
	EnvValue string

	regex *regexp.Regexp
}

// Evaluate applies the condition to a command context. Absent runtime data
// (no git repository, unset variable) evaluates to false rather than
// erroring; file_exists is the only variant that touches the filesystem.
func (condition Condition) Evaluate(context *command.Context) bool {
	switch condition.Type {
	case ConditionCommandMatches:
		return condition.regex.MatchString(context.Raw)
	case ConditionCommandContains:
		return strings.Contains(context.Raw, condition.Value)
	case ConditionCommandPrefix:
		return strings.HasPrefix(context.Raw, condition.Value)
	case ConditionGitBranchIn:
		facts := context.GitFacts()
		if !facts.InRepo {
			return false
		}
		for _, branch := range condition.Branches {
			if branch == facts.Branch {
				return true
			}
		}
		return false
	case ConditionGitBranchMatches:
		facts := context.GitFacts()
		return facts.InRepo && condition.regex.MatchString(facts.Branch)
	case ConditionInGitRepo:
		return context.GitFacts().InRepo == condition.InRepo
	case ConditionDirectoryMatches:
		return condition.regex.MatchString(context.Dir)
	case ConditionFileExists:
		target := condition.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(context.Dir, target)
		}
		_, statErr := os.Stat(target)
		return statErr == nil
	case ConditionEnvEquals:
		value, present := context.Env[condition.EnvName]
		return present && value == condition.EnvValue
	default:
		return false
	}
}
