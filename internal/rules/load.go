package rules

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"cmdwarden/internal/decision"
)

// Scope ranks a rule source by trust. Defaults ship with the daemon, the
// global source is the user's own configuration, and local sources come from
// repositories and may only narrow behavior.
type Scope string

const (
	ScopeDefault Scope = "default"
	ScopeGlobal  Scope = "global"
	ScopeLocal   Scope = "local"
)

// Source is one rule file to load, in precedence order.
type Source struct {
	Path  string
	Scope Scope
}

type ruleFile struct {
	Rules     []ruleSpec     `yaml:"rules"`
	Overrides []overrideSpec `yaml:"overrides,omitempty"`
}

type ruleSpec struct {
	Name          string          `yaml:"name"`
	Commands      []string        `yaml:"commands,omitempty"`
	Directory     string          `yaml:"directory,omitempty"`
	Conditions    []conditionSpec `yaml:"conditions,omitempty"`
	Action        string          `yaml:"action"`
	Redirect      string          `yaml:"redirect,omitempty"`
	Message       string          `yaml:"message,omitempty"`
	Context       string          `yaml:"context,omitempty"`
	AllowOverride bool            `yaml:"allow_override,omitempty"`
}

type conditionSpec struct {
	Type     string   `yaml:"type"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Value    string   `yaml:"value,omitempty"`
	Branches []string `yaml:"branches,omitempty"`
	InRepo   *bool    `yaml:"in_repo,omitempty"`
	Path     string   `yaml:"path,omitempty"`
	Name     string   `yaml:"name,omitempty"`
	Equals   string   `yaml:"equals,omitempty"`
}

type overrideSpec struct {
	Rule    string `yaml:"rule"`
	Disable bool   `yaml:"disable,omitempty"`
	Action  string `yaml:"action,omitempty"`
}

// loadAll merges the sources in order. A source that fails to parse,
// compile, or validate is skipped in full; its error is returned alongside
// the rule set built from the remaining sources. Missing files are not
// errors; an absent repo-local source is the normal case.
// sourcedOverride keeps the declaring file with the override so a rejected
// override can be reported against it.
type sourcedOverride struct {
	spec overrideSpec
	file string
}

func loadAll(sources []Source) (*RuleSet, []error) {
	var merged []*Rule
	byName := map[string]*Rule{}
	var skipped []error
	var globalOverrides []sourcedOverride

	for _, source := range sources {
		raw, readErr := os.ReadFile(source.Path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue
			}
			skipped = append(skipped, fmt.Errorf("read rule source %s: %w", source.Path, readErr))
			continue
		}

		var file ruleFile
		if decodeErr := yaml.Unmarshal(raw, &file); decodeErr != nil {
			skipped = append(skipped, &DefinitionError{File: source.Path, Err: decodeErr})
			continue
		}

		if len(file.Overrides) > 0 && source.Scope != ScopeGlobal {
			skipped = append(skipped, &ValidationError{
				File:   source.Path,
				Field:  "overrides",
				Reason: "overrides are only honored in the global source",
			})
			continue
		}

		compiled, compileErr := compileSource(source, file.Rules)
		if compileErr != nil {
			skipped = append(skipped, compileErr)
			continue
		}
		if validateErr := validateAgainst(byName, source, compiled); validateErr != nil {
			skipped = append(skipped, validateErr)
			continue
		}

		for _, rule := range compiled {
			existing, known := byName[rule.Name]
			if known && existing.AllowOverride {
				// The higher-trust author opted in to replacement.
				for position, candidate := range merged {
					if candidate == existing {
						merged[position] = rule
						break
					}
				}
				byName[rule.Name] = rule
				continue
			}
			merged = append(merged, rule)
			if !known {
				byName[rule.Name] = rule
			}
		}
		for _, override := range file.Overrides {
			globalOverrides = append(globalOverrides, sourcedOverride{spec: override, file: source.Path})
		}
	}

	merged, overrideErrors := applyOverrides(merged, globalOverrides)
	skipped = append(skipped, overrideErrors...)
	return newRuleSet(merged), skipped
}

func compileSource(source Source, specs []ruleSpec) ([]*Rule, error) {
	seen := map[string]bool{}
	compiled := make([]*Rule, 0, len(specs))
	for _, spec := range specs {
		rule, compileErr := compileRule(source, spec)
		if compileErr != nil {
			return nil, compileErr
		}
		if seen[rule.Name] {
			return nil, &DefinitionError{
				File: source.Path, Rule: rule.Name, Field: "name",
				Err: fmt.Errorf("duplicate rule name"),
			}
		}
		seen[rule.Name] = true
		compiled = append(compiled, rule)
	}
	return compiled, nil
}

func compileRule(source Source, spec ruleSpec) (*Rule, error) {
	if spec.Name == "" {
		return nil, &DefinitionError{File: source.Path, Field: "name", Err: fmt.Errorf("rule name is required")}
	}

	action, actionErr := decision.ParseAction(spec.Action)
	if actionErr != nil {
		return nil, &DefinitionError{File: source.Path, Rule: spec.Name, Field: "action", Err: actionErr}
	}
	if action == decision.ActionRedirect && spec.Redirect == "" {
		return nil, &DefinitionError{
			File: source.Path, Rule: spec.Name, Field: "redirect",
			Err: fmt.Errorf("redirect action requires a target template"),
		}
	}

	contextFilter := ContextFilter(spec.Context)
	switch contextFilter {
	case "":
		contextFilter = ContextAll
	case ContextAll, ContextAIOnly, ContextHumanOnly:
	default:
		return nil, &DefinitionError{
			File: source.Path, Rule: spec.Name, Field: "context",
			Err: fmt.Errorf("unknown context filter %q", spec.Context),
		}
	}

	rule := &Rule{
		Name:           spec.Name,
		Commands:       spec.Commands,
		Directory:      spec.Directory,
		Action:         action,
		RedirectTarget: spec.Redirect,
		Message:        spec.Message,
		Context:        contextFilter,
		AllowOverride:  spec.AllowOverride,
		Source:         source.Path,
	}

	if spec.Directory != "" {
		directoryRegex, regexErr := regexp.Compile(spec.Directory)
		if regexErr != nil {
			return nil, &DefinitionError{File: source.Path, Rule: spec.Name, Field: "directory", Err: regexErr}
		}
		rule.directoryRegex = directoryRegex
	}

	for _, conditionSpec := range spec.Conditions {
		condition, conditionErr := compileCondition(source, spec.Name, conditionSpec)
		if conditionErr != nil {
			return nil, conditionErr
		}
		rule.Conditions = append(rule.Conditions, condition)
	}
	return rule, nil
}

func compileCondition(source Source, ruleName string, spec conditionSpec) (Condition, error) {
	fail := func(field string, err error) (Condition, error) {
		return Condition{}, &DefinitionError{File: source.Path, Rule: ruleName, Field: field, Err: err}
	}

	switch ConditionType(spec.Type) {
	case ConditionCommandMatches, ConditionGitBranchMatches, ConditionDirectoryMatches:
		if spec.Pattern == "" {
			return fail("pattern", fmt.Errorf("condition %s requires a pattern", spec.Type))
		}
		compiledRegex, regexErr := regexp.Compile(spec.Pattern)
		if regexErr != nil {
			return fail("pattern", regexErr)
		}
		return Condition{Type: ConditionType(spec.Type), Pattern: spec.Pattern, regex: compiledRegex}, nil
	case ConditionCommandContains, ConditionCommandPrefix:
		if spec.Value == "" {
			return fail("value", fmt.Errorf("condition %s requires a value", spec.Type))
		}
		return Condition{Type: ConditionType(spec.Type), Value: spec.Value}, nil
	case ConditionGitBranchIn:
		if len(spec.Branches) == 0 {
			return fail("branches", fmt.Errorf("condition git_branch_in requires at least one branch"))
		}
		return Condition{Type: ConditionGitBranchIn, Branches: spec.Branches}, nil
	case ConditionInGitRepo:
		if spec.InRepo == nil {
			return fail("in_repo", fmt.Errorf("condition in_git_repo requires in_repo"))
		}
		return Condition{Type: ConditionInGitRepo, InRepo: *spec.InRepo}, nil
	case ConditionFileExists:
		if spec.Path == "" {
			return fail("path", fmt.Errorf("condition file_exists requires a path"))
		}
		return Condition{Type: ConditionFileExists, Path: spec.Path}, nil
	case ConditionEnvEquals:
		if spec.Name == "" {
			return fail("name", fmt.Errorf("condition env_equals requires a variable name"))
		}
		return Condition{Type: ConditionEnvEquals, EnvName: spec.Name, EnvValue: spec.Equals}, nil
	default:
		return fail("type", fmt.Errorf("unknown condition type %q", spec.Type))
	}
}

// validateAgainst enforces the additive-only invariant: a later source may
// re-declare a rule name only if it keeps the outcome at least as strict,
// unless the earlier rule opted in with allow_override. Deny or
// require_approval can never be relaxed to allow, override or not.
func validateAgainst(byName map[string]*Rule, source Source, compiled []*Rule) error {
	for _, rule := range compiled {
		existing, known := byName[rule.Name]
		if !known {
			continue
		}
		if rule.Action.Precedence() >= existing.Action.Precedence() {
			continue
		}
		if rule.Action == decision.ActionAllow &&
			(existing.Action == decision.ActionDeny || existing.Action == decision.ActionRequireApproval) {
			return &ValidationError{
				File: source.Path, Rule: rule.Name, Field: "action",
				Reason: fmt.Sprintf("cannot relax %s to allow (declared %s in %s)",
					existing.Action, existing.Action, existing.Source),
			}
		}
		if !existing.AllowOverride {
			return &ValidationError{
				File: source.Path, Rule: rule.Name, Field: "action",
				Reason: fmt.Sprintf("cannot relax %s to %s: %s does not set allow_override",
					existing.Action, rule.Action, existing.Source),
			}
		}
	}
	return nil
}

// applyOverrides disables and adjusts merged rules per the global overrides
// list. An action override may only tighten: a relaxing override is skipped
// and reported, never applied. Disabling stays unrestricted, removing a rule
// is an explicit act by the global author.
func applyOverrides(merged []*Rule, overrides []sourcedOverride) ([]*Rule, []error) {
	if len(overrides) == 0 {
		return merged, nil
	}
	var skipped []error
	disabled := map[string]bool{}
	adjusted := map[string]decision.Action{}
	adjustedFile := map[string]string{}
	for _, override := range overrides {
		if override.spec.Disable {
			disabled[override.spec.Rule] = true
			continue
		}
		if override.spec.Action == "" {
			continue
		}
		action, parseErr := decision.ParseAction(override.spec.Action)
		if parseErr != nil {
			skipped = append(skipped, &DefinitionError{
				File: override.file, Rule: override.spec.Rule, Field: "action", Err: parseErr,
			})
			continue
		}
		adjusted[override.spec.Rule] = action
		adjustedFile[override.spec.Rule] = override.file
	}

	result := make([]*Rule, 0, len(merged))
	for _, rule := range merged {
		if disabled[rule.Name] {
			continue
		}
		if action, adjust := adjusted[rule.Name]; adjust {
			switch {
			case action.Precedence() < rule.Action.Precedence():
				skipped = append(skipped, &ValidationError{
					File: adjustedFile[rule.Name], Rule: rule.Name, Field: "action",
					Reason: fmt.Sprintf("override cannot relax %s to %s; use disable to drop the rule",
						rule.Action, action),
				})
			case action == decision.ActionRedirect && rule.RedirectTarget == "":
				skipped = append(skipped, &ValidationError{
					File: adjustedFile[rule.Name], Rule: rule.Name, Field: "action",
					Reason: "cannot override to redirect: rule has no redirect target",
				})
			default:
				copied := *rule
				copied.Action = action
				rule = &copied
			}
		}
		result = append(result, rule)
	}
	return result, skipped
}
