package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultLocalName is the repo-local rule file discovered by walking up from
// a request's working directory.
const DefaultLocalName = ".cmdwarden.yaml"

type sourceState struct {
	path    string
	exists  bool
	modTime time.Time
	size    int64
}

type cachedRuleSet struct {
	state   []sourceState
	ruleSet *RuleSet
}

// Store produces the current RuleSet for a request. Built rule sets are
// memoized on the (path, mtime, size) state of every contributing source, so
// the per-command reload that real deployments do costs two or three stat
// calls when nothing changed, with no re-parse and no regex recompilation.
type Store struct {
	fixed     []Source
	localName string
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*cachedRuleSet
}

func NewStore(fixed []Source, localName string, logger *slog.Logger) *Store {
	if localName == "" {
		localName = DefaultLocalName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fixed:     fixed,
		localName: localName,
		logger:    logger,
		cache:     map[string]*cachedRuleSet{},
	}
}

// Load returns the RuleSet for a request running in workingDir. The
// repo-local source, if any, is discovered by walking up from workingDir.
// An unchanged source state returns the identical cached *RuleSet. When a
// source breaks after a good load, the previous good RuleSet stays active
// and the failure is logged.
func (store *Store) Load(workingDir string) (*RuleSet, error) {
	localPath := findLocalSource(workingDir, store.localName)
	sources := store.sourcesFor(localPath)
	state := captureState(sources)

	store.mu.Lock()
	defer store.mu.Unlock()

	cached, known := store.cache[localPath]
	if known && statesEqual(cached.state, state) {
		return cached.ruleSet, nil
	}

	ruleSet, skipped := loadAll(sources)
	for _, skipErr := range skipped {
		store.logger.Error("rule source skipped", "error", skipErr)
	}
	if len(skipped) > 0 && known {
		// Keep the previous good rule set rather than dropping the rules of a
		// source that just went bad.
		return cached.ruleSet, nil
	}

	store.cache[localPath] = &cachedRuleSet{state: state, ruleSet: ruleSet}
	return ruleSet, nil
}

// Check loads every source once and returns the per-source failures; used by
// the offline validation subcommand.
func (store *Store) Check(workingDir string) (*RuleSet, []error) {
	localPath := findLocalSource(workingDir, store.localName)
	return loadAll(store.sourcesFor(localPath))
}

func (store *Store) sourcesFor(localPath string) []Source {
	sources := make([]Source, 0, len(store.fixed)+1)
	sources = append(sources, store.fixed...)
	if localPath != "" {
		sources = append(sources, Source{Path: localPath, Scope: ScopeLocal})
	}
	return sources
}

// findLocalSource walks from dir toward the root looking for the repo-local
// rule file, the way the project policy file is discovered.
func findLocalSource(dir string, name string) string {
	if dir == "" {
		return ""
	}
	current, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(current, name)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

func captureState(sources []Source) []sourceState {
	state := make([]sourceState, 0, len(sources))
	for _, source := range sources {
		entry := sourceState{path: source.Path}
		if info, statErr := os.Stat(source.Path); statErr == nil {
			entry.exists = true
			entry.modTime = info.ModTime()
			entry.size = info.Size()
		}
		state = append(state, entry)
	}
	return state
}

func statesEqual(left []sourceState, right []sourceState) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
