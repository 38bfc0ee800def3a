package gitinfo

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Facts holds the git-derived state of a working directory that rule
// conditions can match against.
type Facts struct {
	InRepo bool
	Branch string
}

type cacheEntry struct {
	facts     Facts
	fetchedAt time.Time
}

// Cache memoizes per-directory git facts for a short TTL so that a burst of
// command evaluations in the same directory reads .git/HEAD at most once.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]cacheEntry
}

const DefaultTTL = 2 * time.Second

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]cacheEntry{},
	}
}

// Lookup returns the git facts for dir, reading from the filesystem only when
// the cached entry is missing or older than the TTL. A directory outside any
// repository yields the zero Facts, never an error.
func (cache *Cache) Lookup(dir string) Facts {
	if dir == "" {
		return Facts{}
	}
	now := cache.now()
	cache.mu.Lock()
	entry, exists := cache.entries[dir]
	cache.mu.Unlock()
	if exists && now.Sub(entry.fetchedAt) < cache.ttl {
		return entry.facts
	}

	facts := readFacts(dir)
	cache.mu.Lock()
	// A miss also evicts every expired entry, so the map holds only
	// recently active directories instead of growing for the daemon's
	// lifetime.
	for key, stale := range cache.entries {
		if now.Sub(stale.fetchedAt) >= cache.ttl {
			delete(cache.entries, key)
		}
	}
	cache.entries[dir] = cacheEntry{facts: facts, fetchedAt: now}
	cache.mu.Unlock()
	return facts
}

func readFacts(dir string) Facts {
	gitDir := findGitDir(dir)
	if gitDir == "" {
		return Facts{}
	}
	return Facts{InRepo: true, Branch: readBranch(gitDir)}
}

// findGitDir walks from dir toward the filesystem root looking for a .git
// entry. A .git file (linked worktree) is followed to the real git directory.
func findGitDir(dir string) string {
	current, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(current, ".git")
		info, statErr := os.Stat(candidate)
		if statErr == nil {
			if info.IsDir() {
				return candidate
			}
			if linked := readGitDirFile(candidate, current); linked != "" {
				return linked
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}

func readGitDirFile(path string, base string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(raw))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	target := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if target == "" {
		return ""
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	return target
}

// readBranch parses .git/HEAD. A symbolic ref yields the branch name; a
// detached HEAD yields the raw commit hash.
func readBranch(gitDir string) string {
	raw, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(raw))
	const refPrefix = "ref: refs/heads/"
	if strings.HasPrefix(line, refPrefix) {
		return strings.TrimPrefix(line, refPrefix)
	}
	return line
}
