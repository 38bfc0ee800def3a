package approval

import (
	"strings"
	"sync"

	"cmdwarden/internal/command"
)

// Outcome is the terminal state of an approval request. TimedOut is treated
// like Denied by the caller but recorded distinctly for audit.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

func (outcome Outcome) Approved() bool {
	return outcome == OutcomeApproved
}

// MemoryKey normalizes the rule+command shape+caller identity an approval
// decision can be remembered under. Directory-scoped rules key memory per
// working directory, so remembering "yes" inside one repository does not
// leak into another; rules without a directory pattern remember globally.
func MemoryKey(ruleName string, executable string, caller command.Caller, workingDir string, directoryScoped bool) string {
	parts := []string{ruleName, executable, string(caller)}
	if directoryScoped {
		parts = append(parts, workingDir)
	}
	return strings.Join(parts, "\x00")
}

// SessionMemory remembers approval outcomes for the daemon's lifetime. It is
// never persisted; a restart forgets everything.
type SessionMemory struct {
	mu       sync.RWMutex
	outcomes map[string]Outcome
}

func NewSessionMemory() *SessionMemory {
	return &SessionMemory{outcomes: map[string]Outcome{}}
}

func (memory *SessionMemory) Lookup(key string) (Outcome, bool) {
	memory.mu.RLock()
	defer memory.mu.RUnlock()
	outcome, remembered := memory.outcomes[key]
	return outcome, remembered
}

func (memory *SessionMemory) Remember(key string, outcome Outcome) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	memory.outcomes[key] = outcome
}

func (memory *SessionMemory) Len() int {
	memory.mu.RLock()
	defer memory.mu.RUnlock()
	return len(memory.outcomes)
}
