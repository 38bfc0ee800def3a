package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cmdwarden/internal/bus"
)

// Auditor receives the terminal state of every approval request. The audit
// log implements it; a nil auditor is allowed in tests.
type Auditor interface {
	ApprovalResolved(id string, ruleName string, outcome string, remembered bool)
}

// Request is one pending approval. It resolves exactly once: explicit
// approve/deny from a monitoring client, or the timeout, whichever comes
// first.
type Request struct {
	ID        string
	RuleName  string
	MemoryKey string
	CreatedAt time.Time

	timer   *time.Timer
	done    chan struct{}
	outcome Outcome
}

// Wait blocks until the request reaches a terminal state or ctx is
// cancelled. Cancellation abandons the wait only; the request itself keeps
// running so a monitoring operator can still act on it.
func (request *Request) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-request.done:
		return request.outcome, nil
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

// Outcome returns the terminal outcome, or OutcomePending while unresolved.
func (request *Request) Outcome() Outcome {
	select {
	case <-request.done:
		return request.outcome
	default:
		return OutcomePending
	}
}

// Manager tracks in-flight approval requests and the session memory that
// lets callers skip repeat prompts within the daemon's lifetime.
type Manager struct {
	timeout time.Duration
	memory  *SessionMemory
	events  *bus.Bus
	auditor Auditor
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*Request
}

const DefaultTimeout = 2 * time.Minute

func NewManager(timeout time.Duration, memory *SessionMemory, events *bus.Bus, auditor Auditor, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if memory == nil {
		memory = NewSessionMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timeout: timeout,
		memory:  memory,
		events:  events,
		auditor: auditor,
		logger:  logger,
		pending: map[string]*Request{},
	}
}

// Submit asks for approval under the given memory key. A session-memory hit
// short-circuits to the remembered outcome with no pending request and no
// event. Otherwise a Pending request is created, an approval-needed event is
// published, and the caller suspends on Request.Wait.
func (manager *Manager) Submit(ruleName string, memoryKey string, payload map[string]any) (*Request, Outcome, bool) {
	if outcome, remembered := manager.memory.Lookup(memoryKey); remembered {
		return nil, outcome, true
	}

	request := &Request{
		ID:        uuid.NewString(),
		RuleName:  ruleName,
		MemoryKey: memoryKey,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	manager.mu.Lock()
	manager.pending[request.ID] = request
	manager.mu.Unlock()

	request.timer = time.AfterFunc(manager.timeout, func() {
		manager.finish(request.ID, OutcomeTimedOut, false)
	})

	eventPayload := map[string]any{"approval_id": request.ID, "rule": ruleName}
	for key, value := range payload {
		eventPayload[key] = value
	}
	manager.events.Publish(bus.Event{Kind: bus.KindApprovalNeeded, Payload: eventPayload})
	return request, OutcomePending, false
}

// Resolve completes a pending request by ID. The second resolution of the
// same ID is a no-op returning false, not an error. A remembered resolution
// writes the memory key so future submissions skip the prompt.
func (manager *Manager) Resolve(id string, approved bool, remember bool) bool {
	outcome := OutcomeDenied
	if approved {
		outcome = OutcomeApproved
	}
	return manager.finish(id, outcome, remember)
}

func (manager *Manager) finish(id string, outcome Outcome, remember bool) bool {
	manager.mu.Lock()
	request, pending := manager.pending[id]
	if pending {
		delete(manager.pending, id)
	}
	manager.mu.Unlock()
	if !pending {
		return false
	}

	if request.timer != nil {
		request.timer.Stop()
	}
	request.outcome = outcome
	close(request.done)

	if remember && outcome != OutcomeTimedOut {
		manager.memory.Remember(request.MemoryKey, outcome)
	}
	if manager.auditor != nil {
		manager.auditor.ApprovalResolved(request.ID, request.RuleName, string(outcome), remember)
	}
	manager.events.Publish(bus.Event{
		Kind: bus.KindApprovalResolved,
		Payload: map[string]any{
			"approval_id": request.ID,
			"rule":        request.RuleName,
			"outcome":     string(outcome),
			"remembered":  remember && outcome != OutcomeTimedOut,
		},
	})
	manager.logger.Info("approval resolved",
		"approval_id", request.ID, "rule", request.RuleName, "outcome", outcome)
	return true
}

// PendingCount reports how many requests are awaiting resolution.
func (manager *Manager) PendingCount() int {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return len(manager.pending)
}
