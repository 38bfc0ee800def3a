package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"cmdwarden/internal/approval"
	"cmdwarden/internal/audit"
	"cmdwarden/internal/bus"
	"cmdwarden/internal/command"
	"cmdwarden/internal/decision"
	"cmdwarden/internal/evaluate"
	"cmdwarden/internal/gitinfo"
)

// Options wires the server's collaborators.
type Options struct {
	EvalSocket   string
	EventsSocket string
	Evaluator    *evaluate.Evaluator
	Approvals    *approval.Manager
	Events       *bus.Bus
	Audit        *audit.Log
	GitFacts     *gitinfo.Cache
	Logger       *slog.Logger
}

// Server terminates the two daemon channels: evaluation requests from
// wrapped shell invocations on one unix socket, event streaming and approval
// resolution from monitoring clients on another. Keeping the channels apart
// means a slow or absent monitor can never block command evaluation.
type Server struct {
	evalSocket   string
	eventsSocket string
	evaluator    *evaluate.Evaluator
	approvals    *approval.Manager
	events       *bus.Bus
	auditLog     *audit.Log
	gitFacts     *gitinfo.Cache
	logger       *slog.Logger

	baseCtx        context.Context
	evalListener   net.Listener
	eventsListener net.Listener
	shuttingDown   atomic.Bool
	wg             sync.WaitGroup
}

func New(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		evalSocket:   options.EvalSocket,
		eventsSocket: options.EventsSocket,
		evaluator:    options.Evaluator,
		approvals:    options.Approvals,
		events:       options.Events,
		auditLog:     options.Audit,
		gitFacts:     options.GitFacts,
		logger:       logger,
	}
}

// ListenAndServe binds both sockets and serves until ctx is cancelled.
// Failure to bind is fatal and reported once.
func (server *Server) ListenAndServe(ctx context.Context) error {
	server.baseCtx = ctx

	evalListener, evalErr := listenUnix(server.evalSocket)
	if evalErr != nil {
		return fmt.Errorf("bind evaluation socket failed: %w", evalErr)
	}
	server.evalListener = evalListener

	eventsListener, eventsErr := listenUnix(server.eventsSocket)
	if eventsErr != nil {
		_ = evalListener.Close()
		_ = os.Remove(server.evalSocket)
		return fmt.Errorf("bind events socket failed: %w", eventsErr)
	}
	server.eventsListener = eventsListener

	server.logger.Info("cmdwardend listening",
		"eval_socket", server.evalSocket, "events_socket", server.eventsSocket)

	go server.acceptLoop(evalListener, server.handleEvalConn)
	go server.acceptLoop(eventsListener, server.handleMonitorConn)

	<-ctx.Done()
	server.Shutdown()
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, err
	}
	// A stale socket from an unclean exit would otherwise block the bind.
	_ = os.Remove(socketPath)
	return net.Listen("unix", socketPath)
}

func (server *Server) acceptLoop(listener net.Listener, handle func(net.Conn)) {
	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if server.shuttingDown.Load() {
				return
			}
			server.logger.Warn("accept failed", "error", acceptErr)
			continue
		}
		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			handle(conn)
		}()
	}
}

// Shutdown closes both listeners, waits for in-flight connections, and
// removes the socket files.
func (server *Server) Shutdown() {
	if !server.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	if server.evalListener != nil {
		_ = server.evalListener.Close()
	}
	if server.eventsListener != nil {
		_ = server.eventsListener.Close()
	}
	server.wg.Wait()
	_ = os.Remove(server.evalSocket)
	_ = os.Remove(server.eventsSocket)
}

// handleEvalConn serves one wrapped shell connection: newline-delimited JSON
// requests, handled FIFO. A malformed message closes this connection only.
func (server *Server) handleEvalConn(conn net.Conn) {
	defer conn.Close()
	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request EvalRequest
		if decodeErr := decoder.Decode(&request); decodeErr != nil {
			if errors.Is(decodeErr, io.EOF) || errors.Is(decodeErr, net.ErrClosed) {
				return
			}
			server.logger.Warn("closing evaluation connection",
				"error", &ProtocolError{Err: decodeErr})
			return
		}
		if writeErr := server.handleEvalRequest(encoder, request); writeErr != nil {
			return
		}
	}
}

func (server *Server) handleEvalRequest(encoder *json.Encoder, request EvalRequest) error {
	caller := parseCaller(request.Caller)
	commandContext := command.NewContext(
		request.RawCommand, request.WorkingDirectory, request.Environment, caller, server.gitFacts)

	server.events.Publish(bus.Event{Kind: bus.KindCommandReceived, Payload: map[string]any{
		"command": commandContext.Raw,
		"exe":     commandContext.Exe,
		"dir":     commandContext.Dir,
		"caller":  string(caller),
	}})

	result := server.evaluator.Evaluate(commandContext)
	if result.RuleName != "" {
		server.events.Publish(bus.Event{Kind: bus.KindRuleMatched, Payload: map[string]any{
			"rule":    result.RuleName,
			"action":  string(result.Action),
			"command": commandContext.Raw,
		}})
	}

	switch result.Action {
	case decision.ActionAllow:
		server.recordDecision(commandContext, result, StatusAllow)
		return encoder.Encode(EvalResponse{Status: StatusAllow, RuleName: result.RuleName, Message: result.Message})
	case decision.ActionDeny:
		server.recordDecision(commandContext, result, StatusDeny)
		return encoder.Encode(EvalResponse{Status: StatusDeny, RuleName: result.RuleName, Message: result.Message})
	case decision.ActionRedirect:
		redirectArgv, expandErr := command.ExpandRedirect(result.RedirectTarget, commandContext)
		if expandErr != nil {
			server.logger.Error("redirect expansion failed",
				"rule", result.RuleName, "error", expandErr)
			server.recordDecision(commandContext, result, StatusDeny)
			return encoder.Encode(EvalResponse{
				Status: StatusDeny, RuleName: result.RuleName,
				Message: "redirect target could not be expanded",
			})
		}
		server.recordDecision(commandContext, result, StatusRedirect)
		return encoder.Encode(EvalResponse{
			Status: StatusRedirect, RuleName: result.RuleName,
			Message: result.Message, RedirectArgv: redirectArgv,
		})
	case decision.ActionRequireApproval:
		return server.handleApproval(encoder, commandContext, result)
	default:
		return encoder.Encode(EvalResponse{Status: StatusDeny, Message: "unknown action"})
	}
}

func (server *Server) handleApproval(encoder *json.Encoder, commandContext *command.Context, result decision.Decision) error {
	memoryKey := approval.MemoryKey(
		result.RuleName, commandContext.Exe, commandContext.Caller,
		commandContext.Dir, result.DirectoryScoped)

	request, outcome, fromMemory := server.approvals.Submit(result.RuleName, memoryKey, map[string]any{
		"command": commandContext.Raw,
		"exe":     commandContext.Exe,
		"dir":     commandContext.Dir,
		"caller":  string(commandContext.Caller),
		"message": result.Message,
	})

	approvalID := ""
	if !fromMemory {
		approvalID = request.ID
		if writeErr := encoder.Encode(EvalResponse{
			Status: StatusWaiting, ApprovalID: request.ID,
			RuleName: result.RuleName, Message: result.Message,
		}); writeErr != nil {
			// The requester is gone; the request still resolves or times out
			// so a monitoring operator can act on it.
			return writeErr
		}
		waited, waitErr := request.Wait(server.baseCtx)
		if waitErr != nil {
			return waitErr
		}
		outcome = waited
	}

	finalStatus := StatusDeny
	if outcome.Approved() {
		finalStatus = StatusAllow
	}
	server.recordDecision(commandContext, result, finalStatus)
	return encoder.Encode(EvalResponse{
		Status: finalStatus, ApprovalID: approvalID,
		RuleName: result.RuleName, Message: result.Message,
	})
}

// handleMonitorConn streams events to one monitoring client and accepts
// approval resolutions on the same connection.
func (server *Server) handleMonitorConn(conn net.Conn) {
	defer conn.Close()

	events, cancelSubscription := server.events.Subscribe()
	defer cancelSubscription()

	encoder := json.NewEncoder(conn)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		decoder := json.NewDecoder(conn)
		for {
			var action MonitorAction
			if decodeErr := decoder.Decode(&action); decodeErr != nil {
				if !errors.Is(decodeErr, io.EOF) && !errors.Is(decodeErr, net.ErrClosed) {
					server.logger.Warn("closing monitor connection",
						"error", &ProtocolError{Err: decodeErr})
				}
				return
			}
			switch action.Action {
			case ActionApprove:
				server.approvals.Resolve(action.ApprovalID, true, action.Remember)
			case ActionDeny:
				server.approvals.Resolve(action.ApprovalID, false, action.Remember)
			default:
				server.logger.Warn("closing monitor connection",
					"error", &ProtocolError{Err: fmt.Errorf("unknown action %q", action.Action)})
				return
			}
		}
	}()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			if writeErr := encoder.Encode(event); writeErr != nil {
				return
			}
		case <-readerDone:
			return
		case <-server.baseCtx.Done():
			return
		}
	}
}

func (server *Server) recordDecision(commandContext *command.Context, result decision.Decision, finalStatus string) {
	if server.auditLog == nil {
		return
	}
	_ = server.auditLog.RecordDecision(audit.DecisionRecord{
		Command:  commandContext.Raw,
		Exe:      commandContext.Exe,
		Dir:      commandContext.Dir,
		Caller:   string(commandContext.Caller),
		RuleName: result.RuleName,
		Action:   finalStatus,
		Message:  result.Message,
	})
}

func parseCaller(raw string) command.Caller {
	switch command.Caller(raw) {
	case command.CallerAI:
		return command.CallerAI
	case command.CallerHuman:
		return command.CallerHuman
	default:
		return command.CallerUnknown
	}
}
