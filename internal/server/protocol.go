package server

import "fmt"

// Response status values on the evaluation channel. A require_approval
// decision first yields a waiting response carrying the approval ID, then a
// final allow or deny once resolved.
const (
	StatusWaiting         = "waiting"
	StatusAllow           = "allow"
	StatusDeny            = "deny"
	StatusRequireApproval = "require_approval"
	StatusRedirect        = "redirect"
)

// EvalRequest is one newline-delimited JSON message on the evaluation
// socket. A connection may carry any number of requests, handled FIFO.
type EvalRequest struct {
	RawCommand       string            `json:"raw_command"`
	WorkingDirectory string            `json:"working_directory"`
	Environment      map[string]string `json:"environment,omitempty"`
	Caller           string            `json:"caller,omitempty"`
}

// EvalResponse is the daemon's answer. RedirectArgv is a ready argument
// vector, never a re-assembled shell string.
type EvalResponse struct {
	Status       string   `json:"status"`
	ApprovalID   string   `json:"approval_id,omitempty"`
	RuleName     string   `json:"rule_name,omitempty"`
	Message      string   `json:"message,omitempty"`
	RedirectArgv []string `json:"redirect_argv,omitempty"`
}

// MonitorAction is an inbound resolution command on the event socket.
type MonitorAction struct {
	Action     string `json:"action"`
	ApprovalID string `json:"approval_id"`
	Remember   bool   `json:"remember,omitempty"`
}

const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

// ProtocolError marks a malformed message on a connection. The offending
// connection is closed; other connections are unaffected.
type ProtocolError struct {
	Err error
}

func (protocolError *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", protocolError.Err)
}

func (protocolError *ProtocolError) Unwrap() error {
	return protocolError.Err
}
