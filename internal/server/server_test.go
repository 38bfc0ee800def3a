package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdwarden/internal/approval"
	"cmdwarden/internal/bus"
	"cmdwarden/internal/evaluate"
	"cmdwarden/internal/gitinfo"
	"cmdwarden/internal/rules"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testDaemon struct {
	evalSocket   string
	eventsSocket string
	events       *bus.Bus
}

// dialMonitor connects to the event socket and waits for the daemon to
// register the subscription, so no subsequent event is missed.
func (daemon *testDaemon) dialMonitor(t *testing.T) (*json.Encoder, *json.Decoder) {
	t.Helper()
	conn, err := net.Dial("unix", daemon.eventsSocket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for daemon.events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("monitor subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return json.NewEncoder(conn), json.NewDecoder(conn)
}

func startTestDaemon(t *testing.T, ruleYAML string, approvalTimeout time.Duration) *testDaemon {
	t.Helper()
	baseDir := t.TempDir()

	rulesPath := filepath.Join(baseDir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(ruleYAML), 0o644))

	logger := quietLogger()
	store := rules.NewStore([]rules.Source{{Path: rulesPath, Scope: rules.ScopeGlobal}}, "", logger)
	events := bus.New(16, logger)
	approvals := approval.NewManager(approvalTimeout, approval.NewSessionMemory(), events, nil, logger)

	daemon := &testDaemon{
		evalSocket:   filepath.Join(baseDir, "eval.sock"),
		eventsSocket: filepath.Join(baseDir, "events.sock"),
		events:       events,
	}
	srv := New(Options{
		EvalSocket:   daemon.evalSocket,
		EventsSocket: daemon.eventsSocket,
		Evaluator:    evaluate.New(store, logger),
		Approvals:    approvals,
		Events:       events,
		GitFacts:     gitinfo.NewCache(0),
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("daemon did not shut down")
		}
	})

	waitForSocket(t, daemon.evalSocket)
	waitForSocket(t, daemon.eventsSocket)
	return daemon
}

func waitForSocket(t *testing.T, socketPath string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", socketPath)
}

func dial(t *testing.T, socketPath string) (net.Conn, *json.Encoder, *json.Decoder) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, json.NewEncoder(conn), json.NewDecoder(conn)
}

func sendEval(t *testing.T, encoder *json.Encoder, rawCommand string) {
	t.Helper()
	require.NoError(t, encoder.Encode(EvalRequest{
		RawCommand:       rawCommand,
		WorkingDirectory: "/tmp",
		Caller:           "ai",
	}))
}

func readResponse(t *testing.T, decoder *json.Decoder) EvalResponse {
	t.Helper()
	var response EvalResponse
	require.NoError(t, decoder.Decode(&response))
	return response
}

func readEventOfKind(t *testing.T, decoder *json.Decoder, kind bus.Kind) bus.Event {
	t.Helper()
	for i := 0; i < 20; i++ {
		var event bus.Event
		require.NoError(t, decoder.Decode(&event))
		if event.Kind == kind {
			return event
		}
	}
	t.Fatalf("never saw event %s", kind)
	return bus.Event{}
}

const forcePushRules = `
rules:
  - name: never-force-push
    commands: [git]
    action: deny
    message: force pushes are blocked
    conditions:
      - type: command_contains
        value: "--force"
`

func TestEvalAllowAndDeny(t *testing.T) {
	daemon := startTestDaemon(t, forcePushRules, time.Minute)
	_, encoder, decoder := dial(t, daemon.evalSocket)

	sendEval(t, encoder, "ls -la")
	response := readResponse(t, decoder)
	assert.Equal(t, StatusAllow, response.Status)

	sendEval(t, encoder, "git push --force origin main")
	response = readResponse(t, decoder)
	assert.Equal(t, StatusDeny, response.Status)
	assert.Equal(t, "never-force-push", response.RuleName)
	assert.Equal(t, "force pushes are blocked", response.Message)
}

func TestEvalRedirectReturnsArgv(t *testing.T) {
	daemon := startTestDaemon(t, `
rules:
  - name: route-through-wrapper
    commands: [npm]
    action: redirect
    redirect: "safe-npm $ARGS"
`, time.Minute)
	_, encoder, decoder := dial(t, daemon.evalSocket)

	sendEval(t, encoder, "npm install leftpad")
	response := readResponse(t, decoder)
	require.Equal(t, StatusRedirect, response.Status)
	assert.Equal(t, []string{"safe-npm", "install", "leftpad"}, response.RedirectArgv)
}

const approvalRules = `
rules:
  - name: guard-deploy
    commands: [deploy]
    action: require_approval
    message: production deploy needs a human
`

func TestApprovalRoundTrip(t *testing.T) {
	daemon := startTestDaemon(t, approvalRules, time.Minute)

	monitorEncoder, monitorDecoder := daemon.dialMonitor(t)
	_, evalEncoder, evalDecoder := dial(t, daemon.evalSocket)

	sendEval(t, evalEncoder, "deploy --env production")

	waiting := readResponse(t, evalDecoder)
	require.Equal(t, StatusWaiting, waiting.Status)
	require.NotEmpty(t, waiting.ApprovalID)
	assert.Equal(t, "guard-deploy", waiting.RuleName)

	needed := readEventOfKind(t, monitorDecoder, bus.KindApprovalNeeded)
	require.Equal(t, waiting.ApprovalID, needed.Payload["approval_id"])

	require.NoError(t, monitorEncoder.Encode(MonitorAction{
		Action:     ActionApprove,
		ApprovalID: waiting.ApprovalID,
	}))

	final := readResponse(t, evalDecoder)
	assert.Equal(t, StatusAllow, final.Status)
	assert.Equal(t, waiting.ApprovalID, final.ApprovalID)

	resolved := readEventOfKind(t, monitorDecoder, bus.KindApprovalResolved)
	assert.Equal(t, "approved", resolved.Payload["outcome"])
}

func TestApprovalDenied(t *testing.T) {
	daemon := startTestDaemon(t, approvalRules, time.Minute)

	monitorEncoder, monitorDecoder := daemon.dialMonitor(t)
	_, evalEncoder, evalDecoder := dial(t, daemon.evalSocket)

	sendEval(t, evalEncoder, "deploy --env production")
	waiting := readResponse(t, evalDecoder)
	require.Equal(t, StatusWaiting, waiting.Status)

	readEventOfKind(t, monitorDecoder, bus.KindApprovalNeeded)
	require.NoError(t, monitorEncoder.Encode(MonitorAction{
		Action:     ActionDeny,
		ApprovalID: waiting.ApprovalID,
	}))

	final := readResponse(t, evalDecoder)
	assert.Equal(t, StatusDeny, final.Status)
}

func TestApprovalTimesOutToDeny(t *testing.T) {
	daemon := startTestDaemon(t, approvalRules, 50*time.Millisecond)
	_, evalEncoder, evalDecoder := dial(t, daemon.evalSocket)

	sendEval(t, evalEncoder, "deploy --env production")
	waiting := readResponse(t, evalDecoder)
	require.Equal(t, StatusWaiting, waiting.Status)

	final := readResponse(t, evalDecoder)
	assert.Equal(t, StatusDeny, final.Status)
}

func TestRememberedApprovalSkipsWaiting(t *testing.T) {
	daemon := startTestDaemon(t, approvalRules, time.Minute)

	monitorEncoder, monitorDecoder := daemon.dialMonitor(t)
	_, evalEncoder, evalDecoder := dial(t, daemon.evalSocket)

	sendEval(t, evalEncoder, "deploy --env production")
	waiting := readResponse(t, evalDecoder)
	require.Equal(t, StatusWaiting, waiting.Status)

	readEventOfKind(t, monitorDecoder, bus.KindApprovalNeeded)
	require.NoError(t, monitorEncoder.Encode(MonitorAction{
		Action:     ActionApprove,
		ApprovalID: waiting.ApprovalID,
		Remember:   true,
	}))
	require.Equal(t, StatusAllow, readResponse(t, evalDecoder).Status)

	// Same rule, executable, and caller: the remembered outcome answers
	// immediately with no waiting response.
	sendEval(t, evalEncoder, "deploy --env staging")
	immediate := readResponse(t, evalDecoder)
	assert.Equal(t, StatusAllow, immediate.Status)
	assert.Empty(t, immediate.ApprovalID)
}

func TestMalformedRequestClosesOnlyThatConnection(t *testing.T) {
	daemon := startTestDaemon(t, forcePushRules, time.Minute)

	badConn, err := net.Dial("unix", daemon.evalSocket)
	require.NoError(t, err)
	defer badConn.Close()

	_, goodEncoder, goodDecoder := dial(t, daemon.evalSocket)

	_, err = badConn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	// The offending connection is closed by the daemon.
	require.NoError(t, badConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buffer := make([]byte, 1)
	_, readErr := badConn.Read(buffer)
	assert.Error(t, readErr, "malformed input must close the connection")

	// The healthy connection keeps working.
	sendEval(t, goodEncoder, "ls")
	assert.Equal(t, StatusAllow, readResponse(t, goodDecoder).Status)
}

func TestEvalConnectionHandlesRequestsInOrder(t *testing.T) {
	daemon := startTestDaemon(t, forcePushRules, time.Minute)
	_, encoder, decoder := dial(t, daemon.evalSocket)

	sendEval(t, encoder, "git status")
	sendEval(t, encoder, "git push --force")
	sendEval(t, encoder, "git pull")

	assert.Equal(t, StatusAllow, readResponse(t, decoder).Status)
	assert.Equal(t, StatusDeny, readResponse(t, decoder).Status)
	assert.Equal(t, StatusAllow, readResponse(t, decoder).Status)
}
