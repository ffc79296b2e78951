package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/fundi/internal/broker"
	"github.com/jkaninda/fundi/internal/llm"
)

// scriptedProvider replays a fixed sequence of responses.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     int
	requests  []*llm.Request
}

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", p.calls)
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

// recordingExecutor answers every call with a canned result and remembers
// the order calls arrived in.
type recordingExecutor struct {
	mu      sync.Mutex
	calls   []string
	output  string
	isError bool
	err     error
	delay   func(call *ToolCall) time.Duration
}

func (e *recordingExecutor) Execute(_ context.Context, call *ToolCall) (string, bool, error) {
	if e.delay != nil {
		time.Sleep(e.delay(call))
	}
	e.mu.Lock()
	e.calls = append(e.calls, call.ID)
	e.mu.Unlock()
	if e.output != "" {
		return e.output, e.isError, e.err
	}
	return "ok: " + call.ID, e.isError, e.err
}

func emptyResponse(text string) *llm.Response {
	resp := &llm.Response{StopReason: "end_turn"}
	if text != "" {
		resp.Blocks = []llm.ContentBlock{llm.TextBlock(text)}
	}
	return resp
}

func toolResponse(blocks ...llm.ContentBlock) *llm.Response {
	return &llm.Response{Blocks: blocks, StopReason: "tool_use"}
}

func shellCall(id, command string) llm.ContentBlock {
	return llm.ToolUseBlock(id, ShellToolName, map[string]any{"command": command})
}

func submitCall(id string) llm.ContentBlock {
	return llm.ToolUseBlock(id, SubmitToolName, nil)
}

func newTestLoop(t *testing.T, provider llm.Provider, shell, file, submit Executor, cfg Config) *Loop {
	t.Helper()
	if shell == nil {
		shell = &recordingExecutor{}
	}
	if file == nil {
		file = &recordingExecutor{}
	}
	if submit == nil {
		submit = &recordingExecutor{output: "Submission captured."}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(provider, shell, file, submit, nil, cfg, logger)
}

func TestRunSubmitsOnFirstStep(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(llm.TextBlock("done, submitting"), submitCall("call_1")),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateSubmitted {
		t.Fatalf("state = %s, want %s", res.State, StateSubmitted)
	}
	if res.Steps != 1 {
		t.Errorf("steps = %d, want 1", res.Steps)
	}
	if !res.State.Terminal() {
		t.Error("submitted state should be terminal")
	}
}

func TestRunRetriesEmptyTurnsThenSubmits(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		emptyResponse("let me think about this"),
		emptyResponse(""),
		toolResponse(submitCall("call_1")),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{MaxRetries: 3})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateSubmitted {
		t.Fatalf("state = %s, want %s", res.State, StateSubmitted)
	}
	if res.Retries != 2 {
		t.Errorf("retries = %d, want 2", res.Retries)
	}

	// Each empty turn must have pushed a retry notice back to the model.
	var notices int
	for _, msg := range res.History {
		if msg.Role == llm.RoleUser && msg.Text() == DefaultRetryNotice {
			notices++
		}
	}
	if notices != 2 {
		t.Errorf("retry notices in history = %d, want 2", notices)
	}
}

func TestRunFailsAfterConsecutiveEmptyTurns(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		emptyResponse(""), emptyResponse(""), emptyResponse(""),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{MaxRetries: 2})

	res, err := l.Run(context.Background(), "fix the bug")
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want *MalformedResponseError", err)
	}
	if malformed.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", malformed.Attempts)
	}
	if len(malformed.Transcript) == 0 {
		t.Error("transcript should carry the retried conversation")
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want %s", res.State, StateFailed)
	}
	if !strings.Contains(res.Reason, "no tool calls") {
		t.Errorf("reason = %q, want mention of missing tool calls", res.Reason)
	}
}

func TestRetryCounterResetsOnToolTurn(t *testing.T) {
	// Empty, tool, empty, empty, submit: no run of empties ever exceeds
	// MaxRetries=2, so the run must reach submission.
	provider := &scriptedProvider{responses: []*llm.Response{
		emptyResponse(""),
		toolResponse(shellCall("call_1", "ls")),
		emptyResponse(""),
		emptyResponse(""),
		toolResponse(submitCall("call_2")),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{MaxRetries: 2})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateSubmitted {
		t.Fatalf("state = %s, want %s", res.State, StateSubmitted)
	}
	if res.Retries != 3 {
		t.Errorf("retries = %d, want 3", res.Retries)
	}
}

func TestRunStopsAtStepLimit(t *testing.T) {
	shell := &recordingExecutor{}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(shellCall("call_1", "ls")),
		toolResponse(shellCall("call_2", "ls")),
		toolResponse(shellCall("call_3", "ls")),
	}}
	l := newTestLoop(t, provider, shell, nil, nil, Config{MaxSteps: 3})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateStepLimitReached {
		t.Fatalf("state = %s, want %s", res.State, StateStepLimitReached)
	}
	if res.Steps != 3 {
		t.Errorf("steps = %d, want 3", res.Steps)
	}
	if len(shell.calls) != 3 {
		t.Errorf("shell executions = %d, want 3", len(shell.calls))
	}
}

func TestEmptyTurnsConsumeSteps(t *testing.T) {
	// A step is one model resolution, dispatched or not. Two empty turns
	// against MaxSteps=2 must exhaust the run before the retry budget does.
	provider := &scriptedProvider{responses: []*llm.Response{
		emptyResponse(""),
		emptyResponse(""),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{MaxSteps: 2, MaxRetries: 5})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateStepLimitReached {
		t.Fatalf("state = %s, want %s", res.State, StateStepLimitReached)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
}

func TestRunBudgetExhausted(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(shellCall("call_1", "ls")),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{RunBudget: time.Nanosecond})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateStepLimitReached {
		t.Fatalf("state = %s, want %s", res.State, StateStepLimitReached)
	}
	if provider.calls != 0 {
		t.Errorf("provider calls = %d, want 0 with an exhausted budget", provider.calls)
	}
}

func TestResultsKeepIssueOrderUnderConcurrency(t *testing.T) {
	// The first call sleeps so the second finishes well before it. Results
	// must still come back in the order the model issued the calls.
	shell := &recordingExecutor{delay: func(call *ToolCall) time.Duration {
		if call.ID == "call_slow" {
			return 50 * time.Millisecond
		}
		return 0
	}}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(
			shellCall("call_slow", "sleep 1"),
			shellCall("call_fast", "true"),
		),
		toolResponse(submitCall("call_3")),
	}}
	l := newTestLoop(t, provider, shell, nil, nil, Config{Concurrency: 2})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateSubmitted {
		t.Fatalf("state = %s, want %s", res.State, StateSubmitted)
	}

	// The second request carries the results for the first step's calls.
	if len(provider.requests) < 2 {
		t.Fatalf("provider requests = %d, want >= 2", len(provider.requests))
	}
	results := provider.requests[1].Messages[len(provider.requests[1].Messages)-1]
	if results.Role != llm.RoleUser {
		t.Fatalf("last message role = %s, want user", results.Role)
	}
	if got := len(results.Blocks); got != 2 {
		t.Fatalf("result blocks = %d, want 2", got)
	}
	if results.Blocks[0].ToolUseID != "call_slow" || results.Blocks[1].ToolUseID != "call_fast" {
		t.Errorf("result order = [%s, %s], want [call_slow, call_fast]",
			results.Blocks[0].ToolUseID, results.Blocks[1].ToolUseID)
	}
}

func TestSandboxUnavailableFailsAfterThreshold(t *testing.T) {
	shell := &recordingExecutor{err: &broker.UnavailableError{
		ImagePath: "/images/gone.sif",
		Err:       errors.New("no such file"),
	}}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(shellCall("call_1", "ls")),
		toolResponse(shellCall("call_2", "ls")),
	}}
	l := newTestLoop(t, provider, shell, nil, nil, Config{UnavailableThreshold: 2})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want %s", res.State, StateFailed)
	}
	if !strings.Contains(res.Reason, "unavailable") {
		t.Errorf("reason = %q, want mention of unavailability", res.Reason)
	}
}

func TestUnknownToolNameIsReportedNotFatal(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(llm.ToolUseBlock("call_1", "frobnicate", nil)),
		toolResponse(submitCall("call_2")),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{})

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateSubmitted {
		t.Fatalf("state = %s, want %s", res.State, StateSubmitted)
	}

	results := provider.requests[1].Messages[len(provider.requests[1].Messages)-1]
	if len(results.Blocks) != 1 {
		t.Fatalf("result blocks = %d, want 1", len(results.Blocks))
	}
	if !results.Blocks[0].IsError {
		t.Error("unknown tool result should be flagged as an error")
	}
	if !strings.Contains(results.Blocks[0].Text, "frobnicate") {
		t.Errorf("result text = %q, want the bad tool name", results.Blocks[0].Text)
	}
}

func TestProviderErrorFailsRun(t *testing.T) {
	provider := &scriptedProvider{} // exhausted immediately
	l := newTestLoop(t, provider, nil, nil, nil, Config{})

	res, err := l.Run(context.Background(), "fix the bug")
	if err == nil {
		t.Fatal("expected an error from a failing provider")
	}
	if res == nil || res.State != StateFailed {
		t.Fatalf("result = %+v, want failed state", res)
	}
}

func TestCancelledRunFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(submitCall("call_1")),
	}}
	l := newTestLoop(t, provider, nil, nil, nil, Config{})

	res, err := l.Run(ctx, "fix the bug")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want %s", res.State, StateFailed)
	}
}

func TestFileToolsRoutedToBridge(t *testing.T) {
	file := &recordingExecutor{output: "file contents"}
	fileTools := []llm.ToolDefinition{{Name: "read_file", Description: "read a file"}}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(llm.ToolUseBlock("call_1", "read_file", map[string]any{"path": "main.py"})),
		toolResponse(submitCall("call_2")),
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(provider, &recordingExecutor{}, file, &recordingExecutor{}, fileTools, Config{}, logger)

	res, err := l.Run(context.Background(), "fix the bug")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateSubmitted {
		t.Fatalf("state = %s, want %s", res.State, StateSubmitted)
	}
	if len(file.calls) != 1 || file.calls[0] != "call_1" {
		t.Errorf("file executor calls = %v, want [call_1]", file.calls)
	}

	// The advertised tool set includes shell, submit, and the bridge tools.
	names := make(map[string]bool)
	for _, def := range provider.requests[0].Tools {
		names[def.Name] = true
	}
	for _, want := range []string{ShellToolName, SubmitToolName, "read_file"} {
		if !names[want] {
			t.Errorf("tool %q missing from advertised definitions", want)
		}
	}
}

func TestTransitionTableInvariants(t *testing.T) {
	all := []State{
		StateAwaitingModel, StateDispatchingTools, StateRetrying,
		StateSubmitted, StateStepLimitReached, StateFailed,
	}

	for _, s := range all {
		if s.Terminal() {
			if _, ok := validTransitions[s]; ok {
				t.Errorf("terminal state %s has outgoing transitions", s)
			}
			continue
		}
		targets := validTransitions[s]
		if len(targets) == 0 {
			t.Errorf("non-terminal state %s has no outgoing transitions", s)
		}
		reachesTerminal := false
		for _, next := range targets {
			if next.Terminal() {
				reachesTerminal = true
			}
		}
		if !reachesTerminal {
			t.Errorf("state %s cannot reach a terminal state directly", s)
		}
	}

	if canTransition(StateSubmitted, StateAwaitingModel) {
		t.Error("terminal state must not transition back into the loop")
	}
	if !canTransition(StateRetrying, StateAwaitingModel) {
		t.Error("retry must re-enter awaiting_model")
	}
	if canTransition(StateRetrying, StateDispatchingTools) {
		t.Error("retry must not dispatch without a fresh model turn")
	}
}

// cancellingExecutor cancels the run while handling its first call.
type cancellingExecutor struct {
	cancel context.CancelFunc
	inner  recordingExecutor
}

func (e *cancellingExecutor) Execute(ctx context.Context, call *ToolCall) (string, bool, error) {
	e.cancel()
	_, _, _ = e.inner.Execute(ctx, call)
	return "", false, ctx.Err()
}

func TestCancellationStopsPendingDispatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shell := &cancellingExecutor{cancel: cancel}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse(
			shellCall("call_1", "ls"),
			shellCall("call_2", "ls"),
			shellCall("call_3", "ls"),
		),
	}}
	l := newTestLoop(t, provider, shell, nil, nil, Config{Concurrency: 1})

	res, err := l.Run(ctx, "fix the bug")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want %s", res.State, StateFailed)
	}
	if res.Reason != "run cancelled" {
		t.Errorf("reason = %q, want %q", res.Reason, "run cancelled")
	}

	// Only the first call may have started; the rest were failed without
	// ever reaching an executor.
	if got := len(shell.inner.calls); got != 1 {
		t.Errorf("executed calls = %d, want 1", got)
	}
}
