// Package loop drives the agent's tool-dispatch state machine. Each turn
// sends the conversation to the model, executes the tool calls it issues,
// and feeds results back until the agent submits, the step limit is hit, or
// the run fails. Empty model turns are retried with a notice instead of
// silently terminating the run.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/fundi/internal/llm"
	"github.com/jkaninda/fundi/internal/observability"
)

// State is the loop's current or terminal phase.
type State string

const (
	StateAwaitingModel    State = "awaiting_model"
	StateDispatchingTools State = "dispatching_tools"
	StateRetrying         State = "retrying"
	StateSubmitted        State = "submitted"
	StateStepLimitReached State = "step_limit_reached"
	StateFailed           State = "failed"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	switch s {
	case StateSubmitted, StateStepLimitReached, StateFailed:
		return true
	}
	return false
}

// validTransitions is the loop's transition table. Run only advances its
// state along edges listed here; terminal states have no outgoing edges.
var validTransitions = map[State][]State{
	StateAwaitingModel:    {StateDispatchingTools, StateRetrying, StateStepLimitReached, StateFailed},
	StateRetrying:         {StateAwaitingModel, StateStepLimitReached, StateFailed},
	StateDispatchingTools: {StateAwaitingModel, StateSubmitted, StateStepLimitReached, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultRetryNotice is sent as a user message when the model produces no
// tool calls.
const DefaultRetryNotice = "Your last response contained no tool calls. " +
	"Use the provided tools to continue working, or call submit when you are done."

// Config bounds one run.
type Config struct {
	SystemPrompt string
	MaxSteps     int // model resolutions per run, dispatched or retried
	MaxRetries   int // consecutive empty model turns before failing
	Concurrency  int // parallel tool calls within one step
	RunBudget    time.Duration
	RetryNotice  string

	// UnavailableThreshold fails the run after this many consecutive steps
	// in which the sandbox could not execute anything.
	UnavailableThreshold int

	MaxTokens   int
	Temperature *float64

	// Model names the configured model for logging and metric labels.
	Model string
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.UnavailableThreshold <= 0 {
		c.UnavailableThreshold = 3
	}
	if c.RetryNotice == "" {
		c.RetryNotice = DefaultRetryNotice
	}
	return c
}

// Loop runs the agent cycle against one workspace.
type Loop struct {
	provider  llm.Provider
	shell     Executor
	file      Executor
	submit    Executor
	fileTools []llm.ToolDefinition
	fileNames map[string]bool
	cfg       Config
	logger    *slog.Logger
	obs       *observability.Observability
}

// New creates a Loop. fileTools lists the bridge's discovered tools; file
// calls are routed by membership in that set.
func New(provider llm.Provider, shell, file, submit Executor, fileTools []llm.ToolDefinition, cfg Config, logger *slog.Logger) *Loop {
	names := make(map[string]bool, len(fileTools))
	for _, t := range fileTools {
		names[t.Name] = true
	}
	return &Loop{
		provider:  provider,
		shell:     shell,
		file:      file,
		submit:    submit,
		fileTools: fileTools,
		fileNames: names,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// WithObservability attaches metrics and tracing.
func (l *Loop) WithObservability(obs *observability.Observability) *Loop {
	l.obs = obs
	return l
}

// Result describes a finished run.
type Result struct {
	State    State
	Reason   string
	History  []llm.Message
	Steps    int
	Retries  int
	Usage    llm.Usage
	Duration time.Duration
}

// Run executes the loop for one task until a terminal state.
//
// The returned Result is always non-nil. An error is returned only for
// run-level failures (provider errors, cancellation, dead sandbox); the
// Result still carries the history accumulated up to that point.
func (l *Loop) Run(ctx context.Context, task string) (*Result, error) {
	if ts := l.obs.TracerOrNil(); ts != nil {
		var span trace.Span
		ctx, span = ts.Tracer().Start(ctx, "loop.run",
			trace.WithAttributes(
				attribute.String("provider", l.provider.Name()),
				attribute.Int("max_steps", l.cfg.MaxSteps),
			))
		defer span.End()
	}

	start := time.Now()
	history := []llm.Message{llm.UserText(task)}
	toolDefs := l.toolDefinitions()

	var steps, retries, consecutiveRetries, consecutiveUnavailable int
	var usage llm.Usage

	state := StateAwaitingModel
	move := func(to State) {
		if !canTransition(state, to) {
			l.logger.ErrorContext(ctx, "invalid state transition",
				slog.String("from", string(state)),
				slog.String("to", string(to)),
			)
		}
		state = to
	}

	finish := func(terminal State, reason string, err error) (*Result, error) {
		move(terminal)
		res := &Result{
			State:    terminal,
			Reason:   reason,
			History:  history,
			Steps:    steps,
			Retries:  retries,
			Usage:    usage,
			Duration: time.Since(start),
		}
		l.logger.InfoContext(ctx, "run finished",
			slog.String("state", string(terminal)),
			slog.String("reason", reason),
			slog.Int("steps", steps),
			slog.Int("retries", retries),
			slog.Int("input_tokens", usage.InputTokens),
			slog.Int("output_tokens", usage.OutputTokens),
		)
		if m := l.obs.MetricsOrNil(); m != nil {
			m.RunsTotal.WithLabelValues(string(terminal)).Inc()
			m.RunDuration.WithLabelValues(string(terminal)).Observe(res.Duration.Seconds())
			m.RunSteps.Observe(float64(steps))
		}
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.String("terminal_state", string(terminal)),
				attribute.Int("steps", steps),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
		return res, err
	}

	for {
		if l.cfg.RunBudget > 0 && time.Since(start) >= l.cfg.RunBudget {
			return finish(StateStepLimitReached,
				fmt.Sprintf("run budget of %s exhausted", l.cfg.RunBudget), nil)
		}
		if err := ctx.Err(); err != nil {
			return finish(StateFailed, "run cancelled", err)
		}

		// 1. Ask the model for the next action.
		llmStart := time.Now()
		resp, err := l.provider.SendMessage(ctx, &llm.Request{
			SystemPrompt: l.cfg.SystemPrompt,
			Messages:     history,
			MaxTokens:    l.cfg.MaxTokens,
			Temperature:  l.cfg.Temperature,
			Tools:        toolDefs,
		})
		l.recordLLMRequest(time.Since(llmStart), err)
		if err != nil {
			return finish(StateFailed, "model request failed",
				fmt.Errorf("model request: %w", err))
		}
		usage.Add(resp.Usage)
		steps++
		if m := l.obs.MetricsOrNil(); m != nil {
			m.LLMTokensUsed.WithLabelValues(l.provider.Name(), l.cfg.Model, "input").Add(float64(resp.Usage.InputTokens))
			m.LLMTokensUsed.WithLabelValues(l.provider.Name(), l.cfg.Model, "output").Add(float64(resp.Usage.OutputTokens))
		}

		toolUses := resp.ToolUseBlocks()

		// 2. Empty turn: nudge and retry instead of terminating.
		if len(toolUses) == 0 {
			move(StateRetrying)
			consecutiveRetries++
			retries++
			if m := l.obs.MetricsOrNil(); m != nil {
				m.RunRetries.Inc()
			}
			if consecutiveRetries > l.cfg.MaxRetries {
				if len(resp.Blocks) > 0 {
					history = append(history, llm.AssistantMessage(resp.Blocks...))
				}
				err := &MalformedResponseError{Attempts: consecutiveRetries, Transcript: history}
				return finish(StateFailed, err.Error(), err)
			}

			l.logger.WarnContext(ctx, "empty model turn, retrying",
				slog.String("state", string(state)),
				slog.Int("attempt", consecutiveRetries),
				slog.Int("max_retries", l.cfg.MaxRetries),
			)
			if len(resp.Blocks) > 0 {
				history = append(history, llm.AssistantMessage(resp.Blocks...))
			}
			history = append(history, llm.UserText(l.cfg.RetryNotice))
			if steps >= l.cfg.MaxSteps {
				return finish(StateStepLimitReached,
					fmt.Sprintf("step limit of %d reached", l.cfg.MaxSteps), nil)
			}
			move(StateAwaitingModel)
			continue
		}
		consecutiveRetries = 0
		move(StateDispatchingTools)

		// 3. Classify and dispatch this step's tool calls.
		calls := l.buildCalls(toolUses)

		l.logger.InfoContext(ctx, "dispatching tool calls",
			slog.String("state", string(state)),
			slog.Int("step", steps),
			slog.Int("calls", len(calls)),
		)

		unavailable, dispatchErr := l.dispatch(ctx, calls)

		// 4. Feed results back in issue order.
		history = append(history, llm.AssistantMessage(resp.Blocks...))
		resultBlocks := make([]llm.ContentBlock, len(calls))
		for i, call := range calls {
			resultBlocks[i] = llm.ToolResultBlock(call.ID, call.Output, call.IsError)
		}
		history = append(history, llm.ToolResults(resultBlocks...))

		if dispatchErr != nil {
			reason := "tool dispatch failed"
			if errors.Is(dispatchErr, context.Canceled) || errors.Is(dispatchErr, context.DeadlineExceeded) {
				reason = "run cancelled"
			}
			return finish(StateFailed, reason, dispatchErr)
		}

		// 5. Submission ends the run before any limit check.
		if submitted(calls) {
			return finish(StateSubmitted, "patch submitted", nil)
		}

		// 6. A sandbox that keeps refusing to execute fails the run.
		if unavailable > 0 {
			consecutiveUnavailable++
		} else {
			consecutiveUnavailable = 0
		}
		if consecutiveUnavailable >= l.cfg.UnavailableThreshold {
			return finish(StateFailed,
				fmt.Sprintf("sandbox unavailable for %d consecutive steps", consecutiveUnavailable), nil)
		}

		// 7. Step limit.
		if steps >= l.cfg.MaxSteps {
			return finish(StateStepLimitReached,
				fmt.Sprintf("step limit of %d reached", l.cfg.MaxSteps), nil)
		}

		move(StateAwaitingModel)
	}
}

// buildCalls converts tool_use blocks into routed ToolCalls. Unknown tool
// names are pre-failed so the model sees the mistake in its results.
func (l *Loop) buildCalls(blocks []llm.ContentBlock) []*ToolCall {
	calls := make([]*ToolCall, len(blocks))
	for i, b := range blocks {
		call := &ToolCall{
			ID:     b.ID,
			Name:   b.Name,
			Input:  b.Input,
			Status: StatusPending,
		}
		kind, known := l.classify(b.Name)
		call.Kind = kind
		if !known {
			call.fail(fmt.Sprintf("Error: unknown tool %q", b.Name))
		}
		calls[i] = call
	}
	return calls
}

// classify routes a tool name to its executor kind.
func (l *Loop) classify(name string) (Kind, bool) {
	switch {
	case name == ShellToolName:
		return KindShell, true
	case name == SubmitToolName:
		return KindSubmit, true
	case l.fileNames[name]:
		return KindFile, true
	}
	return "", false
}

func (l *Loop) executorFor(kind Kind) Executor {
	switch kind {
	case KindShell:
		return l.shell
	case KindSubmit:
		return l.submit
	default:
		return l.file
	}
}

// submitted reports whether a submit call completed successfully this step.
func submitted(calls []*ToolCall) bool {
	for _, call := range calls {
		if call.Kind == KindSubmit && call.Status == StatusCompleted && !call.IsError {
			return true
		}
	}
	return false
}

// toolDefinitions builds the full tool set: shell, submit, and the bridge's
// discovered file tools.
func (l *Loop) toolDefinitions() []llm.ToolDefinition {
	defs := []llm.ToolDefinition{
		{
			Name:        ShellToolName,
			Description: "Execute a shell command inside the sandboxed environment. Returns stdout, stderr, and the exit code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The shell command to run.",
					},
				},
				"required": []any{"command"},
			},
		},
		{
			Name:        SubmitToolName,
			Description: "Submit your work. Captures the current diff of the repository as the final patch and ends the session.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
	return append(defs, l.fileTools...)
}

func (l *Loop) recordLLMRequest(duration time.Duration, err error) {
	m := l.obs.MetricsOrNil()
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(l.provider.Name(), l.cfg.Model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(l.provider.Name(), l.cfg.Model).Observe(duration.Seconds())
}
