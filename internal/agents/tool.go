package agents

import (
	"context"
	"fmt"
	"sync"

	"appforge/internal/metrics"
)

// DeepDebugTarget is what the deep debug tool drives.
type DeepDebugTarget interface {
	IsCodeGenerating() bool
	IsDeepDebugging() bool
	ExecuteDeepDebug(ctx context.Context, issue string, renderer ToolRenderer, streamCb func(chunk string), focusPaths []string) DebugResult
}

// DeepDebugArgs are the tool call arguments.
type DeepDebugArgs struct {
	Issue      string   `json:"issue" binding:"required"`
	FocusPaths []string `json:"focus_paths,omitempty"`
}

// ToolResult is returned to the conversational loop. Exactly one field is set.
type ToolResult struct {
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DeepDebugTool is the deep_debug tool for one conversation turn.
type DeepDebugTool struct {
	target   DeepDebugTarget
	maxCalls int
	renderer ToolRenderer
	streamCb func(string)

	mu        sync.Mutex
	callCount int
}

// NewDeepDebugTool creates a tool allowing maxCalls invocations (minimum 1).
func NewDeepDebugTool(target DeepDebugTarget, maxCalls int, renderer ToolRenderer, streamCb func(string)) *DeepDebugTool {
	if maxCalls <= 0 {
		maxCalls = 1
	}
	return &DeepDebugTool{target: target, maxCalls: maxCalls, renderer: renderer, streamCb: streamCb}
}

// NewTurn returns a fresh tool with the call counter reset.
func (t *DeepDebugTool) NewTurn() *DeepDebugTool {
	return NewDeepDebugTool(t.target, t.maxCalls, t.renderer, t.streamCb)
}

// Name is the tool name exposed to the model.
func (t *DeepDebugTool) Name() string { return "deep_debug" }

// Calls returns how many invocations this turn has counted.
func (t *DeepDebugTool) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCount
}

// Invoke runs the tool. Session conflicts come back as ToolResult errors.
func (t *DeepDebugTool) Invoke(ctx context.Context, args DeepDebugArgs) ToolResult {
	t.mu.Lock()
	if t.callCount >= t.maxCalls {
		t.mu.Unlock()
		metrics.Get().RecordDeepDebugRefusal("call_limit")
		return ToolResult{Error: fmt.Sprintf("CALL_LIMIT_EXCEEDED: Max %d deep_debug call(s) per conversation turn. Set MAX_DEBUG_CALLS in .dev.vars to increase.", t.maxCalls)}
	}
	t.callCount++
	t.mu.Unlock()

	if t.target.IsCodeGenerating() {
		metrics.Get().RecordDeepDebugRefusal("generating")
		return ToolResult{Error: "GENERATION_IN_PROGRESS: Code generation is currently running. Use wait_for_generation tool, then retry deep_debug."}
	}
	if t.target.IsDeepDebugging() {
		metrics.Get().RecordDeepDebugRefusal("debugging")
		return ToolResult{Error: "DEBUG_IN_PROGRESS: Another debug session is currently running. Wait for it to finish, and if it doesn't, solve the issue, Use wait_for_debug tool, then retry deep_debug."}
	}

	res := t.target.ExecuteDeepDebug(ctx, args.Issue, t.renderer, t.streamCb, args.FocusPaths)
	if !res.Success {
		return ToolResult{Error: res.Error}
	}
	return ToolResult{Transcript: res.Transcript}
}
