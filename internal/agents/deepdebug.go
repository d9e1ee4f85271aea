package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"appforge/internal/ai"
	"appforge/internal/sandbox"
)

var debugStepSchema = ai.MustCompileSchema("deepDebugStep", `{
	"type": "object",
	"properties": {
		"analysis": {"type": "string"},
		"done": {"type": "boolean"},
		"readFiles": {"type": "array", "items": {"type": "string"}},
		"fixes": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"filePath": {"type": "string", "minLength": 1},
					"fileContents": {"type": "string"}
				},
				"required": ["filePath", "fileContents"]
			}
		}
	},
	"required": ["analysis", "done"]
}`)

const debugSystemPrompt = `You are debugging a running web app in a sandbox. Each turn you get the issue,
the latest static analysis and runtime errors, and any files you asked to read.
Explain your analysis, list files you need to read, give full contents for files you fix,
and set done once the issue is resolved or cannot be progressed.`

type debugStep struct {
	Analysis  string       `json:"analysis"`
	Done      bool         `json:"done"`
	ReadFiles []string     `json:"readFiles"`
	Fixes     []FileOutput `json:"fixes"`
}

// ToolEvent reports progress of a tool step to the caller's renderer.
type ToolEvent struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ToolRenderer receives ToolEvents. It may be nil.
type ToolRenderer func(ToolEvent)

// DebugResult is the outcome of a deep debug session.
type DebugResult struct {
	Success    bool   `json:"success"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ExecuteDeepDebug runs a bounded debug loop against the session's sandbox.
// It refuses to start while generation or another debug session holds the
// session.
func (a *Agent) ExecuteDeepDebug(ctx context.Context, issue string, renderer ToolRenderer, streamCb func(chunk string), focusPaths []string) DebugResult {
	if !a.claim(activityDebugging) {
		if a.IsCodeGenerating() {
			return DebugResult{Error: ErrGenerationRunning.Error()}
		}
		return DebugResult{Error: ErrDebugRunning.Error()}
	}
	defer a.release(activityDebugging)

	if renderer == nil {
		renderer = func(ToolEvent) {}
	}
	if streamCb == nil {
		streamCb = func(string) {}
	}

	snap, err := a.GetFullState(ctx)
	if err != nil {
		return DebugResult{Error: err.Error()}
	}
	if !snap.Initialized() {
		return DebugResult{Error: ErrNotInitialized.Error()}
	}
	if snap.SandboxInstanceID == "" {
		return DebugResult{Error: ErrNoSandbox.Error()}
	}

	a.fire(EventDebugStart, issue)
	a.emit(MsgDeepDebugStarted, map[string]interface{}{"issue": issue})
	defer a.fire(EventDebugEnd, "")

	transcript, err := a.debugLoop(ctx, snap, issue, renderer, streamCb, focusPaths)
	if err != nil {
		a.logger.Warn("deep debug failed", zap.Error(err))
		a.emit(MsgDeepDebugCompleted, map[string]interface{}{"success": false, "error": err.Error()})
		return DebugResult{Error: err.Error(), Transcript: transcript}
	}
	a.emit(MsgDeepDebugCompleted, map[string]interface{}{"success": true})
	return DebugResult{Success: true, Transcript: transcript}
}

func (a *Agent) debugLoop(ctx context.Context, snap *CodeGenState, issue string, renderer ToolRenderer, streamCb func(string), focusPaths []string) (string, error) {
	sb := a.deps.Sandbox(a.id)
	instanceID := snap.SandboxInstanceID

	var transcript strings.Builder
	files := map[string]string{}
	readInto := func(paths []string) {
		if len(paths) == 0 {
			return
		}
		renderer(ToolEvent{Name: "read_files", Status: "start", Detail: strings.Join(paths, ", ")})
		res := sb.GetFiles(ctx, instanceID, paths)
		if !res.OK() {
			renderer(ToolEvent{Name: "read_files", Status: "error", Detail: res.ErrorText()})
			return
		}
		for _, f := range res.Files {
			files[f.FilePath] = f.FileContents
		}
		renderer(ToolEvent{Name: "read_files", Status: "success"})
	}
	readInto(focusPaths)

	for i := 0; i < a.deps.Options.DebugIterations; i++ {
		if ctx.Err() != nil {
			return transcript.String(), ai.ErrCancelled
		}

		renderer(ToolEvent{Name: "run_analysis", Status: "start"})
		analysis := sb.RunStaticAnalysis(ctx, instanceID, focusPaths)
		runtime := sb.GetInstanceErrors(ctx, instanceID)
		renderer(ToolEvent{Name: "run_analysis", Status: "success"})

		res, err := a.deps.Executor.Execute(ctx, ai.Request{
			Action:  ai.ActionDeepDebugger,
			Context: &snap.InferenceContext,
			Schema:  debugStepSchema,
			Messages: []ai.Message{
				ai.SystemMessage(debugSystemPrompt),
				ai.UserMessage(debugPrompt(issue, analysis, runtime, files, transcript.String())),
			},
		})
		if err != nil {
			return transcript.String(), err
		}
		var step debugStep
		if err := debugStepSchema.Decode(res.Text, &step); err != nil {
			return transcript.String(), err
		}

		entry := fmt.Sprintf("[step %d] %s\n", i+1, step.Analysis)
		transcript.WriteString(entry)
		streamCb(entry)

		step.Fixes = a.writable(step.Fixes)
		if len(step.Fixes) > 0 {
			renderer(ToolEvent{Name: "write_files", Status: "start", Detail: strings.Join(filePaths(step.Fixes), ", ")})
			w := sb.WriteFiles(ctx, instanceID, toSandboxFiles(step.Fixes), "deep debug fix")
			if !w.OK() {
				renderer(ToolEvent{Name: "write_files", Status: "error", Detail: w.ErrorText()})
				return transcript.String(), errors.New("failed to write fixes: " + w.ErrorText())
			}
			renderer(ToolEvent{Name: "write_files", Status: "success"})
			for _, f := range step.Fixes {
				files[f.FilePath] = f.FileContents
			}
			fixes := step.Fixes
			if err := a.mutate(ctx, func(s *CodeGenState) { mergeFiles(s, fixes) }); err != nil {
				return transcript.String(), err
			}
			fmt.Fprintf(&transcript, "  fixed: %s\n", strings.Join(filePaths(step.Fixes), ", "))
		}

		if step.Done {
			break
		}
		readInto(step.ReadFiles)
	}
	return transcript.String(), nil
}

func debugPrompt(issue string, analysis *sandbox.StaticAnalysisResponse, runtime *sandbox.RuntimeErrorResponse, files map[string]string, transcript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n", issue)

	b.WriteString("\nStatic analysis:\n")
	if !analysis.OK() {
		fmt.Fprintf(&b, "unavailable (%s)\n", analysis.ErrorText())
	} else if analysis.IssueCount() == 0 {
		b.WriteString("no issues\n")
	} else {
		for _, is := range append(analysis.Lint.Issues, analysis.Typecheck.Issues...) {
			fmt.Fprintf(&b, "- %s:%d [%s] %s\n", is.FilePath, is.Line, is.Severity, is.Message)
		}
	}

	b.WriteString("\nRuntime errors:\n")
	if !runtime.OK() || len(runtime.Errors) == 0 {
		b.WriteString("none\n")
	} else {
		for _, e := range runtime.Errors {
			fmt.Fprintf(&b, "- %s\n", e.Message)
		}
	}

	for _, p := range sortedPaths(files) {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", p, files[p])
	}
	if transcript != "" {
		fmt.Fprintf(&b, "\nPrevious steps:\n%s", transcript)
	}
	return b.String()
}
