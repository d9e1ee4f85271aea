package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"appforge/internal/ai"
	"appforge/internal/sandbox"
	"appforge/internal/templates"
)

var blueprintSchema = ai.MustCompileSchema("blueprint", `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"projectName": {"type": "string"},
		"description": {"type": "string"},
		"frameworks": {"type": "array", "items": {"type": "string"}},
		"views": {"type": "array", "items": {"type": "string"}},
		"phases": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"files": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["name", "description"]
			}
		}
	},
	"required": ["title", "description", "phases"]
}`)

var filesSchema = ai.MustCompileSchema("files", `{
	"type": "object",
	"properties": {
		"files": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"filePath": {"type": "string", "minLength": 1},
					"fileContents": {"type": "string"},
					"filePurpose": {"type": "string"}
				},
				"required": ["filePath", "fileContents"]
			}
		}
	},
	"required": ["files"]
}`)

type filesOutput struct {
	Files []FileOutput `json:"files"`
}

const (
	blueprintSystemPrompt = `You are a senior product engineer. Plan the app the user asks for as a blueprint:
a title, a kebab-case projectName, a description, the frameworks used, the main views,
and an ordered list of small implementation phases that each leave the app runnable.`

	implementSystemPrompt = `You are a senior engineer implementing one phase of an app on top of a starter template.
Return every file you create or change with its full contents. Do not touch files outside the phase.`

	fixSystemPrompt = `You fix code. Return the full corrected contents of each file that needs changes.`
)

// generate runs the pipeline for a freshly initialized session.
func (a *Agent) generate(ctx context.Context, args InitArgs) error {
	snap, err := a.GetFullState(ctx)
	if err != nil {
		return err
	}
	ictx := &snap.InferenceContext

	tmpl, selection := args.Template, args.Selection
	if tmpl == nil {
		if a.deps.Templates == nil {
			return fmt.Errorf("no template given and no template selector configured")
		}
		tmpl, selection, err = a.deps.Templates.GetTemplateForQuery(ctx, ictx, args.Query, args.Images)
		if err != nil {
			return err
		}
	}
	a.fire(EventTemplateReady, tmpl.Name)
	if err := a.mutate(ctx, func(s *CodeGenState) { s.TemplateName = tmpl.Name }); err != nil {
		return err
	}
	a.emit(MsgTemplateSelected, map[string]interface{}{
		"name":  tmpl.Name,
		"files": fileNames(templates.ImportantFiles(tmpl)),
	})

	if snap, err = a.GetFullState(ctx); err != nil {
		return err
	}
	if selection != nil && selection.ProjectName != "" {
		snap.Blueprint = &Blueprint{ProjectName: selection.ProjectName}
	}
	sb := a.deps.Sandbox(a.id)
	instanceID, err := a.bootstrap(ctx, sb, snap)
	if err != nil {
		return err
	}

	bp, err := a.generateBlueprint(ctx, ictx, args, tmpl)
	if err != nil {
		return err
	}
	a.fire(EventBlueprintReady, bp.Title)
	if err := a.mutate(ctx, func(s *CodeGenState) { s.Blueprint = bp }); err != nil {
		return err
	}
	a.emit(MsgBlueprintGenerated, bp)

	for i, plan := range bp.Phases {
		if err := a.implementPhase(ctx, sb, instanceID, i, plan); err != nil {
			return err
		}
	}
	return a.finish(ctx, sb, instanceID)
}

// finish reviews, deploys and marks the run complete.
func (a *Agent) finish(ctx context.Context, sb SandboxClient, instanceID string) error {
	a.fire(EventAllPhasesComplete, "")
	a.review(ctx, sb, instanceID)

	if err := a.mutate(ctx, func(s *CodeGenState) {
		s.CurrentDevState = DevStateFinalizing
		s.ShouldBeGenerating = false
	}); err != nil {
		return err
	}
	if _, err := a.DeployToSandbox(ctx); err != nil {
		return err
	}
	if err := a.mutate(ctx, func(s *CodeGenState) { s.CurrentDevState = DevStateIdle }); err != nil {
		return err
	}
	sum := a.GetSummary()
	a.emit(MsgGenerationComplete, sum)
	a.logger.Info("generation complete", zap.Int("phases", sum.PhasesCompleted))
	return nil
}

// bootstrap creates a sandbox instance for the session and records its id.
func (a *Agent) bootstrap(ctx context.Context, sb SandboxClient, snap *CodeGenState) (string, error) {
	projectName := "app-" + shortID(a.id)
	if snap.Blueprint != nil && snap.Blueprint.ProjectName != "" {
		projectName = snap.Blueprint.ProjectName
	}
	webhook := ""
	if base := a.deps.Options.WebhookBaseURL; base != "" {
		webhook = strings.TrimRight(base, "/") + "/api/agent/" + a.id + "/webhook"
	}

	res := sb.CreateInstance(ctx, snap.TemplateName, projectName, webhook, nil)
	if !res.OK() {
		return "", fmt.Errorf("failed to create sandbox instance: %s", res.ErrorText())
	}
	if err := a.mutate(ctx, func(s *CodeGenState) {
		s.SandboxInstanceID = res.RunID
		if res.PreviewURL != "" {
			s.PreviewURL = res.PreviewURL
		}
	}); err != nil {
		return "", err
	}
	a.emit(MsgSandboxReady, map[string]interface{}{"instanceId": res.RunID, "previewURL": res.PreviewURL})
	return res.RunID, nil
}

func (a *Agent) generateBlueprint(ctx context.Context, ictx *ai.InferenceContext, args InitArgs, tmpl *sandbox.TemplateDetails) (*Blueprint, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", args.Query)
	if args.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", args.Language)
	}
	if len(args.Frameworks) > 0 {
		fmt.Fprintf(&b, "Frameworks: %s\n", strings.Join(args.Frameworks, ", "))
	}
	fmt.Fprintf(&b, "Template: %s\n", tmpl.Name)
	for _, f := range templates.ImportantFiles(tmpl) {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.FilePath, f.FileContents)
	}

	user := ai.UserMessage(b.String())
	for _, img := range args.Images {
		user.Parts = append(user.Parts, ai.ContentPart{Type: "image_url", ImageURL: img.URL})
	}

	res, err := a.deps.Executor.Execute(ctx, ai.Request{
		Action:   ai.ActionBlueprint,
		Context:  ictx,
		Schema:   blueprintSchema,
		Messages: []ai.Message{ai.SystemMessage(blueprintSystemPrompt), user},
	})
	if err != nil {
		return nil, err
	}
	if args.OnBlueprintChunk != nil {
		args.OnBlueprintChunk(res.Text)
	}

	var bp Blueprint
	if err := blueprintSchema.Decode(res.Text, &bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

// implementPhase generates, writes and persists one phase. The next phase
// only starts once this one is saved.
// dropConsumed removes the first n inputs; suggestions queued after the
// prompt was built stay pending.
func dropConsumed(pending []string, n int) []string {
	if n > len(pending) {
		n = len(pending)
	}
	return append([]string{}, pending[n:]...)
}

func (a *Agent) implementPhase(ctx context.Context, sb SandboxClient, instanceID string, idx int, plan PhasePlan) error {
	if err := a.mutate(ctx, func(s *CodeGenState) { s.CurrentDevState = DevStatePhaseImplementing }); err != nil {
		return err
	}
	a.emit(MsgPhaseImplementing, map[string]interface{}{"index": idx, "name": plan.Name})

	snap, err := a.GetFullState(ctx)
	if err != nil {
		return err
	}

	action := ai.ActionPhaseImplementation
	if idx == 0 {
		action = ai.ActionFirstPhaseImplementation
	}
	res, err := a.deps.Executor.Execute(ctx, ai.Request{
		Action:  action,
		Context: &snap.InferenceContext,
		Schema:  filesSchema,
		Messages: []ai.Message{
			ai.SystemMessage(implementSystemPrompt),
			ai.UserMessage(phasePrompt(snap, plan)),
		},
	})
	if err != nil {
		return fmt.Errorf("phase %q: %w", plan.Name, err)
	}
	var out filesOutput
	if err := filesSchema.Decode(res.Text, &out); err != nil {
		return fmt.Errorf("phase %q: %w", plan.Name, err)
	}
	out.Files = a.writable(out.Files)

	if len(out.Files) > 0 {
		w := sb.WriteFiles(ctx, instanceID, toSandboxFiles(out.Files), "phase: "+plan.Name)
		if !w.OK() {
			return fmt.Errorf("failed to write files for phase %q: %s", plan.Name, w.ErrorText())
		}
	}

	a.fire(EventPhaseComplete, plan.Name)
	if err := a.mutate(ctx, func(s *CodeGenState) {
		mergeFiles(s, out.Files)
		s.GeneratedPhases = append(s.GeneratedPhases, PhaseState{
			Name:        plan.Name,
			Description: plan.Description,
			Files:       out.Files,
			Completed:   true,
			CompletedAt: time.Now().UTC(),
		})
		s.PendingUserInputs = dropConsumed(s.PendingUserInputs, len(snap.PendingUserInputs))
		s.CurrentDevState = DevStatePhaseGenerating
	}); err != nil {
		return err
	}
	a.emit(MsgPhaseImplemented, map[string]interface{}{
		"index": idx,
		"name":  plan.Name,
		"files": filePaths(out.Files),
	})
	return nil
}

// review collects static analysis and runtime errors and, unless fixing is
// disabled, runs one regeneration round over the affected files. Review
// problems never fail the generation.
func (a *Agent) review(ctx context.Context, sb SandboxClient, instanceID string) {
	if err := a.mutate(ctx, func(s *CodeGenState) { s.CurrentDevState = DevStateReviewing }); err != nil {
		return
	}
	snap, err := a.GetFullState(ctx)
	if err != nil {
		return
	}

	analysis := sb.RunStaticAnalysis(ctx, instanceID, nil)
	runtime := sb.GetInstanceErrors(ctx, instanceID)

	var issues []string
	affected := map[string]bool{}
	if analysis.OK() {
		for _, is := range append(analysis.Lint.Issues, analysis.Typecheck.Issues...) {
			issues = append(issues, fmt.Sprintf("%s:%d %s", is.FilePath, is.Line, is.Message))
			affected[is.FilePath] = true
		}
	} else {
		a.logger.Warn("static analysis unavailable", zap.String("error", analysis.ErrorText()))
	}
	if runtime.OK() {
		for _, e := range runtime.Errors {
			issues = append(issues, "runtime: "+e.Message)
		}
	}
	for _, e := range snap.ClientReportedErrors {
		issues = append(issues, "client: "+e.Message)
	}
	a.emit(MsgCodeReviewed, map[string]interface{}{"issues": len(issues)})

	if len(issues) == 0 {
		return
	}
	if a.deps.Executor.Router().IsDisabled(ai.ActionRealtimeCodeFixer, &snap.InferenceContext) {
		a.logger.Info("code fixer disabled, leaving review issues", zap.Int("issues", len(issues)))
		return
	}

	var b strings.Builder
	b.WriteString("Fix these problems:\n")
	for _, is := range issues {
		b.WriteString("- " + is + "\n")
	}
	for _, p := range sortedKeys(snap.GeneratedFiles) {
		if len(affected) > 0 && !affected[p] {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", p, snap.GeneratedFiles[p].FileContents)
	}

	res, err := a.deps.Executor.Execute(ctx, ai.Request{
		Action:   ai.ActionFileRegeneration,
		Context:  &snap.InferenceContext,
		Schema:   filesSchema,
		Messages: []ai.Message{ai.SystemMessage(fixSystemPrompt), ai.UserMessage(b.String())},
	})
	if err != nil {
		a.logger.Warn("review fix round failed", zap.Error(err))
		return
	}
	var out filesOutput
	if err := filesSchema.Decode(res.Text, &out); err != nil {
		return
	}
	if out.Files = a.writable(out.Files); len(out.Files) == 0 {
		return
	}
	if w := sb.WriteFiles(ctx, instanceID, toSandboxFiles(out.Files), "review fixes"); !w.OK() {
		a.logger.Warn("failed to write review fixes", zap.String("error", w.ErrorText()))
		return
	}
	sb.ClearInstanceErrors(ctx, instanceID)
	_ = a.mutate(ctx, func(s *CodeGenState) {
		mergeFiles(s, out.Files)
		s.ClientReportedErrors = []ClientError{}
	})
	a.emit(MsgFilesRegenerated, map[string]interface{}{"files": filePaths(out.Files)})
}

func phasePrompt(s *CodeGenState, plan PhasePlan) string {
	var b strings.Builder
	if s.Blueprint != nil {
		bp, _ := json.Marshal(s.Blueprint)
		fmt.Fprintf(&b, "Blueprint:\n%s\n\n", bp)
	}
	fmt.Fprintf(&b, "Phase: %s\n%s\n", plan.Name, plan.Description)
	if len(plan.Files) > 0 {
		fmt.Fprintf(&b, "Planned files: %s\n", strings.Join(plan.Files, ", "))
	}
	if len(s.GeneratedFiles) > 0 {
		fmt.Fprintf(&b, "\nExisting files: %s\n", strings.Join(sortedKeys(s.GeneratedFiles), ", "))
	}
	if len(s.PendingUserInputs) > 0 {
		b.WriteString("\nUser suggestions:\n")
		for _, in := range s.PendingUserInputs {
			b.WriteString("- " + in + "\n")
		}
	}
	return b.String()
}

func mergeFiles(s *CodeGenState, files []FileOutput) {
	if s.GeneratedFiles == nil {
		s.GeneratedFiles = map[string]FileOutput{}
	}
	for _, f := range files {
		s.GeneratedFiles[f.FilePath] = f
	}
}

func toSandboxFiles(files []FileOutput) []sandbox.FileObject {
	out := make([]sandbox.FileObject, 0, len(files))
	for _, f := range files {
		out = append(out, sandbox.FileObject{FilePath: f.FilePath, FileContents: f.FileContents})
	}
	return out
}

func toFileObjects(files map[string]FileOutput) []sandbox.FileObject {
	out := make([]sandbox.FileObject, 0, len(files))
	for _, p := range sortedKeys(files) {
		out = append(out, sandbox.FileObject{FilePath: p, FileContents: files[p].FileContents})
	}
	return out
}

func filePaths(files []FileOutput) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.FilePath)
	}
	return out
}

func fileNames(files []sandbox.FileObject) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.FilePath)
	}
	return out
}

func sortedKeys(m map[string]FileOutput) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPaths(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
