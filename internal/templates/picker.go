package templates

import (
	"context"
	"fmt"
	"strings"

	"appforge/internal/ai"
	"appforge/internal/sandbox"
)

var selectionSchema = ai.MustCompileSchema("templateSelection", `{
	"type": "object",
	"properties": {
		"selectedTemplateName": {"type": ["string", "null"]},
		"reasoning": {"type": "string"},
		"useCase": {"type": "string"},
		"complexity": {"type": "string", "enum": ["simple", "moderate", "complex"]},
		"styleSelection": {"type": "string"},
		"projectName": {"type": "string"}
	},
	"required": ["selectedTemplateName", "reasoning"]
}`)

const pickerSystemPrompt = `You are an expert at matching app ideas to starter templates.
Choose the single best template from the list for the user's request.
Reply with selectedTemplateName set to one of the listed names exactly, or null if none fit.
Also give a short reasoning, the use case, the complexity (simple, moderate or complex),
a visual style and a short kebab-case project name.`

// AIPicker asks a model to choose a template.
type AIPicker struct {
	executor *ai.Executor
}

// NewAIPicker creates a picker backed by executor.
func NewAIPicker(executor *ai.Executor) *AIPicker {
	return &AIPicker{executor: executor}
}

// Pick implements TemplatePicker.
func (p *AIPicker) Pick(ctx context.Context, ictx *ai.InferenceContext, query string, available []sandbox.TemplateInfo, images []ImageAttachment) (*Selection, error) {
	user := ai.Message{Role: ai.RoleUser, Content: buildPickerPrompt(query, available)}
	for _, img := range images {
		user.Parts = append(user.Parts, ai.ContentPart{Type: "image_url", ImageURL: img.URL})
	}

	res, err := p.executor.Execute(ctx, ai.Request{
		Action:   ai.ActionTemplateSelection,
		Context:  ictx,
		Schema:   selectionSchema,
		Messages: []ai.Message{ai.SystemMessage(pickerSystemPrompt), user},
	})
	if err != nil {
		return nil, err
	}

	var sel Selection
	if err := selectionSchema.Decode(res.Text, &sel); err != nil {
		return nil, err
	}
	return &sel, nil
}

func buildPickerPrompt(query string, available []sandbox.TemplateInfo) string {
	var b strings.Builder
	b.WriteString("Available templates:\n")
	for _, t := range available {
		fmt.Fprintf(&b, "- %s", t.Name)
		if t.Language != "" {
			fmt.Fprintf(&b, " (%s", t.Language)
			if len(t.Frameworks) > 0 {
				fmt.Fprintf(&b, "; %s", strings.Join(t.Frameworks, ", "))
			}
			b.WriteString(")")
		}
		if t.Description.Selection != "" {
			fmt.Fprintf(&b, ": %s", t.Description.Selection)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nUser request:\n")
	b.WriteString(query)
	return b.String()
}
