// Package templates chooses the starter template a new session is built on.
package templates

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"appforge/internal/ai"
	"appforge/internal/logging"
	"appforge/internal/sandbox"
)

// ErrNoTemplates is returned when the sandbox service offers no templates.
var ErrNoTemplates = errors.New("no templates available to select")

// PreferredTemplates is the deterministic fallback order when the picker
// returns nothing usable.
var PreferredTemplates = []string{
	"vite-cf-DO-v2-runner",
	"vite-cf-DO-runner",
	"vite-cfagents-runner",
}

// ImageAttachment is an image sent along with the user's query.
type ImageAttachment struct {
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

// Selection is the picker's answer, after fallback has been applied.
type Selection struct {
	SelectedTemplateName *string `json:"selectedTemplateName"`
	Reasoning            string  `json:"reasoning"`
	UseCase              string  `json:"useCase,omitempty"`
	Complexity           string  `json:"complexity,omitempty"`
	StyleSelection       string  `json:"styleSelection,omitempty"`
	ProjectName          string  `json:"projectName,omitempty"`
}

// Name returns the selected template name or "".
func (s *Selection) Name() string {
	if s == nil || s.SelectedTemplateName == nil {
		return ""
	}
	return *s.SelectedTemplateName
}

// TemplateSource lists templates and fetches their files.
type TemplateSource interface {
	ListTemplates(ctx context.Context) *sandbox.ListTemplatesResponse
	GetTemplateDetails(ctx context.Context, name string) *sandbox.TemplateDetailsResponse
}

// TemplatePicker proposes a template for a query.
type TemplatePicker interface {
	Pick(ctx context.Context, ictx *ai.InferenceContext, query string, available []sandbox.TemplateInfo, images []ImageAttachment) (*Selection, error)
}

// Selector combines a template source with a picker.
type Selector struct {
	Source TemplateSource
	Picker TemplatePicker
	logger *zap.Logger
}

// NewSelector creates a Selector.
func NewSelector(source TemplateSource, picker TemplatePicker) *Selector {
	return &Selector{Source: source, Picker: picker, logger: logging.Component("templates")}
}

// GetTemplateForQuery picks a template for query and fetches its details.
func (s *Selector) GetTemplateForQuery(ctx context.Context, ictx *ai.InferenceContext, query string, images []ImageAttachment) (*sandbox.TemplateDetails, *Selection, error) {
	list := s.Source.ListTemplates(ctx)
	if !list.OK() {
		return nil, nil, fmt.Errorf("failed to fetch templates from sandbox service: %s", list.ErrorText())
	}

	selection, err := s.Picker.Pick(ctx, ictx, query, list.Templates, images)
	if err != nil {
		s.logger.Warn("template picker failed, using fallback", zap.Error(err))
		selection = &Selection{}
	}
	if selection == nil {
		selection = &Selection{}
	}

	name := ResolveTemplateName(selection.Name(), list.Templates)
	if name == "" {
		s.logger.Error("no templates available to select")
		return nil, nil, ErrNoTemplates
	}
	if name != selection.Name() {
		s.logger.Warn("template selection unusable, falling back",
			zap.String("selected", selection.Name()),
			zap.String("fallback", name))
	}
	selection.SelectedTemplateName = &name
	s.logger.Info("selected template", zap.String("template", name), zap.String("reasoning", selection.Reasoning))

	details := s.Source.GetTemplateDetails(ctx, name)
	if !details.OK() || details.TemplateDetails == nil {
		return nil, nil, fmt.Errorf("failed to fetch template files for %s: %s", name, details.ErrorText())
	}
	return details.TemplateDetails, selection, nil
}

// ResolveTemplateName returns selected if it is available, otherwise the
// first available preferred template, otherwise the first available one.
// It returns "" only when available is empty.
func ResolveTemplateName(selected string, available []sandbox.TemplateInfo) string {
	has := func(name string) bool {
		for _, t := range available {
			if t.Name == name {
				return true
			}
		}
		return false
	}
	if selected != "" && has(selected) {
		return selected
	}
	for _, p := range PreferredTemplates {
		if has(p) {
			return p
		}
	}
	if len(available) > 0 {
		return available[0].Name
	}
	return ""
}

// ImportantFiles returns the template's files flagged as important, in the
// order the template lists them.
func ImportantFiles(details *sandbox.TemplateDetails) []sandbox.FileObject {
	if details == nil {
		return nil
	}
	byPath := make(map[string]sandbox.FileObject, len(details.Files))
	for _, f := range details.Files {
		byPath[f.FilePath] = f
	}
	out := make([]sandbox.FileObject, 0, len(details.ImportantFiles))
	for _, p := range details.ImportantFiles {
		if f, ok := byPath[p]; ok {
			out = append(out, f)
		}
	}
	return out
}
