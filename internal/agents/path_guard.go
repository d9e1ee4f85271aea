package agents

import (
	"fmt"
	"path"
	"strings"
)

// DefaultProtectedPaths are never written from model output.
var DefaultProtectedPaths = []string{
	".dev.vars",
	"*.env",
	".env.*",
	"wrangler.jsonc",
	"node_modules/**",
	".git/**",
}

// ErrProtectedPath is returned for a generated file the guard refuses.
type ErrProtectedPath struct {
	Path    string
	Pattern string
}

func (e *ErrProtectedPath) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf("path %q escapes the project root", e.Path)
	}
	return fmt.Sprintf("path %q is protected by pattern %q", e.Path, e.Pattern)
}

// PathGuard checks generated file paths before they reach the sandbox.
// Patterns use path.Match syntax plus a trailing ** for whole directories.
type PathGuard struct {
	patterns []string
}

// NewPathGuard creates a guard. A nil pattern list means DefaultProtectedPaths.
func NewPathGuard(patterns []string) *PathGuard {
	if patterns == nil {
		patterns = DefaultProtectedPaths
	}
	return &PathGuard{patterns: patterns}
}

// CleanPath normalises p to a project-relative slash path.
func CleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = path.Clean(strings.TrimPrefix(p, "./"))
	return p
}

// Check returns an error if p may not be written.
func (g *PathGuard) Check(p string) *ErrProtectedPath {
	cleaned := CleanPath(p)
	if cleaned == "." || strings.HasPrefix(cleaned, "/") || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return &ErrProtectedPath{Path: p}
	}
	for _, pattern := range g.patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern != "" && matchPattern(cleaned, pattern) {
			return &ErrProtectedPath{Path: p, Pattern: pattern}
		}
	}
	return nil
}

// Filter splits files into writable ones, with cleaned paths, and rejections.
func (g *PathGuard) Filter(files []FileOutput) ([]FileOutput, []*ErrProtectedPath) {
	allowed := make([]FileOutput, 0, len(files))
	var rejected []*ErrProtectedPath
	for _, f := range files {
		if err := g.Check(f.FilePath); err != nil {
			rejected = append(rejected, err)
			continue
		}
		f.FilePath = CleanPath(f.FilePath)
		allowed = append(allowed, f)
	}
	return allowed, rejected
}

func matchPattern(p, pattern string) bool {
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		return p == dir || strings.HasPrefix(p, dir+"/") || strings.Contains(p, "/"+dir+"/")
	}
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	ok, _ := path.Match(pattern, path.Base(p))
	return ok
}
