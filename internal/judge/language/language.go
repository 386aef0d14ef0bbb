// Package language defines how supported languages are compiled and run.
package language

import (
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	appErr "gavel/pkg/errors"
)

// Spec defines compile and run commands for one language. Command
// templates use {src}, {bin} and {extraFlags} placeholders and are split
// with shell lexing after expansion.
type Spec struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	SourceFile     string   `yaml:"sourceFile"`
	BinaryFile     string   `yaml:"binaryFile"`
	CompileEnabled bool     `yaml:"compileEnabled"`
	CompileCmdTpl  string   `yaml:"compileCmd"`
	RunCmdTpl      string   `yaml:"runCmd"`
	Env            []string `yaml:"env"`
	// TimeMultiplier and MemoryMultiplier loosen limits for slower
	// runtimes; zero means unchanged.
	TimeMultiplier   float64 `yaml:"timeMultiplier"`
	MemoryMultiplier float64 `yaml:"memoryMultiplier"`
}

// Registry resolves language ids to specs.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry builds a registry from configured specs.
func NewRegistry(specs []Spec) (*Registry, error) {
	index := make(map[string]Spec, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, appErr.ValidationError("language id", "required")
		}
		if _, dup := index[s.ID]; dup {
			return nil, appErr.Newf(appErr.InvalidParams, "duplicate language id %q", s.ID)
		}
		index[s.ID] = s
	}
	return &Registry{specs: index}, nil
}

// Get returns the spec for a language id.
func (r *Registry) Get(id string) (Spec, error) {
	s, ok := r.specs[id]
	if !ok {
		return Spec{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", id)
	}
	return s, nil
}

// BuildCommand expands a template against the work dir and splits it into
// argv. extraFlags fills {extraFlags} and must be pre-filtered by the
// caller.
func BuildCommand(tpl string, lang Spec, workDir string, extraFlags []string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(workDir, lang.SourceFile))
	expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(workDir, lang.BinaryFile))
	if strings.Contains(expanded, "{extraFlags}") {
		expanded = strings.ReplaceAll(expanded, "{extraFlags}", strings.Join(extraFlags, " "))
	}
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}
