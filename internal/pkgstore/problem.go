package pkgstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gavel/internal/judge/model"
	"gavel/internal/sandbox/spec"
	appErr "gavel/pkg/errors"
)

// ResourceLimit is the JSON shape of limits inside problem packages.
// Memory-class fields use megabytes; times use milliseconds.
type ResourceLimit struct {
	CPUTimeMs  int64 `json:"timeMs"`
	WallTimeMs int64 `json:"wallTimeMs"`
	MemoryMB   int64 `json:"memoryMB"`
	StackMB    int64 `json:"stackMB"`
	OutputMB   int64 `json:"outputMB"`
	PIDs       int64 `json:"processes"`
}

// ToLimits converts package units into sandbox limits.
func (l ResourceLimit) ToLimits() spec.ResourceLimits {
	return spec.ResourceLimits{
		CPUTimeMs:    l.CPUTimeMs,
		WallTimeMs:   l.WallTimeMs,
		MemoryBytes:  l.MemoryMB << 20,
		StackBytes:   l.StackMB << 20,
		OutputBytes:  l.OutputMB << 20,
		MaxProcesses: l.PIDs,
	}
}

// Manifest lists the test cases of one problem package.
type Manifest struct {
	ProblemID int64          `json:"problemId"`
	Version   int32          `json:"version"`
	Tests     []ManifestTest `json:"tests"`
}

// ManifestTest describes one test case by package-relative paths.
type ManifestTest struct {
	TestID     string         `json:"testId"`
	InputPath  string         `json:"inputPath"`
	AnswerPath string         `json:"answerPath"`
	Limits     *ResourceLimit `json:"limits"`
}

// ProblemConfig carries judge-facing settings of one problem.
type ProblemConfig struct {
	ProblemID   int64  `json:"problemId"`
	Version     int32  `json:"version"`
	Title       string `json:"title"`
	CompareMode string `json:"compareMode"`
	// Checker is a package-relative path to a checker executable. When
	// set it replaces output comparison for this problem.
	Checker        string           `json:"checker,omitempty"`
	DefaultLimits  ResourceLimit    `json:"defaultLimits"`
	LanguageLimits []LanguageLimits `json:"languageLimits"`
}

// LanguageLimits overrides limits and compile flags per language.
type LanguageLimits struct {
	LanguageID        string         `json:"languageId"`
	ExtraCompileFlags []string       `json:"extraCompileFlags"`
	Limits            *ResourceLimit `json:"limits"`
}

// LoadManifest parses manifest.json from an unpacked package directory.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, appErr.Wrapf(err, appErr.PackageError, "read manifest failed")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, appErr.Wrapf(err, appErr.PackageError, "parse manifest failed")
	}
	return m, nil
}

// LoadProblemConfig parses config.json from an unpacked package directory.
func LoadProblemConfig(path string) (ProblemConfig, error) {
	var cfg ProblemConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return ProblemConfig{}, appErr.Wrapf(err, appErr.PackageError, "read config failed")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ProblemConfig{}, appErr.Wrapf(err, appErr.PackageError, "parse config failed")
	}
	return cfg, nil
}

// ResolveLanguage returns the extra compile flags and effective default
// limits for one language.
func ResolveLanguage(cfg ProblemConfig, languageID string) ([]string, spec.ResourceLimits) {
	base := cfg.DefaultLimits.ToLimits()
	var flags []string
	for _, lim := range cfg.LanguageLimits {
		if lim.LanguageID != languageID {
			continue
		}
		if lim.Limits != nil {
			base = spec.Merge(base, lim.Limits.ToLimits())
		}
		flags = append(flags, lim.ExtraCompileFlags...)
		break
	}
	return flags, base
}

// ResolveChecker returns the absolute checker path for a problem, or ""
// when the problem compares against expected output. The path must stay
// inside the package directory.
func ResolveChecker(cfg ProblemConfig, baseDir string) (string, error) {
	if cfg.Checker == "" {
		return "", nil
	}
	return safeJoin(baseDir, cfg.Checker)
}

// BuildTestCases resolves manifest entries into absolute-path test cases
// in declared order. Paths must stay inside the package directory.
func BuildTestCases(m Manifest, baseDir string) ([]model.TestCase, error) {
	tests := make([]model.TestCase, 0, len(m.Tests))
	for _, tc := range m.Tests {
		if tc.TestID == "" {
			return nil, appErr.ValidationError("test_id", "required")
		}
		inputPath, err := safeJoin(baseDir, tc.InputPath)
		if err != nil {
			return nil, err
		}
		answerPath := ""
		if tc.AnswerPath != "" {
			answerPath, err = safeJoin(baseDir, tc.AnswerPath)
			if err != nil {
				return nil, err
			}
		}
		var limits spec.ResourceLimits
		if tc.Limits != nil {
			limits = tc.Limits.ToLimits()
		}
		tests = append(tests, model.TestCase{
			ID:         tc.TestID,
			InputPath:  inputPath,
			AnswerPath: answerPath,
			Limits:     limits,
		})
	}
	return tests, nil
}

func safeJoin(baseDir, relPath string) (string, error) {
	if relPath == "" {
		return "", appErr.ValidationError("path", "required")
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", appErr.New(appErr.InvalidParams).WithMessage("invalid relative path")
	}
	full := filepath.Join(baseDir, clean)
	if !strings.HasPrefix(full, filepath.Clean(baseDir)+string(filepath.Separator)) {
		return "", appErr.New(appErr.InvalidParams).WithMessage("path traversal detected")
	}
	return full, nil
}
