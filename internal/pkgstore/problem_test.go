package pkgstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"gavel/internal/pkgstore"
)

func TestBuildTestCases(t *testing.T) {
	m := pkgstore.Manifest{
		ProblemID: 7,
		Version:   2,
		Tests: []pkgstore.ManifestTest{
			{TestID: "1", InputPath: "tests/1.in", AnswerPath: "tests/1.ans"},
			{TestID: "2", InputPath: "tests/2.in", AnswerPath: "tests/2.ans",
				Limits: &pkgstore.ResourceLimit{CPUTimeMs: 5000, MemoryMB: 512}},
		},
	}
	tests, err := pkgstore.BuildTestCases(m, "/data/p7/2")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(tests) != 2 {
		t.Fatalf("got %d tests", len(tests))
	}
	if tests[0].InputPath != filepath.Join("/data/p7/2", "tests", "1.in") {
		t.Fatalf("input path = %q", tests[0].InputPath)
	}
	if tests[1].Limits.CPUTimeMs != 5000 {
		t.Fatalf("cpu limit = %d", tests[1].Limits.CPUTimeMs)
	}
	if tests[1].Limits.MemoryBytes != 512<<20 {
		t.Fatalf("memory limit = %d", tests[1].Limits.MemoryBytes)
	}
}

func TestBuildTestCasesRejectsEscape(t *testing.T) {
	for _, bad := range []string{"../secret", "/etc/passwd", "a/../../b"} {
		m := pkgstore.Manifest{Tests: []pkgstore.ManifestTest{{TestID: "1", InputPath: bad}}}
		if _, err := pkgstore.BuildTestCases(m, "/data/p1/1"); err == nil {
			t.Fatalf("path %q accepted", bad)
		}
	}
}

func TestResolveLanguage(t *testing.T) {
	cfg := pkgstore.ProblemConfig{
		DefaultLimits: pkgstore.ResourceLimit{CPUTimeMs: 1000, MemoryMB: 256},
		LanguageLimits: []pkgstore.LanguageLimits{
			{
				LanguageID:        "java",
				ExtraCompileFlags: []string{"-encoding", "UTF-8"},
				Limits:            &pkgstore.ResourceLimit{CPUTimeMs: 3000},
			},
		},
	}

	flags, limits := pkgstore.ResolveLanguage(cfg, "java")
	if len(flags) != 2 {
		t.Fatalf("flags = %v", flags)
	}
	if limits.CPUTimeMs != 3000 {
		t.Fatalf("cpu = %d, want language override", limits.CPUTimeMs)
	}
	if limits.MemoryBytes != 256<<20 {
		t.Fatalf("memory = %d, want default carried over", limits.MemoryBytes)
	}

	flags, limits = pkgstore.ResolveLanguage(cfg, "cpp")
	if flags != nil {
		t.Fatalf("flags for unlisted language = %v", flags)
	}
	if limits.CPUTimeMs != 1000 {
		t.Fatalf("cpu = %d, want default", limits.CPUTimeMs)
	}
}

func TestLoadProblemConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	doc := `{"problemId":3,"version":1,"title":"Sum","compareMode":"tokens",` +
		`"defaultLimits":{"timeMs":2000,"memoryMB":256}}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := pkgstore.LoadProblemConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProblemID != 3 || cfg.CompareMode != "tokens" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.DefaultLimits.ToLimits().MemoryBytes != 256<<20 {
		t.Fatalf("limits = %+v", cfg.DefaultLimits)
	}
}

func TestResolveChecker(t *testing.T) {
	dir := t.TempDir()

	path, err := pkgstore.ResolveChecker(pkgstore.ProblemConfig{}, dir)
	if err != nil {
		t.Fatalf("resolve without checker: %v", err)
	}
	if path != "" {
		t.Fatalf("path = %q, want empty", path)
	}

	path, err = pkgstore.ResolveChecker(pkgstore.ProblemConfig{Checker: "bin/check"}, dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != filepath.Join(dir, "bin", "check") {
		t.Fatalf("path = %q", path)
	}

	if _, err := pkgstore.ResolveChecker(pkgstore.ProblemConfig{Checker: "../check"}, dir); err == nil {
		t.Fatal("expected error for path escaping the package")
	}
}
